package schedule

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, typ Type, value string) Descriptor {
	t.Helper()
	d, err := Parse(typ, value)
	if err != nil {
		t.Fatalf("Parse(%v, %q): %v", typ, value, err)
	}
	return d
}

func TestNext_Every(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	d := mustParse(t, TypeEvery, "5m")
	if got, want := d.Next(now), now.Add(5*time.Minute); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNext_AtFutureAndPast(t *testing.T) {
	d := mustParse(t, TypeAt, "2026-02-01T09:00:00Z")

	before := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	if got := d.Next(before); !got.Equal(d.At) {
		t.Errorf("Next before instant = %v, want %v", got, d.At)
	}

	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := d.Next(after); !got.IsZero() {
		t.Errorf("Next after instant = %v, want zero (one-shot done)", got)
	}
}

func TestNext_Cron(t *testing.T) {
	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{
			name: "daily same day",
			expr: "0 9 * * *",
			from: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "daily next day",
			expr: "0 9 * * *",
			from: time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC),
			want: time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "step minutes",
			expr: "*/15 * * * *",
			from: time.Date(2026, 1, 15, 8, 16, 0, 0, time.UTC),
			want: time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC),
		},
		{
			name: "dom list",
			expr: "30 8 1,15 * *",
			from: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC),
		},
		{
			// Both dom and dow restricted: standard OR tie-break. From Sunday
			// 2026-02-01, Friday the 6th comes before the 13th.
			name: "dom or dow",
			expr: "0 0 13 * 5",
			from: time.Date(2026, 2, 1, 0, 30, 0, 0, time.UTC),
			want: time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC),
		},
		{
			// April has 30 days; the 31st only exists again in May.
			name: "month rollover",
			expr: "0 0 31 * *",
			from: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "year rollover",
			expr: "0 0 25 12 *",
			from: time.Date(2026, 12, 26, 0, 0, 0, 0, time.UTC),
			want: time.Date(2027, 12, 25, 0, 0, 0, 0, time.UTC),
		},
		{
			// 7 is Sunday; from Saturday the next fire is Sunday noon.
			name: "dow seven alias",
			expr: "0 12 * * 7",
			from: time.Date(2026, 1, 17, 13, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 18, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "weekday range",
			expr: "0 7 * * 1-5",
			from: time.Date(2026, 1, 17, 8, 0, 0, 0, time.UTC), // Saturday
			want: time.Date(2026, 1, 19, 7, 0, 0, 0, time.UTC), // Monday
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse(TypeCron, tt.expr)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := d.Next(tt.from); !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		typ   Type
		value string
	}{
		{TypeEvery, "bad"},
		{TypeEvery, "-5m"},
		{TypeAt, "not-a-timestamp"},
		{TypeCron, "61 * * * *"},
		{TypeCron, "* * *"},
		{Type("weird"), "5m"},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.typ, tt.value); err == nil {
			t.Errorf("Parse(%v, %q): expected error", tt.typ, tt.value)
		}
	}
}

func TestCanonical_RoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	d, err := classifyAt("every 90 minutes", now)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got := d.Canonical(); got != "1h30m0s" {
		t.Errorf("Canonical = %q, want %q", got, "1h30m0s")
	}

	rt, err := Parse(d.Type, d.Canonical())
	if err != nil {
		t.Fatalf("Parse canonical: %v", err)
	}
	if rt.Interval != d.Interval {
		t.Errorf("round trip interval = %v, want %v", rt.Interval, d.Interval)
	}
}
