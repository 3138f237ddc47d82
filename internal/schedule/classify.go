package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ErrUnclassifiable marks expressions that match none of the schedule forms.
var ErrUnclassifiable = errors.New("unrecognized schedule expression")

var (
	everyRe = regexp.MustCompile(`^(?:every\s+)?(\d+)\s*(m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days)$`)
	inRe    = regexp.MustCompile(`^in\s+(\d+)\s*(m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days)$`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// Classify parses a schedule expression into a Descriptor. Syntaxes overlap,
// so matching order matters: interval, relative/at phrase, cron, then a bare
// absolute datetime as a last resort. All resolved `at` instants must lie
// strictly in the future.
func Classify(expr string) (Descriptor, error) {
	return classifyAt(expr, time.Now())
}

// classifyAt is Classify with an injectable clock.
func classifyAt(expr string, now time.Time) (Descriptor, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return Descriptor{}, fmt.Errorf("%w: empty expression", ErrUnclassifiable)
	}
	lower := strings.ToLower(trimmed)

	if m := everyRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n <= 0 {
			return Descriptor{}, fmt.Errorf("interval must be positive: %q", expr)
		}
		return Descriptor{Type: TypeEvery, Interval: time.Duration(n) * unitDuration(m[2])}, nil
	}

	if t, ok, err := parseRelative(lower, now); ok {
		if err != nil {
			return Descriptor{}, err
		}
		if !t.After(now) {
			return Descriptor{}, fmt.Errorf("%q resolves to the past (%s)", expr, t.Format(time.RFC3339))
		}
		return Descriptor{Type: TypeAt, At: t}, nil
	}

	if len(strings.Fields(trimmed)) == 5 {
		norm, err := validateCron(trimmed)
		if err == nil {
			return Descriptor{Type: TypeCron, Expr: norm}, nil
		}
		// A 5-token absolute datetime ("Mon Jan 2 15:04:05 2027") is not
		// cron; let the fallback claim it before surfacing the cron error.
		if t, perr := dateparse.ParseIn(trimmed, now.Location()); perr == nil {
			if !t.After(now) {
				return Descriptor{}, fmt.Errorf("%q resolves to the past (%s)", expr, t.Format(time.RFC3339))
			}
			return Descriptor{Type: TypeAt, At: t}, nil
		}
		return Descriptor{}, err
	}

	// Last resort: a bare absolute datetime is a one-shot.
	if t, err := dateparse.ParseIn(trimmed, now.Location()); err == nil {
		if !t.After(now) {
			return Descriptor{}, fmt.Errorf("%q resolves to the past (%s)", expr, t.Format(time.RFC3339))
		}
		return Descriptor{Type: TypeAt, At: t}, nil
	}

	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnclassifiable, expr)
}

func unitDuration(unit string) time.Duration {
	switch unit[0] {
	case 'm':
		return time.Minute
	case 'h':
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// parseRelative resolves "in <n> <unit>", "today", "tomorrow", and weekday
// phrases, each with an optional trailing clock time. ok is false when the
// phrase is not one of those forms at all.
func parseRelative(lower string, now time.Time) (t time.Time, ok bool, err error) {
	if m := inRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return now.Add(time.Duration(n) * unitDuration(m[2])), true, nil
	}

	head, rest, _ := strings.Cut(lower, " ")
	rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "at "))

	var day time.Time
	switch {
	case head == "today":
		day = now
	case head == "tomorrow":
		day = now.AddDate(0, 0, 1)
	default:
		wd, isWeekday := weekdays[head]
		if !isWeekday {
			return time.Time{}, false, nil
		}
		days := (int(wd) - int(now.Weekday()) + 7) % 7
		day = now.AddDate(0, 0, days)
	}

	hour, minute := 9, 0 // morning default when no clock is given
	if rest != "" {
		hour, minute, err = parseClock(rest)
		if err != nil {
			return time.Time{}, true, err
		}
	}

	t = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	// A weekday name means the next occurrence; roll a week forward when the
	// clock on the same day has already passed.
	if _, isWeekday := weekdays[head]; isWeekday && !t.After(now) {
		t = t.AddDate(0, 0, 7)
	}
	return t, true, nil
}

var clockLayouts = []string{"15:04", "3:04pm", "3pm", "15:04:05"}

func parseClock(s string) (hour, minute int, err error) {
	for _, layout := range clockLayouts {
		if t, perr := time.Parse(layout, s); perr == nil {
			return t.Hour(), t.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("unrecognized time of day: %q", s)
}

// cron field bounds; dow accepts 7 as an alias for Sunday.
var cronBounds = []struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// validateCron checks a 5-field cron expression against the grammar
// `* | N | N-M | N/S | comma-list` with per-field bounds, and returns the
// expression with dow 7 rewritten to 0 so the robfig parser accepts it.
func validateCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronBounds) {
		return "", fmt.Errorf("cron expression needs 5 fields, got %d: %q", len(fields), expr)
	}
	for i, field := range fields {
		b := cronBounds[i]
		for _, item := range strings.Split(field, ",") {
			if err := validateCronItem(item, b.min, b.max); err != nil {
				return "", fmt.Errorf("cron %s field: %w", b.name, err)
			}
		}
	}
	fields[4] = normalizeDow(fields[4])
	return strings.Join(fields, " "), nil
}

func validateCronItem(item string, min, max int) error {
	base, step, hasStep := strings.Cut(item, "/")
	if hasStep {
		s, err := strconv.Atoi(step)
		if err != nil || s < 1 {
			return fmt.Errorf("invalid step %q", item)
		}
	}
	if base == "*" {
		return nil
	}
	lo, hi, isRange := strings.Cut(base, "-")
	n, err := strconv.Atoi(lo)
	if err != nil || n < min || n > max {
		return fmt.Errorf("value %q out of range %d-%d", item, min, max)
	}
	if isRange {
		m, err := strconv.Atoi(hi)
		if err != nil || m < min || m > max || m < n {
			return fmt.Errorf("invalid range %q", item)
		}
	}
	return nil
}

// normalizeDow rewrites the 7 alias for Sunday to 0. A range ending in 7 is
// split so the Sunday endpoint wraps ("5-7" becomes "5-6,0").
func normalizeDow(field string) string {
	items := strings.Split(field, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		base, step, hasStep := strings.Cut(item, "/")
		switch {
		case base == "7-7":
			// Degenerate range, just Sunday. Any step collapses with it.
			out = append(out, "0")
			continue
		case base == "7":
			base = "0"
		case strings.HasSuffix(base, "-7") && !hasStep:
			out = append(out, strings.TrimSuffix(base, "-7")+"-6")
			base = "0"
		case strings.HasSuffix(base, "-7"):
			// A stepped range cannot wrap; clamp to Saturday.
			base = strings.TrimSuffix(base, "-7") + "-6"
		}
		if hasStep {
			base += "/" + step
		}
		out = append(out, base)
	}
	return strings.Join(out, ",")
}
