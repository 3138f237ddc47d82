// Package schedule classifies heterogeneous schedule expressions and computes
// next fire times. Everything here is pure: no clocks are read except through
// the `now` arguments, and nothing is persisted.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Type tags a classified schedule expression.
type Type string

const (
	// TypeEvery fires repeatedly at a fixed interval from "now".
	TypeEvery Type = "every"
	// TypeAt fires once at an absolute instant.
	TypeAt Type = "at"
	// TypeCron follows a standard 5-field cron expression.
	TypeCron Type = "cron"
)

// cronParser is a standard 5-field parser (minute hour dom month dow). Its
// Next implementation scans field by field with month/year rollover and the
// standard dom/dow OR tie-break, so restrictive day fields schedule correctly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Descriptor is a classified schedule. Exactly one of the type-specific
// fields carries meaning.
type Descriptor struct {
	Type     Type
	Interval time.Duration // TypeEvery
	At       time.Time     // TypeAt
	Expr     string        // TypeCron, normalized (dow 7 rewritten to 0)
}

// Canonical returns the persistable form of the schedule value: a Go duration
// string for every, RFC 3339 for at, the normalized expression for cron.
func (d Descriptor) Canonical() string {
	switch d.Type {
	case TypeEvery:
		return d.Interval.String()
	case TypeAt:
		return d.At.Format(time.RFC3339)
	default:
		return d.Expr
	}
}

// Next computes the next fire time strictly after now. The zero time means no
// further run is possible (an expired one-shot, or an invalid descriptor).
func (d Descriptor) Next(now time.Time) time.Time {
	switch d.Type {
	case TypeEvery:
		if d.Interval <= 0 {
			return time.Time{}
		}
		return now.Add(d.Interval)
	case TypeAt:
		if d.At.After(now) {
			return d.At
		}
		return time.Time{}
	case TypeCron:
		sched, err := cronParser.Parse(d.Expr)
		if err != nil {
			return time.Time{}
		}
		return sched.Next(now)
	default:
		return time.Time{}
	}
}

// Parse re-validates a persisted (type, value) pair, as written by
// Canonical, back into a Descriptor. Used when re-arming jobs loaded from the
// store.
func Parse(typ Type, value string) (Descriptor, error) {
	switch typ {
	case TypeEvery:
		d, err := time.ParseDuration(value)
		if err != nil {
			return Descriptor{}, fmt.Errorf("parse every duration %q: %w", value, err)
		}
		if d <= 0 {
			return Descriptor{}, fmt.Errorf("every duration must be positive, got %v", d)
		}
		return Descriptor{Type: TypeEvery, Interval: d}, nil

	case TypeAt:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return Descriptor{}, fmt.Errorf("parse at timestamp %q: %w", value, err)
		}
		return Descriptor{Type: TypeAt, At: t}, nil

	case TypeCron:
		norm, err := validateCron(value)
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Type: TypeCron, Expr: norm}, nil

	default:
		return Descriptor{}, fmt.Errorf("unknown schedule type: %s", typ)
	}
}
