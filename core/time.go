/*
Package core holds the vocabulary shared by the rollup engine and the rate limiter.

KEY CONCEPTS:
  - Date: a calendar day, the bucket key of every DailyStat row
  - Window: a half-open time range [Start, End) consumed by one rollup run
  - Error taxonomy (errors.go): validation, not found, conflict, transient

SEE ALSO:
  - errors.go: sentinel and structured errors
  - clickstats/aggregator.go: consumes Window, produces rows keyed by Date
*/
package core

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// =============================================================================
// DATE - Calendar day used as the rollup bucket
// =============================================================================

// Date is a calendar day, normalised to UTC midnight.
type Date struct {
	Time time.Time
}

// NewDate builds a Date from its parts.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar date of t as observed in loc.
// A nil loc means UTC.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return NewDate(local.Year(), local.Month(), local.Day())
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return Date{Time: t}, nil
}

// MustParseDate is ParseDate for literals in tests and seed data.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) String() string               { return d.Time.Format(dateLayout) }
func (d Date) IsZero() bool                 { return d.Time.IsZero() }
func (d Date) AddDays(n int) Date           { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) Before(other Date) bool       { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool        { return d.Time.After(other.Time) }
func (d Date) Equal(other Date) bool        { return d.Time.Equal(other.Time) }
func (d Date) AfterOrEqual(other Date) bool { return !d.Before(other) }

// MarshalText lets Date travel through JSON and YAML as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// WINDOW - Half-open event range for a single rollup run
// =============================================================================

// Window is the half-open range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns a validated window with both bounds in UTC.
func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: start.UTC(), End: end.UTC()}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate rejects empty and inverted windows.
func (w Window) Validate() error {
	if w.Start.IsZero() {
		return NewValidationError("window_start", "is required")
	}
	if w.End.IsZero() {
		return NewValidationError("window_end", "is required")
	}
	if !w.End.After(w.Start) {
		return NewValidationError("window_end", "must be after window_start")
	}
	return nil
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether the two half-open windows share any instant.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Equal compares bounds by instant.
func (w Window) Equal(other Window) bool {
	return w.Start.Equal(other.Start) && w.End.Equal(other.End)
}

// Duration is End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) String() string {
	return "[" + w.Start.UTC().Format(time.RFC3339) + ", " + w.End.UTC().Format(time.RFC3339) + ")"
}

// HourlyWindows cuts [from, to) at every hour boundary. The first and last
// windows are partial when from or to is off the hour; together the windows
// cover [from, to) exactly.
func HourlyWindows(from, to time.Time) []Window {
	cur, end := from.UTC(), to.UTC()

	var windows []Window
	for cur.Before(end) {
		next := cur.Truncate(time.Hour).Add(time.Hour)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Start: cur, End: next})
		cur = next
	}
	return windows
}

// DateRange is the half-open day range [Start, End) used by dashboard reads.
type DateRange struct {
	Start Date
	End   Date
}

// Validate rejects inverted ranges. An empty range (Start == End) is allowed
// and simply matches nothing.
func (r DateRange) Validate() error {
	if r.Start.IsZero() {
		return NewValidationError("start", "is required")
	}
	if r.End.IsZero() {
		return NewValidationError("end", "is required")
	}
	if r.End.Before(r.Start) {
		return NewValidationError("end", "must not be before start")
	}
	return nil
}

// Contains reports whether d is in [Start, End).
func (r DateRange) Contains(d Date) bool {
	return d.AfterOrEqual(r.Start) && d.Before(r.End)
}
