// Package datemath does day-granularity arithmetic on calendar dates.
//
// Target dates carry no time of day, so they are kept as civil dates and
// never converted through a time zone. "Today" is taken from a clock reading
// in the clock's own location.
package datemath

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"releasecheck/internal/clock"
)

const layout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid date")

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// Parse accepts YYYY-MM-DD only.
func Parse(s string) (Date, error) {
	t, err := time.Parse(layout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Of(t), nil
}

func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Of returns the calendar date of t in t's location.
func Of(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func Today(c clock.Clock) Date {
	return Of(c.Now())
}

func (d Date) IsZero() bool {
	return d == Date{}
}

// Time returns midnight UTC of d. UTC has no DST, so subtracting two of these
// always yields a whole number of days.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) AddDays(n int) Date {
	return Of(d.Time().AddDate(0, 0, n))
}

func (d Date) String() string {
	return d.Time().Format(layout)
}

// Compare returns -1, 0 or 1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Before(o):
		return -1
	case o.Before(d):
		return 1
	default:
		return 0
	}
}

func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDate, string(b))
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysUntil is negative when target is before today.
func DaysUntil(target, today Date) int {
	return int((target.Time().Unix() - today.Time().Unix()) / 86400)
}

func IsPast(target, today Date) bool {
	return DaysUntil(target, today) < 0
}

// SortByDate sorts items ascending by the date returned from dateOf. Items on
// the same date are ordered by less, which must be a strict total order for
// the result to be deterministic.
func SortByDate[T any](items []T, dateOf func(T) Date, less func(a, b T) bool) {
	sort.SliceStable(items, func(i, j int) bool {
		if c := dateOf(items[i]).Compare(dateOf(items[j])); c != 0 {
			return c < 0
		}
		return less(items[i], items[j])
	})
}
