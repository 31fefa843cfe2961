// Package timeutil provides calendar-date helpers for streak and calendar math.
//
// A calendar date is represented as a time.Time at 00:00:00 UTC carrying the
// year/month/day a user observed in their configured timezone. Keeping every
// date normalised that way makes comparison and day arithmetic exact: two dates
// are equal iff their time.Time values are equal, and one day is always 24h.
package timeutil

import (
	"fmt"
	"time"
)

// FormatDate is the wire format for calendar dates (YYYY-MM-DD).
const FormatDate = "2006-01-02"

// LoadLocation resolves a timezone name. An empty name means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// Date creates a calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateIn returns the calendar date on which instant t falls in loc.
func DateIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return Date(local.Year(), local.Month(), local.Day())
}

// Normalize strips any clock component from a date that was produced elsewhere
// (for example a DATE column scanned by a driver).
func Normalize(d time.Time) time.Time {
	return Date(d.Year(), d.Month(), d.Day())
}

// AddDays shifts a calendar date by n days.
func AddDays(d time.Time, n int) time.Time {
	return d.AddDate(0, 0, n)
}

// IsConsecutiveDay reports whether next is the day after prev.
func IsConsecutiveDay(prev, next time.Time) bool {
	return Normalize(AddDays(prev, 1)).Equal(Normalize(next))
}

// DaysBetween returns the signed number of days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Normalize(b).Sub(Normalize(a)).Hours() / 24)
}

// DateRange returns every calendar date from first to last inclusive.
// It returns nil when last precedes first.
func DateRange(first, last time.Time) []time.Time {
	n := DaysBetween(first, last)
	if n < 0 {
		return nil
	}
	out := make([]time.Time, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, AddDays(Normalize(first), i))
	}
	return out
}

// FormatDateStr formats a calendar date as YYYY-MM-DD.
func FormatDateStr(d time.Time) string {
	return d.Format(FormatDate)
}

// ParseDate parses YYYY-MM-DD into a calendar date.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(FormatDate, value, time.UTC)
}
