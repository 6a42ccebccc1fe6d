package timeutil

import (
	"errors"
	"time"
)

var ErrInvalidDay = errors.New("invalid calendar date")

// DayLayout is the wire and storage format for calendar dates.
const DayLayout = "2006-01-02"

// Day is a UTC-anchored calendar date. The zero value is not a valid day;
// construct via ParseDay, NewDay, or Today.
type Day struct {
	t time.Time
}

// NewDay builds a Day from its components.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(value string) (Day, error) {
	t, err := time.ParseInLocation(DayLayout, value, time.UTC)
	if err != nil {
		return Day{}, ErrInvalidDay
	}
	return Day{t: t}, nil
}

// DayOf truncates a timestamp to its UTC calendar date.
func DayOf(ts time.Time) Day {
	ts = ts.UTC()
	return NewDay(ts.Year(), ts.Month(), ts.Day())
}

// Today returns the current UTC calendar date for the provided clock reading.
func Today(now time.Time) Day {
	return DayOf(now)
}

// String formats the day as YYYY-MM-DD.
func (d Day) String() string { return d.t.Format(DayLayout) }

// Time returns UTC midnight at the start of the day.
func (d Day) Time() time.Time { return d.t }

// IsZero reports whether the day is the zero value.
func (d Day) IsZero() bool { return d.t.IsZero() }

// AddDays returns the day shifted by n calendar days.
func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }

// Before reports whether d falls strictly before other.
func (d Day) Before(other Day) bool { return d.t.Before(other.t) }

// After reports whether d falls strictly after other.
func (d Day) After(other Day) bool { return d.t.After(other.t) }

// Equal reports whether both values name the same calendar date.
func (d Day) Equal(other Day) bool { return d.t.Equal(other.t) }

// Range returns every day from start through end inclusive, oldest first.
// An inverted range yields nil.
func Range(start, end Day) []Day {
	if start.After(end) {
		return nil
	}
	days := make([]Day, 0, int(end.t.Sub(start.t)/(24*time.Hour))+1)
	for d := start; !d.After(end); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// MinutesSinceMidnightUTC returns whole minutes elapsed since UTC midnight.
func MinutesSinceMidnightUTC(now time.Time) int {
	now = now.UTC()
	return now.Hour()*60 + now.Minute()
}
