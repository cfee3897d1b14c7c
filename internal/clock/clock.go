package clock

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// DayKey is a UTC calendar date in YYYY-MM-DD form. It is the single bucket
// key for all day-scoped data: rate-limit counters, leaderboards, daily bests.
type DayKey string

// WeekKey is the Monday of an ISO week, same format as DayKey.
type WeekKey string

// CurrentDay returns the canonical key for the current UTC calendar date.
func CurrentDay() DayKey {
	return DayOf(time.Now())
}

// DayOf returns the day key for t, evaluated in UTC.
func DayOf(t time.Time) DayKey {
	return DayKey(t.UTC().Format(dayLayout))
}

// CurrentWeekStart returns the week key for the current ISO week.
func CurrentWeekStart() WeekKey {
	return WeekStart(time.Now())
}

// WeekStart returns the Monday of the ISO week containing t.
func WeekStart(t time.Time) WeekKey {
	t = t.UTC()
	// time.Weekday numbers Sunday as 0.
	offset := int(t.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7
	}
	monday := t.AddDate(0, 0, -offset)
	return WeekKey(monday.Format(dayLayout))
}

// UntilNextDay returns the time remaining until the next UTC midnight after t.
func UntilNextDay(t time.Time) time.Duration {
	t = t.UTC()
	next := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(t)
}

// Time parses the key back into a UTC midnight instant.
func (d DayKey) Time() (time.Time, error) {
	t, err := time.ParseInLocation(dayLayout, string(d), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day key %q: %w", d, err)
	}
	return t, nil
}

// AddDays returns the key n calendar days after d. d must be a valid key.
func (d DayKey) AddDays(n int) DayKey {
	t, err := d.Time()
	if err != nil {
		return d
	}
	return DayOf(t.AddDate(0, 0, n))
}

// DaysBetween returns the whole number of UTC days from a to b. Positive when
// b is later. Returns an error if either key is malformed.
func DaysBetween(a, b DayKey) (int, error) {
	ta, err := a.Time()
	if err != nil {
		return 0, err
	}
	tb, err := b.Time()
	if err != nil {
		return 0, err
	}
	return int(tb.Sub(ta) / (24 * time.Hour)), nil
}
