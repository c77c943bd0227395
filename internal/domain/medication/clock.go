// Package medication implements the medicine schedule and dose-adherence engine.
package medication

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay is the number of minutes in a calendar day
const MinutesPerDay = 24 * 60

var (
	// ErrInvalidTime is returned when an HH:MM string cannot be parsed
	ErrInvalidTime = errors.New("invalid time of day")
	// ErrInvalidDate is returned when a YYYY-MM-DD string cannot be parsed
	ErrInvalidDate = errors.New("invalid calendar date")
)

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from hour and minute.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: %02d:%02d", ErrInvalidTime, hour, minute)
	}
	return TimeOfDay(hour*60 + minute), nil
}

// ParseTimeOfDay parses "H:MM" or "HH:MM" in 24-hour form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	h, m, ok := strings.Cut(s, ":")
	if !ok || len(h) < 1 || len(h) > 2 || len(m) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return NewTimeOfDay(hour, minute)
}

// IsValidTimeOfDay reports whether s parses as a time of day.
func IsValidTimeOfDay(s string) bool {
	_, err := ParseTimeOfDay(s)
	return err == nil
}

// Hour returns the hour component (0-23)
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component (0-59)
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// Add shifts the time by d, reporting whether the result left the day.
func (t TimeOfDay) Add(d time.Duration) (TimeOfDay, bool) {
	m := int(t) + int(d/time.Minute)
	if m < 0 || m >= MinutesPerDay {
		return TimeOfDay(((m % MinutesPerDay) + MinutesPerDay) % MinutesPerDay), true
	}
	return TimeOfDay(m), false
}

// String renders the zero-padded HH:MM form.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CalendarDate is a civil date without time-of-day or zone.
type CalendarDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) CalendarDate {
	y, m, d := t.Date()
	return CalendarDate{Year: y, Month: m, Day: d}
}

// NewDate builds a date, normalizing out-of-range values the way time.Date does.
func NewDate(year int, month time.Month, day int) CalendarDate {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// ParseDate parses YYYY-MM-DD. RFC 3339 timestamps are accepted and truncated to their
// date part, which is how the mobile clients persist start and end dates.
func ParseDate(s string) (CalendarDate, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return DateOf(t), nil
	}
	if len(s) > 10 && s[10] == 'T' {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return DateOf(t), nil
		}
	}
	return CalendarDate{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// parseOptionalDate treats empty and malformed input as absent.
func parseOptionalDate(s string) (CalendarDate, bool) {
	if strings.TrimSpace(s) == "" {
		return CalendarDate{}, false
	}
	d, err := ParseDate(s)
	if err != nil {
		return CalendarDate{}, false
	}
	return d, true
}

// IsZero reports whether d is the zero date.
func (d CalendarDate) IsZero() bool { return d == CalendarDate{} }

func (d CalendarDate) midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Weekday returns the day of week; Sunday is 0.
func (d CalendarDate) Weekday() time.Weekday { return d.midnight().Weekday() }

// AddDays returns the date n days later (n may be negative).
func (d CalendarDate) AddDays(n int) CalendarDate {
	return DateOf(d.midnight().AddDate(0, 0, n))
}

// DaysUntil returns the whole number of days from d to other.
func (d CalendarDate) DaysUntil(other CalendarDate) int {
	return int(other.midnight().Sub(d.midnight()).Hours() / 24)
}

// Compare returns -1, 0 or 1.
func (d CalendarDate) Compare(other CalendarDate) int {
	switch {
	case d.Year != other.Year:
		return cmpInt(d.Year, other.Year)
	case d.Month != other.Month:
		return cmpInt(int(d.Month), int(other.Month))
	default:
		return cmpInt(d.Day, other.Day)
	}
}

// Before reports whether d is strictly earlier than other.
func (d CalendarDate) Before(other CalendarDate) bool { return d.Compare(other) < 0 }

// After reports whether d is strictly later than other.
func (d CalendarDate) After(other CalendarDate) bool { return d.Compare(other) > 0 }

// At returns the instant of t on date d in loc.
func (d CalendarDate) At(t TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, t.Hour(), t.Minute(), 0, 0, loc)
}

// String renders YYYY-MM-DD.
func (d CalendarDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalText implements encoding.TextMarshaler.
func (d CalendarDate) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *CalendarDate) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = CalendarDate{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
