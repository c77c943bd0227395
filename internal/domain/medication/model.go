package medication

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DoseStatus is the recorded outcome of one dose occurrence
type DoseStatus string

const (
	StatusPending DoseStatus = "pending"
	StatusTaken   DoseStatus = "taken"
	StatusMissed  DoseStatus = "missed"
	StatusSkipped DoseStatus = "skipped"
	StatusLate    DoseStatus = "late"
)

// ParseDoseStatus parses a status name case-insensitively.
func ParseDoseStatus(s string) (DoseStatus, bool) {
	switch DoseStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusTaken:
		return StatusTaken, true
	case StatusMissed:
		return StatusMissed, true
	case StatusSkipped:
		return StatusSkipped, true
	case StatusLate:
		return StatusLate, true
	}
	return "", false
}

// Terminal reports whether no further transition is expected for the occurrence.
func (s DoseStatus) Terminal() bool {
	return s == StatusTaken || s == StatusMissed || s == StatusSkipped
}

// Origin tells whether a scheduled dose was written by the user or derived from frequency.
type Origin string

const (
	OriginUserDefined   Origin = "user"
	OriginAutoGenerated Origin = "auto"
)

// WeekdaySet is a bitmask of weekdays, bit 0 = Sunday.
type WeekdaySet uint8

// Contains reports whether wd is in the set
func (s WeekdaySet) Contains(wd time.Weekday) bool { return s&(1<<uint(wd)) != 0 }

// Days returns the members in Sunday-first order
func (s WeekdaySet) Days() []time.Weekday {
	var out []time.Weekday
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if s.Contains(wd) {
			out = append(out, wd)
		}
	}
	return out
}

// DaySelector chooses the weekdays a scheduled dose recurs on. It is either every day or an
// explicit set; an explicit empty set selects no day at all.
type DaySelector struct {
	specific bool
	days     WeekdaySet
}

// EveryDay selects all seven weekdays.
func EveryDay() DaySelector { return DaySelector{} }

// OnDays selects the given weekdays. Values outside Sunday..Saturday are ignored.
func OnDays(days ...time.Weekday) DaySelector {
	sel := DaySelector{specific: true}
	for _, wd := range days {
		if wd >= time.Sunday && wd <= time.Saturday {
			sel.days |= 1 << uint(wd)
		}
	}
	return sel
}

// IsEveryDay reports whether the selector matches all days.
func (d DaySelector) IsEveryDay() bool { return !d.specific }

// Days returns the explicit weekdays, or nil for EveryDay.
func (d DaySelector) Days() []time.Weekday {
	if !d.specific {
		return nil
	}
	return d.days.Days()
}

// Matches reports whether the selector includes wd.
func (d DaySelector) Matches(wd time.Weekday) bool {
	return !d.specific || d.days.Contains(wd)
}

// MarshalJSON encodes EveryDay as "all", an explicit empty set as "none" and other sets as
// an array of ints (Sunday=0).
func (d DaySelector) MarshalJSON() ([]byte, error) {
	if !d.specific {
		return []byte(`"all"`), nil
	}
	if d.days == 0 {
		return []byte(`"none"`), nil
	}
	days := make([]int, 0, 7)
	for _, wd := range d.days.Days() {
		days = append(days, int(wd))
	}
	return json.Marshal(days)
}

// UnmarshalJSON accepts "all", "none", null, or an array of ints. An empty array is the
// legacy encoding of "every day" used by the mobile clients.
func (d *DaySelector) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	switch raw {
	case "null", `"all"`:
		*d = EveryDay()
		return nil
	case `"none"`:
		*d = OnDays()
		return nil
	}
	var days []int
	if err := json.Unmarshal(b, &days); err != nil {
		return fmt.Errorf("days_of_week: %w", err)
	}
	if len(days) == 0 {
		*d = EveryDay()
		return nil
	}
	wds := make([]time.Weekday, 0, len(days))
	for _, v := range days {
		if v < 0 || v > 6 {
			return fmt.Errorf("days_of_week: %d out of range 0-6", v)
		}
		wds = append(wds, time.Weekday(v))
	}
	*d = OnDays(wds...)
	return nil
}

// ScheduledDose is a recurring daily time at which a medication should be taken.
type ScheduledDose struct {
	ID         string      `json:"id"`
	Time       string      `json:"time"`
	Label      string      `json:"label"`
	Dosage     string      `json:"dosage"`
	DaysOfWeek DaySelector `json:"days_of_week"`
	IsActive   bool        `json:"is_active"`
	Origin     Origin      `json:"origin"`
	Notes      string      `json:"notes,omitempty"`
}

// ScheduleEntry is a one-off, date-specific dose that overrides the recurring schedule.
type ScheduleEntry struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Label       string `json:"label"`
	TabletCount int    `json:"tablet_count"`
	Notes       string `json:"notes,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// DoseRecord is the outcome recorded for one dose on one date. ScheduledDoseID is a lookup
// key only; the dose it names may no longer exist.
type DoseRecord struct {
	ID              string     `json:"id"`
	ScheduledDoseID string     `json:"scheduled_dose_id"`
	ScheduledTime   string     `json:"scheduled_time"`
	ScheduledDate   string     `json:"scheduled_date"`
	ActualTime      string     `json:"actual_time,omitempty"`
	ActualDate      string     `json:"actual_date,omitempty"`
	Status          DoseStatus `json:"status"`
	WasLate         bool       `json:"was_late,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	RecordedAt      time.Time  `json:"recorded_at"`
	RecordedBy      string     `json:"recorded_by,omitempty"`
}

// NotificationTime is the editing shape used by reminder dialogs. It is never stored as is.
type NotificationTime struct {
	Time     string `json:"time"`
	Label    string `json:"label"`
	IsActive bool   `json:"is_active"`
}

// Medication is a prescribed drug course. It exclusively owns its dose collections.
type Medication struct {
	ID             string          `json:"id"`
	PatientID      string          `json:"patient_id,omitempty"`
	Name           string          `json:"name"`
	Dosage         string          `json:"dosage"`
	Frequency      string          `json:"frequency"`
	Duration       string          `json:"duration,omitempty"`
	StartDate      string          `json:"start_date,omitempty"`
	EndDate        string          `json:"end_date,omitempty"`
	IsActive       bool            `json:"is_active"`
	Timing         []string        `json:"timing,omitempty"`
	ScheduledDoses []ScheduledDose `json:"scheduled_doses,omitempty"`
	DoseRecords    []DoseRecord    `json:"dose_records,omitempty"`
	CustomSchedule []ScheduleEntry `json:"custom_schedule,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

var (
	// ErrNotFound is returned when a medication does not exist
	ErrNotFound = errors.New("medication not found")
	// ErrVersionConflict is returned when a replace raced with another writer
	ErrVersionConflict = errors.New("medication version conflict")
	// ErrInvalidStatus is returned when a dose status cannot be recorded
	ErrInvalidStatus = errors.New("invalid dose status")
	// ErrUnknownDose is returned when recording against a dose that is not scheduled
	ErrUnknownDose = errors.New("unknown scheduled dose")
	// ErrInvalidInput is returned for edits that fail validation
	ErrInvalidInput = errors.New("invalid input")
)

// Clone returns a deep copy so callers can edit without touching a shared snapshot.
func (m *Medication) Clone() *Medication {
	if m == nil {
		return nil
	}
	c := *m
	c.Timing = append([]string(nil), m.Timing...)
	c.ScheduledDoses = append([]ScheduledDose(nil), m.ScheduledDoses...)
	c.DoseRecords = append([]DoseRecord(nil), m.DoseRecords...)
	c.CustomSchedule = append([]ScheduleEntry(nil), m.CustomSchedule...)
	return &c
}

// sortByTime orders doses by parsed time; unparseable times sort last, keeping input order.
func sortByTime[T any](items []T, timeOf func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, erri := ParseTimeOfDay(timeOf(items[i]))
		tj, errj := ParseTimeOfDay(timeOf(items[j]))
		switch {
		case erri != nil:
			return false
		case errj != nil:
			return true
		default:
			return ti < tj
		}
	})
}
