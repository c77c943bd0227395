package medication

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// doseNamespace scopes the name-based UUIDs of auto-generated doses
var doseNamespace = uuid.MustParse("5b0f7c8e-3a91-4f0e-9d43-6f1c2a7e8b10")

// IsActive reports whether the medication is in effect on today. Missing or malformed start
// and end dates impose no bound; both bounds are inclusive.
func IsActive(med *Medication, today CalendarDate) bool {
	if med == nil || !med.IsActive {
		return false
	}
	if start, ok := parseOptionalDate(med.StartDate); ok && today.Before(start) {
		return false
	}
	if end, ok := parseOptionalDate(med.EndDate); ok && today.After(end) {
		return false
	}
	return true
}

// RemainingDays returns the whole days from today to the end date, or 0 when the medication
// is inactive or open-ended.
func RemainingDays(med *Medication, today CalendarDate) int {
	if !IsActive(med, today) {
		return 0
	}
	end, ok := parseOptionalDate(med.EndDate)
	if !ok {
		return 0
	}
	if n := today.DaysUntil(end); n > 0 {
		return n
	}
	return 0
}

// DoseID returns the deterministic id of the index-th generated dose of a medication.
func DoseID(medicationID string, index int, t TimeOfDay) string {
	name := fmt.Sprintf("%s|%d|%s", medicationID, index, t)
	return uuid.NewSHA1(doseNamespace, []byte(name)).String()
}

// CalculateSchedule returns the medication's scheduled doses. Populated doses are returned
// untouched; otherwise they are derived from timing and frequency.
func CalculateSchedule(med *Medication) []ScheduledDose {
	if med == nil {
		return nil
	}
	if len(med.ScheduledDoses) > 0 {
		return append([]ScheduledDose(nil), med.ScheduledDoses...)
	}
	return GenerateSchedule(med)
}

// GenerateSchedule derives doses from timing and frequency, ignoring any existing doses.
func GenerateSchedule(med *Medication) []ScheduledDose {
	in := Interpret(med.Frequency, med.Timing)
	note := AutoGeneratedNote
	if in.NeedsReview {
		note = in.Note
	}
	doses := make([]ScheduledDose, len(in.Slots))
	for i, s := range in.Slots {
		doses[i] = ScheduledDose{
			ID:         DoseID(med.ID, i, s.Time),
			Time:       s.Time.String(),
			Label:      s.Label,
			Dosage:     med.Dosage,
			DaysOfWeek: EveryDay(),
			IsActive:   true,
			Origin:     OriginAutoGenerated,
			Notes:      note,
		}
	}
	return doses
}

// ValidateScheduledDoses checks a user-supplied replacement list and canonicalizes its times.
// Missing ids are filled in, duplicates are rejected.
func ValidateScheduledDoses(medicationID string, doses []ScheduledDose) ([]ScheduledDose, error) {
	out := make([]ScheduledDose, len(doses))
	seen := make(map[string]bool, len(doses))
	for i, d := range doses {
		t, err := ParseTimeOfDay(d.Time)
		if err != nil {
			return nil, fmt.Errorf("scheduled dose %d: %w", i, err)
		}
		d.Time = t.String()
		if d.ID == "" {
			d.ID = DoseID(medicationID, i, t)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: scheduled dose %d: duplicate id %s", ErrInvalidInput, i, d.ID)
		}
		seen[d.ID] = true
		if d.Origin == "" {
			d.Origin = OriginUserDefined
		}
		out[i] = d
	}
	return out, nil
}

// ValidateCustomSchedule checks a replacement custom schedule and canonicalizes it.
func ValidateCustomSchedule(medicationID string, entries []ScheduleEntry) ([]ScheduleEntry, error) {
	out := make([]ScheduleEntry, len(entries))
	for i, e := range entries {
		date, err := ParseDate(e.Date)
		if err != nil {
			return nil, fmt.Errorf("custom entry %d: %w", i, err)
		}
		t, err := ParseTimeOfDay(e.Time)
		if err != nil {
			return nil, fmt.Errorf("custom entry %d: %w", i, err)
		}
		if e.TabletCount <= 0 {
			return nil, fmt.Errorf("%w: custom entry %d: tablet count must be positive", ErrInvalidInput, i)
		}
		e.Date = date.String()
		e.Time = t.String()
		if e.ID == "" {
			e.ID = uuid.NewSHA1(doseNamespace, []byte(fmt.Sprintf("%s|custom|%s|%s|%d", medicationID, e.Date, e.Time, i))).String()
		}
		out[i] = e
	}
	return out, nil
}

var durationPattern = regexp.MustCompile(`(\d+)\s*(day|week|month)s?`)

// EndDateFromDuration derives an inclusive end date from text such as "10 days" or
// "2 weeks". Open-ended or unparseable text yields false.
func EndDateFromDuration(start CalendarDate, duration string) (CalendarDate, bool) {
	m := durationPattern.FindStringSubmatch(strings.ToLower(duration))
	if m == nil || start.IsZero() {
		return CalendarDate{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return CalendarDate{}, false
	}
	switch m[2] {
	case "day":
		return start.AddDays(n - 1), true
	case "week":
		return start.AddDays(7*n - 1), true
	default:
		return DateOf(start.midnight().AddDate(0, n, -1)), true
	}
}

var weekdayAbbrev = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// Summary renders a short description such as
// "Twice daily at 08:00/20:00, active for 12 more days".
func Summary(med *Medication, today CalendarDate) string {
	if med == nil {
		return "No doses scheduled"
	}
	var active []ScheduledDose
	for _, d := range CalculateSchedule(med) {
		if d.IsActive && IsValidTimeOfDay(d.Time) {
			active = append(active, d)
		}
	}
	sortByTime(active, func(d ScheduledDose) string { return d.Time })

	var b strings.Builder
	if len(active) == 0 {
		if len(med.CustomSchedule) == 0 {
			return "No doses scheduled"
		}
		fmt.Fprintf(&b, "Custom schedule with %d %s", len(med.CustomSchedule), plural(len(med.CustomSchedule), "entry", "entries"))
	} else {
		times := make([]string, len(active))
		for i, d := range active {
			times[i] = d.Time
		}
		fmt.Fprintf(&b, "%s at %s", FrequencyPhrase(len(active)), strings.Join(times, "/"))
		if days := daysPhrase(active); days != "" {
			b.WriteString(" " + days)
		}
		if n := len(med.CustomSchedule); n > 0 {
			fmt.Fprintf(&b, " plus %d custom %s", n, plural(n, "entry", "entries"))
		}
	}
	b.WriteString(", " + activityPhrase(med, today))
	return b.String()
}

func daysPhrase(doses []ScheduledDose) string {
	first := doses[0].DaysOfWeek
	for _, d := range doses[1:] {
		if d.DaysOfWeek != first {
			return "on selected days"
		}
	}
	if first.IsEveryDay() {
		return ""
	}
	days := first.Days()
	if len(days) == 0 {
		return "on no days"
	}
	names := make([]string, len(days))
	for i, wd := range days {
		names[i] = weekdayAbbrev[wd]
	}
	return "on " + strings.Join(names, "/")
}

func activityPhrase(med *Medication, today CalendarDate) string {
	if !med.IsActive {
		return "paused"
	}
	if start, ok := parseOptionalDate(med.StartDate); ok && today.Before(start) {
		return "starts " + start.String()
	}
	end, ok := parseOptionalDate(med.EndDate)
	switch {
	case !ok:
		return "ongoing"
	case today.After(end):
		return "ended " + end.String()
	case today == end:
		return "last day today"
	default:
		n := RemainingDays(med, today)
		return fmt.Sprintf("active for %d more %s", n, plural(n, "day", "days"))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// Today returns the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) CalendarDate {
	if loc != nil {
		now = now.In(loc)
	}
	return DateOf(now)
}
