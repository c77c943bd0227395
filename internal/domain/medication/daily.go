package medication

import (
	"sort"
	"time"
)

// Source tells which collection an occurrence was drawn from
type Source string

const (
	SourceRecurring Source = "recurring"
	SourceCustom    Source = "custom"
)

// UnknownDoseLabel is shown for history records whose dose no longer exists
const UnknownDoseLabel = "Unknown dose"

// DoseOccurrence is one dose due on one date, joined with its current record if any.
type DoseOccurrence struct {
	MedicationID string     `json:"medication_id"`
	DoseID       string     `json:"dose_id"`
	Date         string     `json:"date"`
	Time         string     `json:"time"`
	Label        string     `json:"label"`
	Dosage       string     `json:"dosage"`
	TabletCount  int        `json:"tablet_count,omitempty"`
	Source       Source     `json:"source"`
	Origin       Origin     `json:"origin,omitempty"`
	Status       DoseStatus `json:"status"`
	WasLate      bool       `json:"was_late,omitempty"`
	ActualTime   string     `json:"actual_time,omitempty"`
	ActualDate   string     `json:"actual_date,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// Instant returns the scheduled instant in loc. ok is false if the date or time is malformed.
func (o DoseOccurrence) Instant(loc *time.Location) (time.Time, bool) {
	d, err := ParseDate(o.Date)
	if err != nil {
		return time.Time{}, false
	}
	t, err := ParseTimeOfDay(o.Time)
	if err != nil {
		return time.Time{}, false
	}
	return d.At(t, loc), true
}

// Materialize returns the doses due on date in ascending time order. Custom entries for the
// date replace the recurring schedule for that day. It never touches the medication.
func Materialize(med *Medication, date CalendarDate) []DoseOccurrence {
	if med == nil {
		return nil
	}
	var out []DoseOccurrence
	if entries, ok := customEntriesFor(med, date); ok {
		for _, e := range entries {
			if !e.IsActive || !IsValidTimeOfDay(e.Time) {
				continue
			}
			out = append(out, DoseOccurrence{
				MedicationID: med.ID,
				DoseID:       e.ID,
				Date:         date.String(),
				Time:         canonicalTime(e.Time),
				Label:        e.Label,
				Dosage:       med.Dosage,
				TabletCount:  e.TabletCount,
				Source:       SourceCustom,
				Status:       StatusPending,
				Notes:        e.Notes,
			})
		}
	} else {
		wd := date.Weekday()
		for _, d := range CalculateSchedule(med) {
			if !d.IsActive || !d.DaysOfWeek.Matches(wd) || !IsValidTimeOfDay(d.Time) {
				continue
			}
			out = append(out, DoseOccurrence{
				MedicationID: med.ID,
				DoseID:       d.ID,
				Date:         date.String(),
				Time:         canonicalTime(d.Time),
				Label:        d.Label,
				Dosage:       d.Dosage,
				Source:       SourceRecurring,
				Origin:       d.Origin,
				Status:       StatusPending,
			})
		}
	}

	for i := range out {
		if rec, ok := CurrentRecord(med.DoseRecords, out[i].DoseID, date); ok {
			out[i].Status = rec.Status
			out[i].WasLate = rec.WasLate
			out[i].ActualTime = rec.ActualTime
			out[i].ActualDate = rec.ActualDate
			out[i].Notes = rec.Notes
		}
	}
	sortByTime(out, func(o DoseOccurrence) string { return o.Time })
	return out
}

func customEntriesFor(med *Medication, date CalendarDate) ([]ScheduleEntry, bool) {
	var entries []ScheduleEntry
	for _, e := range med.CustomSchedule {
		if d, ok := parseOptionalDate(e.Date); ok && d == date {
			entries = append(entries, e)
		}
	}
	return entries, len(entries) > 0
}

func canonicalTime(s string) string {
	if t, err := ParseTimeOfDay(s); err == nil {
		return t.String()
	}
	return s
}

// CurrentRecord returns the most recently recorded record for the (doseID, date) pair.
func CurrentRecord(records []DoseRecord, doseID string, date CalendarDate) (DoseRecord, bool) {
	var (
		best  DoseRecord
		found bool
	)
	for _, r := range records {
		if !recordMatches(r, doseID, date) {
			continue
		}
		if !found || !r.RecordedAt.Before(best.RecordedAt) {
			best, found = r, true
		}
	}
	return best, found
}

func recordMatches(r DoseRecord, doseID string, date CalendarDate) bool {
	if r.ScheduledDoseID != doseID {
		return false
	}
	d, ok := parseOptionalDate(r.ScheduledDate)
	return ok && d == date
}

// Upcoming returns pending occurrences of today and tomorrow, in now's location, that fall in
// the reminder window. Days on which the medication is not active are skipped.
func Upcoming(med *Medication, now time.Time) []DoseOccurrence {
	today := DateOf(now)
	var out []DoseOccurrence
	for _, date := range []CalendarDate{today, today.AddDays(1)} {
		if !IsActive(med, date) {
			continue
		}
		for _, occ := range Materialize(med, date) {
			if occ.Status != StatusPending {
				continue
			}
			if Classify(occ, now).IsUpcoming {
				out = append(out, occ)
			}
		}
	}
	return out
}

// ResolvedDose describes the dose a record or occurrence id points at.
type ResolvedDose struct {
	Label  string
	Dosage string
	Source Source
}

// ResolveDose looks a dose id up in the recurring schedule and the custom schedule.
func ResolveDose(med *Medication, doseID string) (ResolvedDose, bool) {
	for _, d := range CalculateSchedule(med) {
		if d.ID == doseID {
			return ResolvedDose{Label: d.Label, Dosage: d.Dosage, Source: SourceRecurring}, true
		}
	}
	for _, e := range med.CustomSchedule {
		if e.ID == doseID {
			return ResolvedDose{Label: e.Label, Dosage: med.Dosage, Source: SourceCustom}, true
		}
	}
	return ResolvedDose{}, false
}

// HistoryEntry is a dose record joined with the dose it refers to.
type HistoryEntry struct {
	Record   DoseRecord `json:"record"`
	Label    string     `json:"label"`
	Dosage   string     `json:"dosage"`
	Orphaned bool       `json:"orphaned"`
}

// History returns every dose record, newest scheduled occurrence first. Records whose dose has
// since been removed are kept and marked orphaned.
func History(med *Medication) []HistoryEntry {
	if med == nil {
		return nil
	}
	out := make([]HistoryEntry, 0, len(med.DoseRecords))
	for _, r := range med.DoseRecords {
		h := HistoryEntry{Record: r}
		if dose, ok := ResolveDose(med, r.ScheduledDoseID); ok {
			h.Label, h.Dosage = dose.Label, dose.Dosage
		} else {
			h.Label, h.Dosage, h.Orphaned = UnknownDoseLabel, med.Dosage, true
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, _ := parseOptionalDate(out[i].Record.ScheduledDate)
		dj, _ := parseOptionalDate(out[j].Record.ScheduledDate)
		if c := di.Compare(dj); c != 0 {
			return c > 0
		}
		ti, _ := ParseTimeOfDay(out[i].Record.ScheduledTime)
		tj, _ := ParseTimeOfDay(out[j].Record.ScheduledTime)
		return ti > tj
	})
	return out
}
