package medication

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DueWindow is how far either side of the scheduled instant a dose counts as due now
	DueWindow = 30 * time.Minute
	// UpcomingHorizon bounds the reminder feed
	UpcomingHorizon = 24 * time.Hour
)

// Display is the time-relative classification of a pending occurrence. It is never persisted.
type Display struct {
	DiffMinutes int  `json:"diff_minutes"`
	IsOverdue   bool `json:"is_overdue"`
	IsDueNow    bool `json:"is_due_now"`
	IsUpcoming  bool `json:"is_upcoming"`
}

// Classify evaluates an occurrence against now, interpreting its date and time in now's
// location. Recorded occurrences and malformed instants are never flagged.
func Classify(occ DoseOccurrence, now time.Time) Display {
	at, ok := occ.Instant(now.Location())
	if !ok {
		return Display{}
	}
	d := ClassifyInstant(at, now)
	if occ.Status != StatusPending {
		d.IsOverdue, d.IsDueNow, d.IsUpcoming = false, false, false
	}
	return d
}

// ClassifyInstant classifies a pending dose scheduled at the given instant.
func ClassifyInstant(at, now time.Time) Display {
	diff := at.Sub(now)
	return Display{
		DiffMinutes: int(diff / time.Minute),
		IsOverdue:   diff < -DueWindow,
		IsDueNow:    diff >= -DueWindow && diff <= DueWindow,
		IsUpcoming:  diff >= -DueWindow && diff <= UpcomingHorizon,
	}
}

// RecordInput is a patient action on one occurrence.
type RecordInput struct {
	DoseID        string
	Date          CalendarDate
	ScheduledTime string
	Status        DoseStatus
	ActualTime    string
	ActualDate    string
	Notes         string
	RecordedBy    string
	RecordedAt    time.Time
}

// RecordDose writes the status for (DoseID, Date) and returns a new record list holding
// exactly one record for that pair. A TAKEN written over a LATE record keeps the late flag.
func RecordDose(records []DoseRecord, in RecordInput) ([]DoseRecord, DoseRecord, error) {
	switch in.Status {
	case StatusTaken, StatusMissed, StatusSkipped, StatusLate:
	case StatusPending:
		return nil, DoseRecord{}, fmt.Errorf("%w: pending is not a recordable status", ErrInvalidStatus)
	default:
		return nil, DoseRecord{}, fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	if in.DoseID == "" {
		return nil, DoseRecord{}, fmt.Errorf("%w: empty dose id", ErrUnknownDose)
	}
	if in.Date.IsZero() {
		return nil, DoseRecord{}, fmt.Errorf("%w: missing scheduled date", ErrInvalidDate)
	}
	scheduled, err := optionalTime(in.ScheduledTime)
	if err != nil {
		return nil, DoseRecord{}, err
	}
	actual, err := optionalTime(in.ActualTime)
	if err != nil {
		return nil, DoseRecord{}, err
	}
	actualDate := in.ActualDate
	if actualDate != "" {
		d, err := ParseDate(actualDate)
		if err != nil {
			return nil, DoseRecord{}, err
		}
		actualDate = d.String()
	}
	if in.RecordedAt.IsZero() {
		in.RecordedAt = time.Now().UTC()
	}

	prev, hadPrev := CurrentRecord(records, in.DoseID, in.Date)
	rec := DoseRecord{
		ID:              uuid.NewString(),
		ScheduledDoseID: in.DoseID,
		ScheduledTime:   scheduled,
		ScheduledDate:   in.Date.String(),
		ActualTime:      actual,
		ActualDate:      actualDate,
		Status:          in.Status,
		Notes:           in.Notes,
		RecordedAt:      in.RecordedAt,
		RecordedBy:      in.RecordedBy,
	}
	if hadPrev {
		rec.ID = prev.ID
		if rec.ScheduledTime == "" {
			rec.ScheduledTime = prev.ScheduledTime
		}
		if in.Status == StatusTaken && (prev.Status == StatusLate || prev.WasLate) {
			rec.WasLate = true
		}
	}

	out := make([]DoseRecord, 0, len(records)+1)
	for _, r := range records {
		if !recordMatches(r, in.DoseID, in.Date) {
			out = append(out, r)
		}
	}
	out = append(out, rec)
	return out, rec, nil
}

// ClearDose removes the record for the pair, returning the occurrence to pending.
func ClearDose(records []DoseRecord, doseID string, date CalendarDate) ([]DoseRecord, bool) {
	out := make([]DoseRecord, 0, len(records))
	removed := false
	for _, r := range records {
		if recordMatches(r, doseID, date) {
			removed = true
			continue
		}
		out = append(out, r)
	}
	return out, removed
}

func optionalTime(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return "", err
	}
	return t.String(), nil
}
