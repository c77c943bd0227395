package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxConflictRetries bounds how often a write is recomputed after losing a version race
const maxConflictRetries = 3

// Service applies patient and clinician edits to medications held in a Store.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	loc    *time.Location
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the zone in which "today" is evaluated
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewService creates a new service
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{store: store, logger: logger, now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the current instant in the service's zone
func (s *Service) Now() time.Time { return s.now().In(s.loc) }

// Today returns the current calendar date in the service's zone
func (s *Service) Today() CalendarDate { return DateOf(s.Now()) }

// CreateInput describes a new medication course
type CreateInput struct {
	PatientID      string          `json:"patient_id"`
	Name           string          `json:"name"`
	Dosage         string          `json:"dosage"`
	Frequency      string          `json:"frequency"`
	Duration       string          `json:"duration"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	IsActive       *bool           `json:"is_active"`
	Timing         []string        `json:"timing"`
	ScheduledDoses []ScheduledDose `json:"scheduled_doses"`
	CustomSchedule []ScheduleEntry `json:"custom_schedule"`
}

// Create validates the input, fills in the schedule and persists the medication.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Medication, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	med := &Medication{
		ID:        uuid.New().String(),
		PatientID: in.PatientID,
		Name:      strings.TrimSpace(in.Name),
		Dosage:    in.Dosage,
		Frequency: in.Frequency,
		Duration:  in.Duration,
		StartDate: in.StartDate,
		EndDate:   in.EndDate,
		IsActive:  in.IsActive == nil || *in.IsActive,
		Timing:    in.Timing,
	}
	if med.EndDate == "" && med.Duration != "" {
		if start, ok := parseOptionalDate(med.StartDate); ok {
			if end, ok := EndDateFromDuration(start, med.Duration); ok {
				med.EndDate = end.String()
			}
		}
	}

	interp := Interpretation{}
	if len(in.ScheduledDoses) > 0 {
		doses, err := ValidateScheduledDoses(med.ID, in.ScheduledDoses)
		if err != nil {
			return nil, err
		}
		med.ScheduledDoses = doses
	} else {
		interp = Interpret(med.Frequency, med.Timing)
		med.ScheduledDoses = GenerateSchedule(med)
	}
	if len(in.CustomSchedule) > 0 {
		entries, err := ValidateCustomSchedule(med.ID, in.CustomSchedule)
		if err != nil {
			return nil, err
		}
		med.CustomSchedule = entries
	}

	times := make([]string, len(med.ScheduledDoses))
	for i, d := range med.ScheduledDoses {
		times[i] = d.Time
	}
	event, err := newEvent(ctx, med, EventMedicationCreated, &MedicationCreatedData{
		MedicationID: med.ID,
		Name:         med.Name,
		Dosage:       med.Dosage,
		Frequency:    med.Frequency,
		StartDate:    med.StartDate,
		EndDate:      med.EndDate,
		DoseTimes:    times,
		NeedsReview:  interp.NeedsReview,
	})
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	if err := s.store.Create(ctx, med, event); err != nil {
		return nil, fmt.Errorf("create medication: %w", err)
	}

	s.logger.Info("medication created",
		zap.String("medication_id", med.ID),
		zap.String("frequency", med.Frequency),
		zap.Int("doses", len(med.ScheduledDoses)),
		zap.Bool("needs_review", interp.NeedsReview))
	return med, nil
}

// Get returns a medication
func (s *Service) Get(ctx context.Context, id string) (*Medication, error) {
	return s.store.Get(ctx, id)
}

// List returns the medications of a patient, or all medications when patientID is empty
func (s *Service) List(ctx context.Context, patientID string) ([]*Medication, error) {
	return s.store.List(ctx, patientID)
}

// Overview is the read model behind medication cards
type Overview struct {
	MedicationID  string           `json:"medication_id"`
	Name          string           `json:"name"`
	Summary       string           `json:"summary"`
	Active        bool             `json:"active"`
	RemainingDays int              `json:"remaining_days"`
	Upcoming      []DoseOccurrence `json:"upcoming"`
}

// Summary renders the medication overview as of now
func (s *Service) Summary(ctx context.Context, id string) (*Overview, error) {
	med, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	today := DateOf(now)
	return &Overview{
		MedicationID:  med.ID,
		Name:          med.Name,
		Summary:       Summary(med, today),
		Active:        IsActive(med, today),
		RemainingDays: RemainingDays(med, today),
		Upcoming:      Upcoming(med, now),
	}, nil
}

// DayDose is an occurrence with its display classification
type DayDose struct {
	DoseOccurrence
	Display Display `json:"display"`
}

// DayView is the materialized schedule of one date
type DayView struct {
	MedicationID string    `json:"medication_id"`
	Date         string    `json:"date"`
	Active       bool      `json:"active"`
	Doses        []DayDose `json:"doses"`
}

// Day materializes date and classifies each occurrence against now
func (s *Service) Day(ctx context.Context, id string, date CalendarDate) (*DayView, error) {
	med, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	occs := Materialize(med, date)
	view := &DayView{
		MedicationID: med.ID,
		Date:         date.String(),
		Active:       IsActive(med, date),
		Doses:        make([]DayDose, len(occs)),
	}
	for i, o := range occs {
		view.Doses[i] = DayDose{DoseOccurrence: o, Display: Classify(o, now)}
	}
	return view, nil
}

// Record writes a dose status for one occurrence, replacing any earlier record for it.
func (s *Service) Record(ctx context.Context, id string, in RecordInput) (DoseRecord, error) {
	if in.RecordedAt.IsZero() {
		in.RecordedAt = s.now().UTC()
	}
	var rec DoseRecord
	err := s.mutate(ctx, id, func(med *Medication) (*Medication, error) {
		if _, ok := ResolveDose(med, in.DoseID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDose, in.DoseID)
		}
		input := in
		if input.ScheduledTime == "" {
			input.ScheduledTime = occurrenceTime(med, input.DoseID, input.Date)
		}
		records, r, err := RecordDose(med.DoseRecords, input)
		if err != nil {
			return nil, err
		}
		rec = r
		event, err := newEvent(ctx, med, EventDoseRecorded, &DoseRecordedData{
			MedicationID:  med.ID,
			DoseID:        r.ScheduledDoseID,
			ScheduledDate: r.ScheduledDate,
			ScheduledTime: r.ScheduledTime,
			Status:        r.Status,
			WasLate:       r.WasLate,
			RecordedAt:    r.RecordedAt,
		})
		if err != nil {
			return nil, err
		}
		return s.store.ReplaceDoseRecords(ctx, med.ID, med.Version, records, event)
	})
	if err != nil {
		return DoseRecord{}, err
	}
	s.logger.Info("dose recorded",
		zap.String("medication_id", id),
		zap.String("dose_id", rec.ScheduledDoseID),
		zap.String("date", rec.ScheduledDate),
		zap.String("status", string(rec.Status)))
	return rec, nil
}

func occurrenceTime(med *Medication, doseID string, date CalendarDate) string {
	for _, o := range Materialize(med, date) {
		if o.DoseID == doseID {
			return o.Time
		}
	}
	for _, d := range CalculateSchedule(med) {
		if d.ID == doseID {
			return canonicalTime(d.Time)
		}
	}
	return ""
}

// Clear removes the record for an occurrence. It reports false if there was none.
func (s *Service) Clear(ctx context.Context, id, doseID string, date CalendarDate) (bool, error) {
	cleared := false
	err := s.mutate(ctx, id, func(med *Medication) (*Medication, error) {
		records, removed := ClearDose(med.DoseRecords, doseID, date)
		cleared = removed
		if !removed {
			return med, nil
		}
		event, err := newEvent(ctx, med, EventDoseCleared, &DoseClearedData{
			MedicationID:  med.ID,
			DoseID:        doseID,
			ScheduledDate: date.String(),
		})
		if err != nil {
			return nil, err
		}
		return s.store.ReplaceDoseRecords(ctx, med.ID, med.Version, records, event)
	})
	return cleared, err
}

// ReplaceSchedule swaps the whole recurring schedule for a user-edited one
func (s *Service) ReplaceSchedule(ctx context.Context, id string, doses []ScheduledDose) (*Medication, error) {
	return s.replaceSchedule(ctx, id, false, func(med *Medication) ([]ScheduledDose, error) {
		return ValidateScheduledDoses(med.ID, doses)
	})
}

// ReplaceScheduleFromNotificationTimes applies the reminder dialog's edits
func (s *Service) ReplaceScheduleFromNotificationTimes(ctx context.Context, id string, nts []NotificationTime) (*Medication, error) {
	return s.replaceSchedule(ctx, id, false, func(med *Medication) ([]ScheduledDose, error) {
		return DosesFromNotificationTimes(med, nts)
	})
}

// RegenerateSchedule discards the stored schedule and derives it again from frequency and timing
func (s *Service) RegenerateSchedule(ctx context.Context, id string) (*Medication, error) {
	return s.replaceSchedule(ctx, id, true, func(med *Medication) ([]ScheduledDose, error) {
		return GenerateSchedule(med), nil
	})
}

func (s *Service) replaceSchedule(ctx context.Context, id string, regenerated bool, build func(*Medication) ([]ScheduledDose, error)) (*Medication, error) {
	var out *Medication
	err := s.mutate(ctx, id, func(med *Medication) (*Medication, error) {
		doses, err := build(med)
		if err != nil {
			return nil, err
		}
		event, err := newEvent(ctx, med, EventScheduleReplaced, &ScheduleReplacedData{
			MedicationID: med.ID,
			Doses:        doses,
			Regenerated:  regenerated,
		})
		if err != nil {
			return nil, err
		}
		out, err = s.store.ReplaceScheduledDoses(ctx, med.ID, med.Version, doses, event)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("schedule replaced",
		zap.String("medication_id", id),
		zap.Int("doses", len(out.ScheduledDoses)),
		zap.Bool("regenerated", regenerated))
	return out, nil
}

// ReplaceCustomSchedule swaps the date-specific override entries
func (s *Service) ReplaceCustomSchedule(ctx context.Context, id string, entries []ScheduleEntry) (*Medication, error) {
	var out *Medication
	err := s.mutate(ctx, id, func(med *Medication) (*Medication, error) {
		valid, err := ValidateCustomSchedule(med.ID, entries)
		if err != nil {
			return nil, err
		}
		event, err := newEvent(ctx, med, EventCustomScheduleReplaced, &CustomScheduleReplacedData{
			MedicationID: med.ID,
			Entries:      valid,
		})
		if err != nil {
			return nil, err
		}
		out, err = s.store.ReplaceCustomSchedule(ctx, med.ID, med.Version, valid, event)
		return out, err
	})
	return out, err
}

// Adherence aggregates the records scheduled within [from, to]; zero bounds are open
func (s *Service) Adherence(ctx context.Context, id string, from, to CalendarDate) (Adherence, error) {
	med, err := s.store.Get(ctx, id)
	if err != nil {
		return Adherence{}, err
	}
	return Aggregate(FilterRecords(med.DoseRecords, from, to)), nil
}

// History returns every dose record of a medication
func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	med, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return History(med), nil
}

// mutate loads a fresh snapshot and applies fn, retrying when the write loses a version race.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Medication) (*Medication, error)) error {
	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		med, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := fn(med); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				s.logger.Debug("version conflict, retrying",
					zap.String("medication_id", id),
					zap.Int("attempt", attempt+1))
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}
