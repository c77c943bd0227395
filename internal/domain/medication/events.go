package medication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventMedicationCreated      EventType = "MedicationCreated"
	EventDoseRecorded           EventType = "DoseRecorded"
	EventDoseCleared            EventType = "DoseCleared"
	EventScheduleReplaced       EventType = "ScheduleReplaced"
	EventCustomScheduleReplaced EventType = "CustomScheduleReplaced"
)

// AggregateType is stamped on every event and outbox row
const AggregateType = "Medication"

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(med *Medication, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   med.ID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Version:       med.Version,
		Timestamp:     time.Now().UTC(),
		PatientID:     med.PatientID,
	}, nil
}

// WithCorrelation sets the correlation id, usually the request id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

type correlationKey struct{}

// ContextWithCorrelationID attaches the id that events built under ctx will carry
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by ContextWithCorrelationID
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func newEvent(ctx context.Context, med *Medication, eventType EventType, data interface{}) (*Event, error) {
	e, err := NewEvent(med, eventType, data)
	if err != nil {
		return nil, err
	}
	return e.WithCorrelation(CorrelationID(ctx)), nil
}

// MedicationCreatedData contains creation details
type MedicationCreatedData struct {
	MedicationID string   `json:"medication_id"`
	Name         string   `json:"name"`
	Dosage       string   `json:"dosage"`
	Frequency    string   `json:"frequency"`
	StartDate    string   `json:"start_date,omitempty"`
	EndDate      string   `json:"end_date,omitempty"`
	DoseTimes    []string `json:"dose_times"`
	NeedsReview  bool     `json:"needs_review"`
}

// DoseRecordedData is emitted when a status is written for an occurrence
type DoseRecordedData struct {
	MedicationID  string     `json:"medication_id"`
	DoseID        string     `json:"dose_id"`
	ScheduledDate string     `json:"scheduled_date"`
	ScheduledTime string     `json:"scheduled_time,omitempty"`
	Status        DoseStatus `json:"status"`
	WasLate       bool       `json:"was_late,omitempty"`
	RecordedAt    time.Time  `json:"recorded_at"`
}

// DoseClearedData is emitted when an occurrence returns to pending
type DoseClearedData struct {
	MedicationID  string `json:"medication_id"`
	DoseID        string `json:"dose_id"`
	ScheduledDate string `json:"scheduled_date"`
}

// ScheduleReplacedData carries the replacement schedule
type ScheduleReplacedData struct {
	MedicationID string          `json:"medication_id"`
	Doses        []ScheduledDose `json:"doses"`
	Regenerated  bool            `json:"regenerated,omitempty"`
}

// CustomScheduleReplacedData carries the replacement custom schedule
type CustomScheduleReplacedData struct {
	MedicationID string          `json:"medication_id"`
	Entries      []ScheduleEntry `json:"entries"`
}
