package medication

import "context"

// EventsTopic is where medication domain events are published
const EventsTopic = "medication.events"

// Store persists medications. Every Replace call swaps one whole collection and succeeds only
// if the stored version equals expectedVersion, after which the version is incremented.
// Events passed to a write are persisted atomically with it.
type Store interface {
	Get(ctx context.Context, id string) (*Medication, error)
	List(ctx context.Context, patientID string) ([]*Medication, error)
	ListActive(ctx context.Context) ([]*Medication, error)
	Create(ctx context.Context, med *Medication, events ...*Event) error
	ReplaceScheduledDoses(ctx context.Context, id string, expectedVersion int, doses []ScheduledDose, events ...*Event) (*Medication, error)
	ReplaceCustomSchedule(ctx context.Context, id string, expectedVersion int, entries []ScheduleEntry, events ...*Event) (*Medication, error)
	ReplaceDoseRecords(ctx context.Context, id string, expectedVersion int, records []DoseRecord, events ...*Event) (*Medication, error)
}
