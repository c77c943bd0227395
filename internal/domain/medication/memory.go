package medication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventSink receives events committed by a MemoryStore
type EventSink func(ctx context.Context, events []*Event)

// MemoryStore is an in-process Store used in development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	meds   map[string]*Medication
	events []*Event
	sink   EventSink
	now    func() time.Time
}

// NewMemoryStore creates an empty store. sink may be nil.
func NewMemoryStore(sink EventSink) *MemoryStore {
	return &MemoryStore{
		meds: make(map[string]*Medication),
		sink: sink,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	med, ok := s.meds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return med.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, patientID string) ([]*Medication, error) {
	return s.filter(func(m *Medication) bool { return patientID == "" || m.PatientID == patientID }), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Medication, error) {
	return s.filter(func(m *Medication) bool { return m.IsActive }), nil
}

func (s *MemoryStore) filter(keep func(*Medication) bool) []*Medication {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Medication
	for _, m := range s.meds {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) Create(ctx context.Context, med *Medication, events ...*Event) error {
	s.mu.Lock()
	if _, exists := s.meds[med.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("medication %s already exists", med.ID)
	}
	now := s.now()
	med.Version = 1
	if med.CreatedAt.IsZero() {
		med.CreatedAt = now
	}
	med.UpdatedAt = now
	for _, e := range events {
		e.Version = med.Version
	}
	s.meds[med.ID] = med.Clone()
	s.events = append(s.events, events...)
	s.mu.Unlock()

	s.emit(ctx, events)
	return nil
}

func (s *MemoryStore) ReplaceScheduledDoses(ctx context.Context, id string, expectedVersion int, doses []ScheduledDose, events ...*Event) (*Medication, error) {
	return s.replace(ctx, id, expectedVersion, events, func(m *Medication) {
		m.ScheduledDoses = append([]ScheduledDose(nil), doses...)
	})
}

func (s *MemoryStore) ReplaceCustomSchedule(ctx context.Context, id string, expectedVersion int, entries []ScheduleEntry, events ...*Event) (*Medication, error) {
	return s.replace(ctx, id, expectedVersion, events, func(m *Medication) {
		m.CustomSchedule = append([]ScheduleEntry(nil), entries...)
	})
}

func (s *MemoryStore) ReplaceDoseRecords(ctx context.Context, id string, expectedVersion int, records []DoseRecord, events ...*Event) (*Medication, error) {
	return s.replace(ctx, id, expectedVersion, events, func(m *Medication) {
		m.DoseRecords = append([]DoseRecord(nil), records...)
	})
}

func (s *MemoryStore) replace(ctx context.Context, id string, expectedVersion int, events []*Event, apply func(*Medication)) (*Medication, error) {
	s.mu.Lock()
	cur, ok := s.meds[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Version != expectedVersion {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, id, cur.Version, expectedVersion)
	}
	next := cur.Clone()
	apply(next)
	next.Version++
	next.UpdatedAt = s.now()
	for _, e := range events {
		e.Version = next.Version
	}
	s.meds[id] = next
	s.events = append(s.events, events...)
	out := next.Clone()
	s.mu.Unlock()

	s.emit(ctx, events)
	return out, nil
}

func (s *MemoryStore) emit(ctx context.Context, events []*Event) {
	if s.sink != nil && len(events) > 0 {
		s.sink(ctx, events)
	}
}

// Events returns every event committed so far
func (s *MemoryStore) Events() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Event(nil), s.events...)
}
