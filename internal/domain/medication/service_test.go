package medication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 10, 7, 45, 0, 0, time.UTC)

func newTestService(store Store) *Service {
	return NewService(store, nil, WithClock(func() time.Time { return fixedNow }))
}

func TestServiceCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	svc := newTestService(store)

	med, err := svc.Create(ctx, CreateInput{
		PatientID: "patient-1",
		Name:      "  Amoxicillin ",
		Dosage:    "500mg",
		Frequency: "twice daily",
		Duration:  "7 days",
		StartDate: "2024-03-10",
	})
	require.NoError(t, err)
	assert.Equal(t, "Amoxicillin", med.Name)
	assert.Equal(t, "2024-03-16", med.EndDate)
	assert.True(t, med.IsActive)
	assert.Equal(t, 1, med.Version)
	require.Len(t, med.ScheduledDoses, 2)

	stored, err := svc.Get(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, med.ScheduledDoses, stored.ScheduledDoses)

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventMedicationCreated, events[0].EventType)
	assert.Equal(t, "patient-1", events[0].PatientID)
	assert.Equal(t, 1, events[0].Version)
}

func TestServiceEventsCarryCorrelationID(t *testing.T) {
	store := NewMemoryStore(nil)
	svc := newTestService(store)
	ctx := ContextWithCorrelationID(context.Background(), "req-1")

	med, err := svc.Create(ctx, CreateInput{Name: "Aspirin", Dosage: "81mg", Frequency: "once daily"})
	require.NoError(t, err)
	_, err = svc.Record(ContextWithCorrelationID(ctx, "req-2"), med.ID, RecordInput{
		DoseID: med.ScheduledDoses[0].ID,
		Date:   DateOf(fixedNow),
		Status: StatusTaken,
	})
	require.NoError(t, err)

	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "req-1", events[0].CorrelationID)
	assert.Equal(t, "req-2", events[1].CorrelationID)

	_, err = svc.Create(context.Background(), CreateInput{Name: "Aspirin", Dosage: "81mg", Frequency: "once daily"})
	require.NoError(t, err)
	assert.Empty(t, store.Events()[2].CorrelationID)
}

func TestServiceCreateValidation(t *testing.T) {
	svc := newTestService(NewMemoryStore(nil))
	_, err := svc.Create(context.Background(), CreateInput{Name: " "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(context.Background(), CreateInput{
		Name:           "x",
		ScheduledDoses: []ScheduledDose{{Time: "25:61"}},
	})
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestServiceCreateInactive(t *testing.T) {
	inactive := false
	svc := newTestService(NewMemoryStore(nil))
	med, err := svc.Create(context.Background(), CreateInput{Name: "x", Frequency: "once", IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, med.IsActive)
}

func TestServiceRecordIsIdempotentPerOccurrence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	svc := newTestService(store)
	med, err := svc.Create(ctx, CreateInput{Name: "Metformin", Dosage: "850mg", Frequency: "twice daily"})
	require.NoError(t, err)

	doseID := med.ScheduledDoses[0].ID
	today := svc.Today()

	rec, err := svc.Record(ctx, med.ID, RecordInput{DoseID: doseID, Date: today, Status: StatusTaken})
	require.NoError(t, err)
	assert.Equal(t, "08:00", rec.ScheduledTime)
	assert.Equal(t, fixedNow, rec.RecordedAt)

	_, err = svc.Record(ctx, med.ID, RecordInput{DoseID: doseID, Date: today, Status: StatusTaken})
	require.NoError(t, err)

	got, err := svc.Get(ctx, med.ID)
	require.NoError(t, err)
	assert.Len(t, got.DoseRecords, 1)
	assert.Equal(t, 3, got.Version)

	day, err := svc.Day(ctx, med.ID, today)
	require.NoError(t, err)
	require.Len(t, day.Doses, 2)
	assert.Equal(t, StatusTaken, day.Doses[0].Status)
	assert.False(t, day.Doses[0].Display.IsDueNow)
	assert.True(t, day.Doses[1].Display.IsUpcoming)
}

func TestServiceRecordUnknownDose(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(NewMemoryStore(nil))
	med, err := svc.Create(ctx, CreateInput{Name: "x", Frequency: "once"})
	require.NoError(t, err)

	_, err = svc.Record(ctx, med.ID, RecordInput{DoseID: "ghost", Date: svc.Today(), Status: StatusTaken})
	assert.ErrorIs(t, err, ErrUnknownDose)

	_, err = svc.Record(ctx, "missing", RecordInput{DoseID: "ghost", Date: svc.Today(), Status: StatusTaken})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	svc := newTestService(store)
	med, err := svc.Create(ctx, CreateInput{Name: "x", Frequency: "once"})
	require.NoError(t, err)
	doseID := med.ScheduledDoses[0].ID

	_, err = svc.Record(ctx, med.ID, RecordInput{DoseID: doseID, Date: svc.Today(), Status: StatusMissed})
	require.NoError(t, err)

	cleared, err := svc.Clear(ctx, med.ID, doseID, svc.Today())
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = svc.Clear(ctx, med.ID, doseID, svc.Today())
	require.NoError(t, err)
	assert.False(t, cleared)

	types := []EventType{}
	for _, e := range store.Events() {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []EventType{EventMedicationCreated, EventDoseRecorded, EventDoseCleared}, types)
}

func TestServiceScheduleEdits(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(NewMemoryStore(nil))
	med, err := svc.Create(ctx, CreateInput{Name: "x", Dosage: "10mg", Frequency: "twice daily"})
	require.NoError(t, err)

	updated, err := svc.ReplaceSchedule(ctx, med.ID, []ScheduledDose{
		{Time: "6:30", Label: "Early", IsActive: true, DaysOfWeek: OnDays(time.Sunday)},
	})
	require.NoError(t, err)
	require.Len(t, updated.ScheduledDoses, 1)
	assert.Equal(t, "06:30", updated.ScheduledDoses[0].Time)
	assert.Equal(t, OriginUserDefined, updated.ScheduledDoses[0].Origin)

	regenerated, err := svc.RegenerateSchedule(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, med.ScheduledDoses, regenerated.ScheduledDoses)

	fromDialog, err := svc.ReplaceScheduleFromNotificationTimes(ctx, med.ID, []NotificationTime{
		{Time: "08:00", Label: "Morning", IsActive: false},
	})
	require.NoError(t, err)
	require.Len(t, fromDialog.ScheduledDoses, 1)
	assert.Equal(t, med.ScheduledDoses[0].ID, fromDialog.ScheduledDoses[0].ID)
	assert.False(t, fromDialog.ScheduledDoses[0].IsActive)

	_, err = svc.ReplaceSchedule(ctx, med.ID, []ScheduledDose{{Time: "later"}})
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestServiceCustomSchedule(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(NewMemoryStore(nil))
	med, err := svc.Create(ctx, CreateInput{Name: "Prednisone", Dosage: "5mg", Frequency: "once"})
	require.NoError(t, err)

	updated, err := svc.ReplaceCustomSchedule(ctx, med.ID, []ScheduleEntry{
		{Date: "2024-03-10", Time: "09:00", Label: "Taper", TabletCount: 4, IsActive: true},
	})
	require.NoError(t, err)
	require.Len(t, updated.CustomSchedule, 1)

	day, err := svc.Day(ctx, med.ID, svc.Today())
	require.NoError(t, err)
	require.Len(t, day.Doses, 1)
	assert.Equal(t, SourceCustom, day.Doses[0].Source)
	assert.Equal(t, 4, day.Doses[0].TabletCount)

	_, err = svc.Record(ctx, med.ID, RecordInput{DoseID: updated.CustomSchedule[0].ID, Date: svc.Today(), Status: StatusTaken})
	require.NoError(t, err)
}

func TestServiceSummaryAndAdherence(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(NewMemoryStore(nil))
	med, err := svc.Create(ctx, CreateInput{Name: "x", Frequency: "twice daily", StartDate: "2024-03-01", EndDate: "2024-03-22"})
	require.NoError(t, err)

	ov, err := svc.Summary(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, "Twice daily at 08:00/20:00, active for 12 more days", ov.Summary)
	assert.True(t, ov.Active)
	assert.Equal(t, 12, ov.RemainingDays)
	assert.Len(t, ov.Upcoming, 2)

	morning, evening := med.ScheduledDoses[0].ID, med.ScheduledDoses[1].ID
	for _, in := range []RecordInput{
		{DoseID: morning, Date: mustDate(t, "2024-03-08"), Status: StatusTaken},
		{DoseID: evening, Date: mustDate(t, "2024-03-08"), Status: StatusMissed},
		{DoseID: morning, Date: mustDate(t, "2024-03-09"), Status: StatusTaken},
		{DoseID: evening, Date: mustDate(t, "2024-03-09"), Status: StatusTaken},
	} {
		_, err := svc.Record(ctx, med.ID, in)
		require.NoError(t, err)
	}

	all, err := svc.Adherence(ctx, med.ID, CalendarDate{}, CalendarDate{})
	require.NoError(t, err)
	assert.Equal(t, Adherence{Total: 4, Taken: 3, Missed: 1, Rate: 75}, all)

	day9, err := svc.Adherence(ctx, med.ID, mustDate(t, "2024-03-09"), mustDate(t, "2024-03-09"))
	require.NoError(t, err)
	assert.Equal(t, 100, day9.Rate)

	hist, err := svc.History(ctx, med.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 4)
}

// conflictingStore loses the first n dose-record writes to a concurrent writer.
type conflictingStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) ReplaceDoseRecords(ctx context.Context, id string, expectedVersion int, records []DoseRecord, events ...*Event) (*Medication, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return nil, ErrVersionConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.ReplaceDoseRecords(ctx, id, expectedVersion, records, events...)
}

func TestServiceRetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{MemoryStore: NewMemoryStore(nil), conflicts: 2}
	svc := newTestService(store)
	med, err := svc.Create(ctx, CreateInput{Name: "x", Frequency: "once"})
	require.NoError(t, err)

	_, err = svc.Record(ctx, med.ID, RecordInput{DoseID: med.ScheduledDoses[0].ID, Date: svc.Today(), Status: StatusTaken})
	require.NoError(t, err)

	store.conflicts = maxConflictRetries + 1
	_, err = svc.Record(ctx, med.ID, RecordInput{DoseID: med.ScheduledDoses[0].ID, Date: svc.Today(), Status: StatusSkipped})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryStoreVersionCheck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	med := testMedication("once")
	require.NoError(t, store.Create(ctx, med))

	_, err := store.ReplaceDoseRecords(ctx, med.ID, 7, nil)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = store.ReplaceDoseRecords(ctx, "nope", 1, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.Create(ctx, med), "duplicate id")
}

func TestMemoryStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	svc := newTestService(store)
	med, err := svc.Create(ctx, CreateInput{Name: "x", Frequency: "four times daily"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, len(med.ScheduledDoses))
	for i, d := range med.ScheduledDoses {
		wg.Add(1)
		go func(i int, doseID string) {
			defer wg.Done()
			_, errs[i] = svc.Record(ctx, med.ID, RecordInput{DoseID: doseID, Date: svc.Today(), Status: StatusTaken})
		}(i, d.ID)
	}
	wg.Wait()

	got, err := svc.Get(ctx, med.ID)
	require.NoError(t, err)
	written := 0
	for _, err := range errs {
		if err == nil {
			written++
		}
	}
	assert.Equal(t, written, len(got.DoseRecords))
	assert.Equal(t, 1+written, got.Version)
}

func TestMemoryStoreSink(t *testing.T) {
	var got []*Event
	store := NewMemoryStore(func(_ context.Context, events []*Event) { got = append(got, events...) })
	svc := newTestService(store)
	_, err := svc.Create(context.Background(), CreateInput{Name: "x", Frequency: "once"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, AggregateType, got[0].AggregateType)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	svc := newTestService(store)
	inactive := false
	_, err := svc.Create(ctx, CreateInput{PatientID: "p1", Name: "a", Frequency: "once"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{PatientID: "p2", Name: "b", Frequency: "once", IsActive: &inactive})
	require.NoError(t, err)

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	p1, err := svc.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, p1, 1)
	assert.Equal(t, "a", p1[0].Name)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "p1", active[0].PatientID)
}
