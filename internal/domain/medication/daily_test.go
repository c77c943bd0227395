package medication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weekdayMedication() *Medication {
	med := testMedication("custom")
	med.ScheduledDoses = []ScheduledDose{
		{ID: "evening", Time: "20:00", Label: "Evening", Dosage: "500mg", DaysOfWeek: OnDays(time.Monday, time.Wednesday), IsActive: true},
		{ID: "morning", Time: "8:00", Label: "Morning", Dosage: "500mg", DaysOfWeek: OnDays(time.Monday), IsActive: true},
		{ID: "paused", Time: "12:00", Label: "Noon", Dosage: "500mg", DaysOfWeek: EveryDay(), IsActive: false},
	}
	return med
}

func TestMaterializeFiltersByWeekday(t *testing.T) {
	med := weekdayMedication()

	monday := mustDate(t, "2024-03-11")
	occs := Materialize(med, monday)
	require.Len(t, occs, 2)
	assert.Equal(t, "morning", occs[0].DoseID)
	assert.Equal(t, "08:00", occs[0].Time)
	assert.Equal(t, "evening", occs[1].DoseID)
	for _, o := range occs {
		assert.Equal(t, StatusPending, o.Status)
		assert.Equal(t, SourceRecurring, o.Source)
		assert.Equal(t, "2024-03-11", o.Date)
		assert.Empty(t, o.ActualTime)
	}

	wednesday := mustDate(t, "2024-03-13")
	occs = Materialize(med, wednesday)
	require.Len(t, occs, 1)
	assert.Equal(t, "evening", occs[0].DoseID)
}

func TestMaterializeExcludedWeekdayIsEmpty(t *testing.T) {
	med := weekdayMedication()
	sunday := mustDate(t, "2024-03-10")
	assert.Empty(t, Materialize(med, sunday))
}

func TestMaterializeJoinsRecords(t *testing.T) {
	med := weekdayMedication()
	monday := mustDate(t, "2024-03-11")
	recorded := time.Date(2024, 3, 11, 8, 10, 0, 0, time.UTC)
	med.DoseRecords = []DoseRecord{
		{ID: "r1", ScheduledDoseID: "morning", ScheduledDate: "2024-03-11", Status: StatusMissed, RecordedAt: recorded},
		{ID: "r2", ScheduledDoseID: "morning", ScheduledDate: "2024-03-11T00:00:00Z", Status: StatusTaken, ActualTime: "08:05", ActualDate: "2024-03-11", Notes: "with food", RecordedAt: recorded.Add(time.Minute)},
		{ID: "r3", ScheduledDoseID: "morning", ScheduledDate: "2024-03-18", Status: StatusSkipped, RecordedAt: recorded},
	}

	occs := Materialize(med, monday)
	require.Len(t, occs, 2)
	assert.Equal(t, StatusTaken, occs[0].Status)
	assert.Equal(t, "08:05", occs[0].ActualTime)
	assert.Equal(t, "2024-03-11", occs[0].ActualDate)
	assert.Equal(t, "with food", occs[0].Notes)
	assert.Equal(t, StatusPending, occs[1].Status)
}

func TestMaterializeDoesNotMutate(t *testing.T) {
	med := weekdayMedication()
	med.DoseRecords = []DoseRecord{{ID: "r1", ScheduledDoseID: "morning", ScheduledDate: "2024-03-11", Status: StatusTaken}}
	before := med.Clone()

	Materialize(med, mustDate(t, "2024-03-11"))
	assert.Equal(t, before, med)
}

func TestMaterializeCustomScheduleTakesPrecedence(t *testing.T) {
	med := testMedication("twice daily")
	med.ScheduledDoses = CalculateSchedule(med)
	med.CustomSchedule = []ScheduleEntry{
		{ID: "taper-2", Date: "2024-03-12", Time: "18:00", Label: "Taper", TabletCount: 1, IsActive: true},
		{ID: "taper-1", Date: "2024-03-12", Time: "09:00", Label: "Taper", TabletCount: 2, IsActive: true},
		{ID: "off", Date: "2024-03-13", Time: "09:00", Label: "Off", TabletCount: 1, IsActive: false},
	}

	occs := Materialize(med, mustDate(t, "2024-03-12"))
	require.Len(t, occs, 2)
	assert.Equal(t, "taper-1", occs[0].DoseID)
	assert.Equal(t, 2, occs[0].TabletCount)
	assert.Equal(t, SourceCustom, occs[0].Source)
	assert.Equal(t, "taper-2", occs[1].DoseID)

	assert.Empty(t, Materialize(med, mustDate(t, "2024-03-13")), "inactive custom entries still override the day")

	occs = Materialize(med, mustDate(t, "2024-03-14"))
	require.Len(t, occs, 2)
	assert.Equal(t, SourceRecurring, occs[0].Source)
}

func TestMaterializeSkipsMalformedTimes(t *testing.T) {
	med := testMedication("once daily")
	med.ScheduledDoses = []ScheduledDose{
		{ID: "bad", Time: "morning", IsActive: true},
		{ID: "good", Time: "07:00", IsActive: true},
	}
	occs := Materialize(med, mustDate(t, "2024-03-11"))
	require.Len(t, occs, 1)
	assert.Equal(t, "good", occs[0].DoseID)
}

func TestUpcoming(t *testing.T) {
	med := testMedication("twice daily")
	med.ScheduledDoses = CalculateSchedule(med)
	now := time.Date(2024, 3, 10, 7, 45, 0, 0, time.UTC)

	up := Upcoming(med, now)
	require.Len(t, up, 2)
	assert.Equal(t, "2024-03-10", up[0].Date)
	assert.Equal(t, "08:00", up[0].Time)
	assert.Equal(t, "20:00", up[1].Time)

	med.DoseRecords = []DoseRecord{{ID: "r", ScheduledDoseID: med.ScheduledDoses[0].ID, ScheduledDate: "2024-03-10", Status: StatusTaken}}
	up = Upcoming(med, now)
	require.Len(t, up, 1)
	assert.Equal(t, "20:00", up[0].Time)
}

func TestUpcomingSpansMidnight(t *testing.T) {
	med := testMedication("twice daily")
	med.EndDate = "2024-03-10"
	now := time.Date(2024, 3, 10, 21, 0, 0, 0, time.UTC)
	assert.Empty(t, Upcoming(med, now), "tomorrow is past the end date")

	med.EndDate = ""
	up := Upcoming(med, now)
	require.Len(t, up, 2)
	assert.Equal(t, "2024-03-11", up[0].Date)
	assert.Equal(t, "08:00", up[0].Time)
	assert.Equal(t, "20:00", up[1].Time)
}

func TestHistoryMarksOrphans(t *testing.T) {
	med := weekdayMedication()
	med.DoseRecords = []DoseRecord{
		{ID: "r1", ScheduledDoseID: "morning", ScheduledDate: "2024-03-11", ScheduledTime: "08:00", Status: StatusTaken},
		{ID: "r2", ScheduledDoseID: "deleted-dose", ScheduledDate: "2024-03-04", ScheduledTime: "10:00", Status: StatusMissed},
		{ID: "r3", ScheduledDoseID: "evening", ScheduledDate: "2024-03-11", ScheduledTime: "20:00", Status: StatusLate},
	}

	hist := History(med)
	require.Len(t, hist, 3)
	assert.Equal(t, "r3", hist[0].Record.ID)
	assert.Equal(t, "r1", hist[1].Record.ID)
	assert.Equal(t, "Morning", hist[1].Label)
	assert.Equal(t, "r2", hist[2].Record.ID)
	assert.True(t, hist[2].Orphaned)
	assert.Equal(t, UnknownDoseLabel, hist[2].Label)
}

func TestResolveDose(t *testing.T) {
	med := weekdayMedication()
	med.CustomSchedule = []ScheduleEntry{{ID: "c1", Date: "2024-03-12", Time: "09:00", Label: "Taper", TabletCount: 1, IsActive: true}}

	d, ok := ResolveDose(med, "morning")
	assert.True(t, ok)
	assert.Equal(t, SourceRecurring, d.Source)

	d, ok = ResolveDose(med, "c1")
	assert.True(t, ok)
	assert.Equal(t, SourceCustom, d.Source)
	assert.Equal(t, "Taper", d.Label)

	_, ok = ResolveDose(med, "nope")
	assert.False(t, ok)
}
