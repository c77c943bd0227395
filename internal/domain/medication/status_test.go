package medication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func occurrenceAt(at time.Time, status DoseStatus) DoseOccurrence {
	return DoseOccurrence{
		DoseID: "dose",
		Date:   DateOf(at).String(),
		Time:   TimeOfDay(at.Hour()*60 + at.Minute()).String(),
		Status: status,
	}
}

func TestClassify(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		offset   time.Duration
		overdue  bool
		dueNow   bool
		upcoming bool
	}{
		{"45 minutes past", -45 * time.Minute, true, false, false},
		{"31 minutes past", -31 * time.Minute, true, false, false},
		{"30 minutes past", -30 * time.Minute, false, true, true},
		{"10 minutes past", -10 * time.Minute, false, true, true},
		{"exactly now", 0, false, true, true},
		{"in 30 minutes", 30 * time.Minute, false, true, true},
		{"in 31 minutes", 31 * time.Minute, false, false, true},
		{"in 24 hours", 24 * time.Hour, false, false, true},
		{"in 24 hours 1 minute", 24*time.Hour + time.Minute, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(occurrenceAt(now.Add(tt.offset), StatusPending), now)
			assert.Equal(t, tt.overdue, d.IsOverdue, "overdue")
			assert.Equal(t, tt.dueNow, d.IsDueNow, "due now")
			assert.Equal(t, tt.upcoming, d.IsUpcoming, "upcoming")
			assert.Equal(t, int(tt.offset/time.Minute), d.DiffMinutes)
		})
	}
}

func TestClassifyRecordedNeverFlagged(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, s := range []DoseStatus{StatusTaken, StatusMissed, StatusSkipped, StatusLate} {
		d := Classify(occurrenceAt(now.Add(-2*time.Hour), s), now)
		assert.False(t, d.IsOverdue, s)
		assert.False(t, d.IsDueNow, s)
		assert.False(t, d.IsUpcoming, s)
		assert.Equal(t, -120, d.DiffMinutes)
	}
}

func TestClassifyUsesNowLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	now := time.Date(2024, 3, 10, 8, 10, 0, 0, loc)
	occ := DoseOccurrence{Date: "2024-03-10", Time: "08:00", Status: StatusPending}
	d := Classify(occ, now)
	assert.True(t, d.IsDueNow)
	assert.Equal(t, -10, d.DiffMinutes)
}

func TestClassifyMalformed(t *testing.T) {
	now := time.Now()
	assert.Equal(t, Display{}, Classify(DoseOccurrence{Date: "bad", Time: "08:00", Status: StatusPending}, now))
}

func TestRecordDoseReplacesPair(t *testing.T) {
	date := mustDate(t, "2024-03-10")
	at := time.Date(2024, 3, 10, 8, 5, 0, 0, time.UTC)

	records, first, err := RecordDose(nil, RecordInput{DoseID: "d1", Date: date, Status: StatusTaken, RecordedAt: at})
	require.NoError(t, err)
	require.Len(t, records, 1)

	records, second, err := RecordDose(records, RecordInput{DoseID: "d1", Date: date, Status: StatusTaken, ActualTime: "8:07", RecordedAt: at.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "08:07", records[0].ActualTime)

	records, _, err = RecordDose(records, RecordInput{DoseID: "d1", Date: date.AddDays(1), Status: StatusMissed, RecordedAt: at})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, _, err = RecordDose(records, RecordInput{DoseID: "d1", Date: date, Status: StatusSkipped, RecordedAt: at})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	cur, ok := CurrentRecord(records, "d1", date)
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, cur.Status)
}

func TestRecordDoseCollapsesDuplicates(t *testing.T) {
	date := mustDate(t, "2024-03-10")
	legacy := []DoseRecord{
		{ID: "a", ScheduledDoseID: "d1", ScheduledDate: "2024-03-10", Status: StatusMissed},
		{ID: "b", ScheduledDoseID: "d1", ScheduledDate: "2024-03-10T00:00:00Z", Status: StatusLate},
		{ID: "c", ScheduledDoseID: "d2", ScheduledDate: "2024-03-10", Status: StatusTaken},
	}
	records, _, err := RecordDose(legacy, RecordInput{DoseID: "d1", Date: date, Status: StatusTaken})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Len(t, legacy, 3, "input is not modified")
}

func TestRecordDoseLateThenTaken(t *testing.T) {
	date := mustDate(t, "2024-03-10")
	records, late, err := RecordDose(nil, RecordInput{DoseID: "d1", Date: date, Status: StatusLate})
	require.NoError(t, err)
	assert.False(t, late.WasLate)

	_, taken, err := RecordDose(records, RecordInput{DoseID: "d1", Date: date, Status: StatusTaken, ActualTime: "09:30"})
	require.NoError(t, err)
	assert.Equal(t, StatusTaken, taken.Status)
	assert.True(t, taken.WasLate)
}

func TestRecordDoseValidation(t *testing.T) {
	date := mustDate(t, "2024-03-10")

	_, _, err := RecordDose(nil, RecordInput{DoseID: "d1", Date: date, Status: StatusPending})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, _, err = RecordDose(nil, RecordInput{DoseID: "d1", Date: date, Status: "forgotten"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, _, err = RecordDose(nil, RecordInput{DoseID: "", Date: date, Status: StatusTaken})
	assert.ErrorIs(t, err, ErrUnknownDose)

	_, _, err = RecordDose(nil, RecordInput{DoseID: "d1", Status: StatusTaken})
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, _, err = RecordDose(nil, RecordInput{DoseID: "d1", Date: date, Status: StatusTaken, ActualTime: "noon"})
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestClearDose(t *testing.T) {
	date := mustDate(t, "2024-03-10")
	records, _, err := RecordDose(nil, RecordInput{DoseID: "d1", Date: date, Status: StatusTaken})
	require.NoError(t, err)

	records, removed := ClearDose(records, "d1", date)
	assert.True(t, removed)
	assert.Empty(t, records)

	_, removed = ClearDose(records, "d1", date)
	assert.False(t, removed)
}

func TestParseDoseStatus(t *testing.T) {
	s, ok := ParseDoseStatus(" TAKEN ")
	assert.True(t, ok)
	assert.Equal(t, StatusTaken, s)

	_, ok = ParseDoseStatus("done")
	assert.False(t, ok)

	assert.True(t, StatusMissed.Terminal())
	assert.False(t, StatusLate.Terminal())
}
