package medication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMedication(frequency string) *Medication {
	return &Medication{
		ID:        "med-1",
		Name:      "Amoxicillin",
		Dosage:    "500mg",
		Frequency: frequency,
		IsActive:  true,
	}
}

func mustDate(t *testing.T, s string) CalendarDate {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestIsActiveBounds(t *testing.T) {
	med := testMedication("twice daily")
	med.StartDate = "2024-03-01"
	med.EndDate = "2024-03-10"

	assert.False(t, IsActive(med, mustDate(t, "2024-02-29")))
	assert.True(t, IsActive(med, mustDate(t, "2024-03-01")))
	assert.True(t, IsActive(med, mustDate(t, "2024-03-10")), "end date is inclusive")
	assert.False(t, IsActive(med, mustDate(t, "2024-03-11")))

	med.IsActive = false
	assert.False(t, IsActive(med, mustDate(t, "2024-03-05")))
	assert.False(t, IsActive(nil, mustDate(t, "2024-03-05")))
}

func TestIsActiveLenientDates(t *testing.T) {
	med := testMedication("once daily")
	med.StartDate = "next tuesday"
	med.EndDate = ""
	assert.True(t, IsActive(med, mustDate(t, "1999-01-01")))

	med.StartDate = "2024-03-01T09:15:00Z"
	assert.False(t, IsActive(med, mustDate(t, "2024-02-29")))
	assert.True(t, IsActive(med, mustDate(t, "2024-03-01")))
}

func TestRemainingDays(t *testing.T) {
	med := testMedication("twice daily")
	med.EndDate = "2024-03-22"

	assert.Equal(t, 12, RemainingDays(med, mustDate(t, "2024-03-10")))
	assert.Equal(t, 0, RemainingDays(med, mustDate(t, "2024-03-22")))
	assert.Equal(t, 0, RemainingDays(med, mustDate(t, "2024-04-01")))

	med.IsActive = false
	assert.Equal(t, 0, RemainingDays(med, mustDate(t, "2024-03-10")))

	open := testMedication("twice daily")
	assert.Equal(t, 0, RemainingDays(open, mustDate(t, "2024-03-10")))
}

func TestCalculateScheduleFromFrequency(t *testing.T) {
	med := testMedication("three times daily")
	doses := CalculateSchedule(med)
	require.Len(t, doses, 3)

	for i, want := range []string{"08:00", "14:00", "20:00"} {
		assert.Equal(t, want, doses[i].Time)
		assert.True(t, doses[i].IsActive)
		assert.True(t, doses[i].DaysOfWeek.IsEveryDay())
		assert.Equal(t, OriginAutoGenerated, doses[i].Origin)
		assert.Equal(t, "500mg", doses[i].Dosage)
		assert.NotEmpty(t, doses[i].ID)
	}
	assert.NotEqual(t, doses[0].ID, doses[1].ID)
}

func TestCalculateScheduleIsIdempotent(t *testing.T) {
	med := testMedication("every 6 hours")
	first := CalculateSchedule(med)
	second := CalculateSchedule(med)
	assert.Equal(t, first, second)

	med.ScheduledDoses = first
	assert.Equal(t, first, CalculateSchedule(med))
}

func TestCalculateScheduleKeepsUserDoses(t *testing.T) {
	med := testMedication("twice daily")
	med.ScheduledDoses = []ScheduledDose{
		{ID: "custom", Time: "09:15", Label: "Custom", IsActive: false, Origin: OriginUserDefined},
	}
	doses := CalculateSchedule(med)
	require.Len(t, doses, 1)
	assert.Equal(t, "custom", doses[0].ID)
	assert.False(t, doses[0].IsActive)
}

func TestCalculateScheduleFromTiming(t *testing.T) {
	med := testMedication("once daily")
	med.Timing = []string{"21:00", "07:30", "13:00"}
	doses := CalculateSchedule(med)
	require.Len(t, doses, 3)
	assert.Equal(t, "21:00", doses[0].Time)
	assert.Equal(t, "07:30", doses[1].Time)
	assert.Equal(t, "13:00", doses[2].Time)
}

func TestCalculateScheduleUnrecognizedNeedsReview(t *testing.T) {
	doses := CalculateSchedule(testMedication("when required"))
	require.Len(t, doses, 1)
	assert.Equal(t, "08:00", doses[0].Time)
	assert.Equal(t, "Default", doses[0].Label)
	assert.Equal(t, ReviewNote, doses[0].Notes)
}

func TestValidateScheduledDoses(t *testing.T) {
	doses, err := ValidateScheduledDoses("med-1", []ScheduledDose{
		{Time: "7:05", Label: "Wake", IsActive: true, DaysOfWeek: OnDays(time.Monday)},
	})
	require.NoError(t, err)
	assert.Equal(t, "07:05", doses[0].Time)
	assert.NotEmpty(t, doses[0].ID)
	assert.Equal(t, OriginUserDefined, doses[0].Origin)

	_, err = ValidateScheduledDoses("med-1", []ScheduledDose{{Time: "25:00"}})
	assert.ErrorIs(t, err, ErrInvalidTime)

	_, err = ValidateScheduledDoses("med-1", []ScheduledDose{{ID: "a", Time: "08:00"}, {ID: "a", Time: "09:00"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestValidateCustomSchedule(t *testing.T) {
	entries, err := ValidateCustomSchedule("med-1", []ScheduleEntry{
		{Date: "2024-03-10T00:00:00Z", Time: "9:00", TabletCount: 2, IsActive: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-10", entries[0].Date)
	assert.Equal(t, "09:00", entries[0].Time)
	assert.NotEmpty(t, entries[0].ID)

	_, err = ValidateCustomSchedule("med-1", []ScheduleEntry{{Date: "2024-03-10", Time: "09:00", TabletCount: 0}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ValidateCustomSchedule("med-1", []ScheduleEntry{{Date: "tomorrow", Time: "09:00", TabletCount: 1}})
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestEndDateFromDuration(t *testing.T) {
	start := mustDate(t, "2024-03-01")
	tests := []struct {
		duration string
		want     string
		ok       bool
	}{
		{"10 days", "2024-03-10", true},
		{"1 day", "2024-03-01", true},
		{"2 weeks", "2024-03-14", true},
		{"1 month", "2024-03-31", true},
		{"For 3 Months", "2024-05-31", true},
		{"ongoing", "", false},
		{"0 days", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.duration, func(t *testing.T) {
			got, ok := EndDateFromDuration(start, tt.duration)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.String())
			}
		})
	}

	_, ok := EndDateFromDuration(CalendarDate{}, "10 days")
	assert.False(t, ok)
}

func TestSummary(t *testing.T) {
	today := mustDate(t, "2024-03-10")

	med := testMedication("twice daily")
	med.EndDate = "2024-03-22"
	assert.Equal(t, "Twice daily at 08:00/20:00, active for 12 more days", Summary(med, today))

	med.EndDate = "2024-03-10"
	assert.Equal(t, "Twice daily at 08:00/20:00, last day today", Summary(med, today))

	med.EndDate = "2024-03-01"
	assert.Equal(t, "Twice daily at 08:00/20:00, ended 2024-03-01", Summary(med, today))

	med.EndDate = ""
	med.StartDate = "2024-04-01"
	assert.Equal(t, "Twice daily at 08:00/20:00, starts 2024-04-01", Summary(med, today))

	med.StartDate = ""
	med.IsActive = false
	assert.Equal(t, "Twice daily at 08:00/20:00, paused", Summary(med, today))
}

func TestSummarySpecificDays(t *testing.T) {
	today := mustDate(t, "2024-03-10")
	med := testMedication("once daily")
	med.ScheduledDoses = []ScheduledDose{
		{ID: "d1", Time: "09:00", IsActive: true, DaysOfWeek: OnDays(time.Friday, time.Monday, time.Wednesday)},
	}
	assert.Equal(t, "Once daily at 09:00 on Mon/Wed/Fri, ongoing", Summary(med, today))

	med.ScheduledDoses = append(med.ScheduledDoses, ScheduledDose{ID: "d2", Time: "07:00", IsActive: true, DaysOfWeek: EveryDay()})
	assert.Equal(t, "Twice daily at 07:00/09:00 on selected days, ongoing", Summary(med, today))
}

func TestSummaryWithoutDoses(t *testing.T) {
	today := mustDate(t, "2024-03-10")
	med := testMedication("once daily")
	med.ScheduledDoses = []ScheduledDose{{ID: "d1", Time: "09:00", IsActive: false}}
	assert.Equal(t, "No doses scheduled", Summary(med, today))

	med.CustomSchedule = []ScheduleEntry{{ID: "c1", Date: "2024-03-11", Time: "09:00", TabletCount: 1, IsActive: true}}
	assert.Equal(t, "Custom schedule with 1 entry, ongoing", Summary(med, today))
}
