package medication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func records(statuses ...DoseStatus) []DoseRecord {
	out := make([]DoseRecord, len(statuses))
	for i, s := range statuses {
		out[i] = DoseRecord{ID: string(rune('a' + i)), ScheduledDoseID: "d", Status: s}
	}
	return out
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, Adherence{}, Aggregate(nil))

	got := Aggregate(records(StatusTaken, StatusTaken, StatusTaken, StatusMissed))
	assert.Equal(t, Adherence{Total: 4, Taken: 3, Missed: 1, Rate: 75}, got)

	got = Aggregate(records(StatusTaken, StatusTaken, StatusSkipped))
	assert.Equal(t, 67, got.Rate)

	got = Aggregate(records(StatusTaken, StatusLate, StatusSkipped, StatusMissed, StatusPending, "bogus"))
	assert.Equal(t, Adherence{Total: 4, Taken: 1, Missed: 1, Skipped: 1, Late: 1, Rate: 25}, got)
}

func TestFilterRecords(t *testing.T) {
	in := []DoseRecord{
		{ID: "1", ScheduledDate: "2024-03-01", Status: StatusTaken},
		{ID: "2", ScheduledDate: "2024-03-05", Status: StatusMissed},
		{ID: "3", ScheduledDate: "2024-03-09T00:00:00Z", Status: StatusTaken},
		{ID: "4", ScheduledDate: "garbage", Status: StatusTaken},
	}

	assert.Len(t, FilterRecords(in, CalendarDate{}, CalendarDate{}), 4)

	got := FilterRecords(in, mustDate(t, "2024-03-05"), CalendarDate{})
	assert.Equal(t, []string{"2", "3"}, ids(got))

	got = FilterRecords(in, CalendarDate{}, mustDate(t, "2024-03-05"))
	assert.Equal(t, []string{"1", "2"}, ids(got))

	got = FilterRecords(in, mustDate(t, "2024-03-02"), mustDate(t, "2024-03-08"))
	assert.Equal(t, []string{"2"}, ids(got))
}

func ids(rs []DoseRecord) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
