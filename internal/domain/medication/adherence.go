package medication

import "math"

// Adherence is the roll-up of a set of dose records.
type Adherence struct {
	Total   int `json:"total"`
	Taken   int `json:"taken"`
	Missed  int `json:"missed"`
	Skipped int `json:"skipped"`
	Late    int `json:"late"`
	Rate    int `json:"rate"`
}

// Aggregate counts records per status. Rate is the rounded percentage of taken records;
// pending or unrecognized statuses are not counted.
func Aggregate(records []DoseRecord) Adherence {
	var a Adherence
	for _, r := range records {
		switch r.Status {
		case StatusTaken:
			a.Taken++
		case StatusMissed:
			a.Missed++
		case StatusSkipped:
			a.Skipped++
		case StatusLate:
			a.Late++
		default:
			continue
		}
		a.Total++
	}
	if a.Total > 0 {
		a.Rate = int(math.Round(float64(a.Taken) / float64(a.Total) * 100))
	}
	return a
}

// FilterRecords keeps records whose scheduled date lies in [from, to]. A zero bound is open;
// records with a malformed date are dropped when any bound is set.
func FilterRecords(records []DoseRecord, from, to CalendarDate) []DoseRecord {
	if from.IsZero() && to.IsZero() {
		return append([]DoseRecord(nil), records...)
	}
	var out []DoseRecord
	for _, r := range records {
		d, ok := parseOptionalDate(r.ScheduledDate)
		if !ok {
			continue
		}
		if !from.IsZero() && d.Before(from) {
			continue
		}
		if !to.IsZero() && d.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}
