package r5

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-medsched/internal/domain/medication"
)

// timingCodes maps HL7 timing abbreviations to frequency phrases the schedule interpreter
// understands
var timingCodes = map[string]string{
	"QD":  "once daily",
	"AM":  "once daily",
	"PM":  "once daily",
	"BID": "twice daily",
	"TID": "three times daily",
	"QID": "four times daily",
	"Q4H": "every 4 hours",
	"Q6H": "every 6 hours",
	"Q8H": "every 8 hours",
}

// eventTimes places FHIR event-timing codes on the clock
var eventTimes = map[string]string{
	"MORN":  "08:00",
	"NOON":  "12:00",
	"AFT":   "14:00",
	"EVE":   "20:00",
	"NIGHT": "22:00",
	"HS":    "22:00",
}

// ToCreateInput turns a MedicationRequest into a medication course. Only the first dosage
// instruction is used.
func ToCreateInput(m *MedicationRequest) (medication.CreateInput, error) {
	if err := m.Validate(); err != nil {
		return medication.CreateInput{}, fmt.Errorf("%w: %v", medication.ErrInvalidInput, err)
	}

	active := true
	switch m.Status {
	case StatusOnHold, StatusCompleted, StatusStopped:
		active = false
	}
	in := medication.CreateInput{
		PatientID: m.GetPatientID(),
		Name:      m.GetMedicationDisplay(),
		IsActive:  &active,
	}

	var (
		dosage Dosage
		repeat TimingRepeat
	)
	if len(m.DosageInstruction) > 0 {
		dosage = m.DosageInstruction[0]
		if dosage.Timing != nil && dosage.Timing.Repeat != nil {
			repeat = *dosage.Timing.Repeat
		}
	}
	in.Dosage = doseText(dosage)
	in.Frequency = frequencyText(dosage, repeat)

	timing, err := timesOfDay(repeat)
	if err != nil {
		return medication.CreateInput{}, err
	}
	in.Timing = timing

	start, end := bounds(m, repeat)
	for _, d := range []string{start, end} {
		if d == "" {
			continue
		}
		if _, err := medication.ParseDate(d); err != nil {
			return medication.CreateInput{}, err
		}
	}
	in.StartDate, in.EndDate = start, end
	if repeat.BoundsDuration != nil && end == "" {
		in.Duration = durationText(*repeat.BoundsDuration)
	}

	if len(repeat.DayOfWeek) > 0 {
		days := make([]time.Weekday, 0, len(repeat.DayOfWeek))
		for _, code := range repeat.DayOfWeek {
			wd, ok := ParseDayOfWeek(code)
			if !ok {
				return medication.CreateInput{}, fmt.Errorf("%w: dayOfWeek %q", medication.ErrInvalidInput, code)
			}
			days = append(days, wd)
		}
		interp := medication.Interpret(in.Frequency, in.Timing)
		for _, s := range interp.Slots {
			in.ScheduledDoses = append(in.ScheduledDoses, medication.ScheduledDose{
				Time:       s.Time.String(),
				Label:      s.Label,
				Dosage:     in.Dosage,
				DaysOfWeek: medication.OnDays(days...),
				IsActive:   true,
				Origin:     medication.OriginAutoGenerated,
				Notes:      medication.AutoGeneratedNote,
			})
		}
	}
	return in, nil
}

func doseText(d Dosage) string {
	for _, dr := range d.DoseAndRate {
		if q := dr.DoseQuantity; q != nil && q.Value > 0 {
			unit := q.Unit
			if unit == "" {
				unit = q.Code
			}
			return strings.TrimSpace(strconv.FormatFloat(q.Value, 'f', -1, 64) + " " + unit)
		}
	}
	return ""
}

// frequencyText prefers the structured repeat over free text, which is kept as the fallback
// so the interpreter can still flag it for review
func frequencyText(d Dosage, r TimingRepeat) string {
	if r.Frequency > 0 && r.Period > 0 {
		switch r.PeriodUnit {
		case UnitDay:
			if r.Period == 1 {
				return medication.FrequencyPhrase(r.Frequency)
			}
		case UnitHour:
			hours := r.Period / float64(r.Frequency)
			if hours >= 1 && hours == math.Trunc(hours) {
				hours = math.Min(hours, medication.MaxIntervalHours)
				return fmt.Sprintf("every %d hours", int(hours))
			}
		}
	}
	if d.Timing != nil && d.Timing.Code != nil {
		for _, c := range d.Timing.Code.Coding {
			if phrase, ok := timingCodes[strings.ToUpper(c.Code)]; ok {
				return phrase
			}
		}
	}
	if d.Text != "" {
		return d.Text
	}
	if len(r.When) > 0 {
		return medication.FrequencyPhrase(len(r.When))
	}
	return ""
}

// timesOfDay returns explicit HH:MM times from timeOfDay, or from event codes when no
// clock times are given
func timesOfDay(r TimingRepeat) ([]string, error) {
	var out []string
	for _, raw := range r.TimeOfDay {
		hhmm := raw
		if len(hhmm) > 5 {
			hhmm = hhmm[:5]
		}
		if !medication.IsValidTimeOfDay(hhmm) {
			return nil, fmt.Errorf("%w: timeOfDay %q", medication.ErrInvalidTime, raw)
		}
		out = append(out, hhmm)
	}
	if len(out) > 0 {
		return out, nil
	}
	for _, code := range r.When {
		if t, ok := eventTimes[strings.ToUpper(code)]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func bounds(m *MedicationRequest, r TimingRepeat) (start, end string) {
	if p := r.BoundsPeriod; p != nil {
		start, end = DatePart(p.Start), DatePart(p.End)
	}
	if m.DispenseRequest != nil && m.DispenseRequest.ValidityPeriod != nil {
		vp := m.DispenseRequest.ValidityPeriod
		if start == "" {
			start = DatePart(vp.Start)
		}
		if end == "" {
			end = DatePart(vp.End)
		}
	}
	if start == "" {
		start = DatePart(m.AuthoredOn)
	}
	return start, end
}

func durationText(d Duration) string {
	n := int(d.Value)
	if n <= 0 {
		return ""
	}
	unit := d.Code
	if unit == "" {
		unit = d.Unit
	}
	switch strings.ToLower(unit) {
	case UnitDay, "day", "days":
		return fmt.Sprintf("%d days", n)
	case UnitWeek, "week", "weeks":
		return fmt.Sprintf("%d weeks", n)
	case UnitMonth, "month", "months":
		return fmt.Sprintf("%d months", n)
	}
	return ""
}
