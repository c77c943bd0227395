package medication

import "fmt"

// NotificationTimesFromTiming builds the dialog shape from a timing list. Entries that are
// not valid times are dropped.
func NotificationTimesFromTiming(timing []string) []NotificationTime {
	times := make([]TimeOfDay, 0, len(timing))
	for _, s := range timing {
		if t, err := ParseTimeOfDay(s); err == nil {
			times = append(times, t)
		}
	}
	out := make([]NotificationTime, len(times))
	for i, t := range times {
		out[i] = NotificationTime{Time: t.String(), Label: PositionLabel(i, len(times)), IsActive: true}
	}
	return out
}

// TimingFromNotificationTimes flattens active notification times back into a timing list.
func TimingFromNotificationTimes(nts []NotificationTime) ([]string, error) {
	out := make([]string, 0, len(nts))
	for i, nt := range nts {
		t, err := ParseTimeOfDay(nt.Time)
		if err != nil {
			return nil, fmt.Errorf("notification time %d: %w", i, err)
		}
		if nt.IsActive {
			out = append(out, t.String())
		}
	}
	return out, nil
}

// NotificationTimesFromDoses projects scheduled doses into the dialog shape, in time order.
func NotificationTimesFromDoses(doses []ScheduledDose) []NotificationTime {
	sorted := append([]ScheduledDose(nil), doses...)
	sortByTime(sorted, func(d ScheduledDose) string { return d.Time })
	out := make([]NotificationTime, 0, len(sorted))
	for _, d := range sorted {
		out = append(out, NotificationTime{Time: canonicalTime(d.Time), Label: d.Label, IsActive: d.IsActive})
	}
	return out
}

// DosesFromNotificationTimes turns edited notification times into a full replacement dose
// list. Doses at an unchanged time keep their id, day selection and dosage.
func DosesFromNotificationTimes(med *Medication, nts []NotificationTime) ([]ScheduledDose, error) {
	existing := make(map[TimeOfDay]ScheduledDose, len(med.ScheduledDoses))
	for _, d := range med.ScheduledDoses {
		if t, err := ParseTimeOfDay(d.Time); err == nil {
			if _, dup := existing[t]; !dup {
				existing[t] = d
			}
		}
	}
	out := make([]ScheduledDose, 0, len(nts))
	for i, nt := range nts {
		t, err := ParseTimeOfDay(nt.Time)
		if err != nil {
			return nil, fmt.Errorf("notification time %d: %w", i, err)
		}
		label := nt.Label
		if label == "" {
			label = PositionLabel(i, len(nts))
		}
		if prev, ok := existing[t]; ok {
			prev.Label = label
			prev.IsActive = nt.IsActive
			prev.Origin = OriginUserDefined
			prev.Notes = ""
			out = append(out, prev)
			delete(existing, t)
			continue
		}
		out = append(out, ScheduledDose{
			ID:         DoseID(med.ID, i, t),
			Time:       t.String(),
			Label:      label,
			Dosage:     med.Dosage,
			DaysOfWeek: EveryDay(),
			IsActive:   nt.IsActive,
			Origin:     OriginUserDefined,
		})
	}
	return ValidateScheduledDoses(med.ID, out)
}
