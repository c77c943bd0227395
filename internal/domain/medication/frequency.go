package medication

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PhraseKind is the recognized shape of a free-text frequency
type PhraseKind int

const (
	PhraseUnrecognized PhraseKind = iota
	PhraseInterval
	PhraseOnce
	PhraseTwice
	PhraseThrice
	PhraseFourTimes
)

func (k PhraseKind) String() string {
	switch k {
	case PhraseInterval:
		return "interval"
	case PhraseOnce:
		return "once"
	case PhraseTwice:
		return "twice"
	case PhraseThrice:
		return "thrice"
	case PhraseFourTimes:
		return "four_times"
	default:
		return "unrecognized"
	}
}

const (
	// DefaultIntervalHours is used when an interval phrase carries no usable hour count
	DefaultIntervalHours = 6
	// MaxIntervalHours caps interval phrases; anything at or above it is one dose a day
	MaxIntervalHours = 24
	// ReviewNote marks schedules that fell back to the default slot
	ReviewNote = "Schedule could not be determined from the frequency text; please review."
	// AutoGeneratedNote is attached to doses derived from frequency text
	AutoGeneratedNote = "Auto-generated from frequency"
)

// firstDoseTime is where every frequency-derived schedule starts
const firstDoseTime TimeOfDay = 8 * 60

// Frequency is a classified frequency phrase.
type Frequency struct {
	Kind          PhraseKind
	IntervalHours int
}

// Slot is one interpreted daily dose time.
type Slot struct {
	Time  TimeOfDay `json:"time"`
	Label string    `json:"label"`
}

// Interpretation is the result of turning frequency text and timing into slots.
type Interpretation struct {
	Slots       []Slot
	Kind        PhraseKind
	FromTiming  bool
	NeedsReview bool
	Note        string
}

var (
	intervalPattern   = regexp.MustCompile(`every\s+(\d+)\s*-?\s*hours?`)
	multiplierPattern = regexp.MustCompile(`(?:^|[^0-9])([1-4])\s*(?:x|times)\b`)
)

type keywordRule struct {
	kind     PhraseKind
	keywords []string
}

// Rules are evaluated in order; the first match wins.
var keywordRules = []keywordRule{
	{PhraseOnce, []string{"once"}},
	{PhraseTwice, []string{"twice", "bid"}},
	{PhraseThrice, []string{"three", "thrice", "tid"}},
	{PhraseFourTimes, []string{"four", "qid"}},
}

var digitRules = map[string]PhraseKind{
	"1": PhraseOnce,
	"2": PhraseTwice,
	"3": PhraseThrice,
	"4": PhraseFourTimes,
}

var fixedSlots = map[PhraseKind][]Slot{
	PhraseOnce: {
		{8 * 60, "Morning"},
	},
	PhraseTwice: {
		{8 * 60, "Morning"},
		{20 * 60, "Evening"},
	},
	PhraseThrice: {
		{8 * 60, "Morning"},
		{14 * 60, "Afternoon"},
		{20 * 60, "Evening"},
	},
	PhraseFourTimes: {
		{8 * 60, "Morning"},
		{12 * 60, "Noon"},
		{16 * 60, "Afternoon"},
		{20 * 60, "Evening"},
	},
}

// ClassifyFrequency maps free text onto a PhraseKind.
func ClassifyFrequency(text string) Frequency {
	lower := strings.ToLower(text)

	if strings.Contains(lower, "every") && strings.Contains(lower, "hour") {
		n := DefaultIntervalHours
		if m := intervalPattern.FindStringSubmatch(lower); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
				n = min(v, MaxIntervalHours)
			} else if errors.Is(err, strconv.ErrRange) {
				n = MaxIntervalHours
			}
		}
		return Frequency{Kind: PhraseInterval, IntervalHours: n}
	}

	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if containsToken(tokens, kw) {
				return Frequency{Kind: rule.kind}
			}
		}
	}
	if m := multiplierPattern.FindStringSubmatch(lower); m != nil {
		return Frequency{Kind: digitRules[m[1]]}
	}
	for _, tok := range tokens {
		if kind, ok := digitRules[tok]; ok {
			return Frequency{Kind: kind}
		}
	}
	return Frequency{Kind: PhraseUnrecognized}
}

func containsToken(tokens []string, kw string) bool {
	for _, t := range tokens {
		if t == kw {
			return true
		}
	}
	return false
}

// Slots generates the daily slots for a classified phrase.
func (f Frequency) Slots() []Slot {
	switch f.Kind {
	case PhraseInterval:
		n := f.IntervalHours
		if n <= 0 {
			n = DefaultIntervalHours
		}
		n = min(n, MaxIntervalHours)
		var out []Slot
		for m := int(firstDoseTime); m < MinutesPerDay; m += n * 60 {
			t := TimeOfDay(m)
			out = append(out, Slot{Time: t, Label: hourBucketLabel(t.Hour())})
		}
		return out
	case PhraseOnce, PhraseTwice, PhraseThrice, PhraseFourTimes:
		return append([]Slot(nil), fixedSlots[f.Kind]...)
	default:
		return []Slot{{Time: firstDoseTime, Label: "Default"}}
	}
}

func hourBucketLabel(hour int) string {
	switch {
	case hour >= 6 && hour <= 11:
		return "Morning"
	case hour >= 12 && hour <= 17:
		return "Afternoon"
	case hour >= 18 && hour <= 23:
		return "Evening"
	default:
		return "Night"
	}
}

// PositionLabel names the i-th of n explicitly timed doses.
func PositionLabel(i, n int) string {
	labels := map[int][]string{
		1: {"Morning"},
		2: {"Morning", "Evening"},
		3: {"Morning", "Afternoon", "Evening"},
		4: {"Morning", "Noon", "Afternoon", "Evening"},
	}
	if l, ok := labels[n]; ok && i >= 0 && i < n {
		return l[i]
	}
	return fmt.Sprintf("Dose %d", i+1)
}

// ParseTiming returns the timing list as times when it is non-empty and every entry is a
// valid HH:MM. Lists holding labels such as "morning" are rejected as a whole.
func ParseTiming(timing []string) ([]TimeOfDay, bool) {
	if len(timing) == 0 {
		return nil, false
	}
	out := make([]TimeOfDay, 0, len(timing))
	for _, s := range timing {
		t, err := ParseTimeOfDay(s)
		if err != nil {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

// Interpret turns frequency text and an optional explicit timing list into daily slots.
// Valid explicit timing always wins over the text.
func Interpret(frequency string, timing []string) Interpretation {
	if times, ok := ParseTiming(timing); ok {
		slots := make([]Slot, len(times))
		for i, t := range times {
			slots[i] = Slot{Time: t, Label: PositionLabel(i, len(times))}
		}
		return Interpretation{Slots: slots, FromTiming: true}
	}

	f := ClassifyFrequency(frequency)
	in := Interpretation{Slots: f.Slots(), Kind: f.Kind}
	if f.Kind == PhraseUnrecognized {
		in.NeedsReview = true
		in.Note = ReviewNote
	}
	return in
}

// FrequencyPhrase renders a short human phrase for the number of daily doses.
func FrequencyPhrase(perDay int) string {
	switch perDay {
	case 0:
		return "No doses"
	case 1:
		return "Once daily"
	case 2:
		return "Twice daily"
	default:
		return fmt.Sprintf("%d times daily", perDay)
	}
}
