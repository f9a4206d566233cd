// Package trigger decides when a lesson transcript carries enough evidence to be worth a
// mastery evaluation. It is a boolean OR of three independent signals over the tail of the
// transcript; there is no scoring or weighting.
package trigger

import (
	"strings"
	"unicode"

	"mastery_cards/internal/domain"
)

// Thresholds holds the tunable constants of the heuristic.
type Thresholds struct {
	MinStudentTurns      int
	MinTutorTurns        int
	Window               int // how many trailing entries are inspected
	ExplanationLength    int // a student utterance longer than this counts as explanatory
	ConfidenceMinEntries int // confidence language only counts from this transcript length
	MinEntries           int // transcript length that triggers on its own
	ExplanatoryPhrases   []string
	ConfidencePhrases    []string
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinStudentTurns:      2,
		MinTutorTurns:        2,
		Window:               6,
		ExplanationLength:    50,
		ConfidenceMinEntries: 6,
		MinEntries:           8,
		ExplanatoryPhrases: []string{
			"because",
			"i think",
			"that means",
			"the reason",
			"since",
			"so it",
			"it's like",
			"for example",
		},
		ConfidencePhrases: []string{
			"yes",
			"yeah",
			"exactly",
			"i get it",
			"i understand",
			"got it",
			"makes sense",
			"i know",
		},
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MinStudentTurns <= 0 {
		t.MinStudentTurns = d.MinStudentTurns
	}
	if t.MinTutorTurns <= 0 {
		t.MinTutorTurns = d.MinTutorTurns
	}
	if t.Window <= 0 {
		t.Window = d.Window
	}
	if t.ExplanationLength <= 0 {
		t.ExplanationLength = d.ExplanationLength
	}
	if t.ConfidenceMinEntries <= 0 {
		t.ConfidenceMinEntries = d.ConfidenceMinEntries
	}
	if t.MinEntries <= 0 {
		t.MinEntries = d.MinEntries
	}
	if len(t.ExplanatoryPhrases) == 0 {
		t.ExplanatoryPhrases = d.ExplanatoryPhrases
	}
	if len(t.ConfidencePhrases) == 0 {
		t.ConfidencePhrases = d.ConfidencePhrases
	}
	return t
}

type Signals struct {
	Explanation bool `json:"explanation"`
	Confidence  bool `json:"confidence"`
	Length      bool `json:"length"`
}

func (s Signals) Any() bool {
	return s.Explanation || s.Confidence || s.Length
}

// TurnCounts returns how many student and tutor entries the transcript holds.
func TurnCounts(transcript []domain.TranscriptEntry) (student, tutor int) {
	for _, e := range transcript {
		switch e.Role {
		case domain.RoleStudent:
			student++
		case domain.RolePi:
			tutor++
		}
	}
	return student, tutor
}

// EnoughTurns reports whether the turn-count gate is satisfied.
func EnoughTurns(transcript []domain.TranscriptEntry, th Thresholds) bool {
	th = th.withDefaults()
	student, tutor := TurnCounts(transcript)
	return student >= th.MinStudentTurns && tutor >= th.MinTutorTurns
}

// Detect inspects the trailing window of the transcript. It does not apply the turn-count
// gate; callers combine it with EnoughTurns.
func Detect(transcript []domain.TranscriptEntry, th Thresholds) Signals {
	th = th.withDefaults()
	window := transcript
	if len(window) > th.Window {
		window = window[len(window)-th.Window:]
	}

	var sig Signals
	confidenceLanguage := false
	for _, e := range window {
		if e.Role != domain.RoleStudent {
			continue
		}
		text := normalize(e.Text)
		if len([]rune(strings.TrimSpace(e.Text))) > th.ExplanationLength || containsAny(text, th.ExplanatoryPhrases) {
			sig.Explanation = true
		}
		if containsAny(text, th.ConfidencePhrases) {
			confidenceLanguage = true
		}
	}
	sig.Confidence = confidenceLanguage && len(transcript) >= th.ConfidenceMinEntries
	sig.Length = len(transcript) >= th.MinEntries
	return sig
}

// ShouldEvaluate combines the turn-count gate with Detect.
func ShouldEvaluate(transcript []domain.TranscriptEntry, th Thresholds) bool {
	if !EnoughTurns(transcript, th) {
		return false
	}
	return Detect(transcript, th).Any()
}

// normalize lowercases text and folds punctuation into single spaces, padded on both ends so
// phrases can be matched on word boundaries. Apostrophes are kept ("it's").
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(s) {
		if r == '’' {
			r = '\''
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

func containsAny(normalized string, phrases []string) bool {
	for _, p := range phrases {
		p = strings.TrimSpace(normalize(p))
		if p == "" {
			continue
		}
		if strings.Contains(normalized, " "+p+" ") {
			return true
		}
	}
	return false
}
