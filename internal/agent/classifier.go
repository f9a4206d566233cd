// Package agent runs the side classifiers that watch a lesson alongside the judge and turn
// what they notice into hints for the tutor.
package agent

import (
	"context"
	"fmt"
	"strings"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/judge"
	"mastery_cards/internal/llm"
)

// Classifier inspects the lesson for one kind of finding.
type Classifier interface {
	Kind() domain.FindingKind
	Classify(ctx context.Context, card domain.Card, transcript []domain.TranscriptEntry) (domain.Finding, error)
}

const transcriptTail = 12

var instructions = map[domain.FindingKind]string{
	domain.FindingMisconception: `You watch a child learning fractions with a voice tutor.
Decide whether the child's latest turns show a misconception about the card's concept
(for example "more pieces means a bigger fraction"). Label the misconception briefly.`,
	domain.FindingEmotional: `You watch a child learning fractions with a voice tutor.
Decide whether the child sounds frustrated, anxious, bored or disengaged. Label the state in one word.`,
	domain.FindingPrerequisite: `You watch a child learning fractions with a voice tutor.
Decide whether the child is missing a prerequisite skill the card depends on
(for example equal partitioning or counting parts). Label the missing skill briefly.`,
}

const replyFormat = `
Reply with one JSON object and nothing else:
{"detected": bool, "label": string, "confidence": 0-100, "guidance": "one sentence the tutor could act on"}`

// LLMClassifier asks a model for one finding kind.
type LLMClassifier struct {
	kind  domain.FindingKind
	model llm.Completer
}

func NewLLMClassifier(kind domain.FindingKind, model llm.Completer) (*LLMClassifier, error) {
	if _, ok := instructions[kind]; !ok {
		return nil, fmt.Errorf("unknown finding kind %q", kind)
	}
	return &LLMClassifier{kind: kind, model: model}, nil
}

// DefaultClassifiers returns the misconception, emotional and prerequisite classifiers backed by model.
func DefaultClassifiers(model llm.Completer) []Classifier {
	kinds := []domain.FindingKind{domain.FindingMisconception, domain.FindingEmotional, domain.FindingPrerequisite}
	out := make([]Classifier, 0, len(kinds))
	for _, kind := range kinds {
		c, _ := NewLLMClassifier(kind, model)
		out = append(out, c)
	}
	return out
}

func (c *LLMClassifier) Kind() domain.FindingKind {
	return c.kind
}

func (c *LLMClassifier) Classify(ctx context.Context, card domain.Card, transcript []domain.TranscriptEntry) (domain.Finding, error) {
	if len(transcript) > transcriptTail {
		transcript = transcript[len(transcript)-transcriptTail:]
	}
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Card: %s\n", card.Title)
	if card.Concept != "" {
		fmt.Fprintf(&prompt, "Concept: %s\n", card.Concept)
	}
	if c.kind == domain.FindingMisconception && len(card.Misconceptions) > 0 {
		fmt.Fprintf(&prompt, "Known misconceptions: %s\n", strings.Join(card.Misconceptions, "; "))
	}
	prompt.WriteString("\nRecent transcript:\n")
	prompt.WriteString(judge.FormatTranscript(transcript))

	text, err := c.model.Complete(ctx, instructions[c.kind]+replyFormat, prompt.String())
	if err != nil {
		return domain.Finding{}, fmt.Errorf("%s classifier: %w", c.kind, err)
	}
	var f domain.Finding
	if err := llm.DecodeJSON(text, &f); err != nil {
		return domain.Finding{}, fmt.Errorf("%s classifier output: %w", c.kind, err)
	}
	f.Kind = c.kind
	f.Confidence = max(0, min(100, f.Confidence))
	f.Label = strings.TrimSpace(f.Label)
	f.Guidance = strings.TrimSpace(f.Guidance)
	return f, nil
}
