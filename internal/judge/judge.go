// Package judge asks a hosted model whether a student has mastered the current card.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/llm"
)

var ErrInvalidResult = errors.New("invalid evaluation result")

const systemPrompt = `You evaluate whether a child has mastered a fraction concept from a spoken tutoring transcript.
Reply with one JSON object and nothing else:
{"ready": bool, "confidence": 0-100, "masteryLevel": "none"|"basic"|"advanced"|"teaching",
 "reasoning": string, "suggestedAction": "continue"|"award_and_next"|"next_without_points", "points": int (optional)}`

type Judge struct {
	model  llm.Completer
	logger zerolog.Logger
}

func New(model llm.Completer, logger zerolog.Logger) *Judge {
	return &Judge{
		model:  model,
		logger: logger.With().Str("component", "judge").Logger(),
	}
}

func (j *Judge) Evaluate(ctx context.Context, req domain.EvaluationRequest) (domain.EvaluationResult, error) {
	start := time.Now()
	text, err := j.model.Complete(ctx, systemPrompt, buildPrompt(req))
	if err != nil {
		return domain.EvaluationResult{}, fmt.Errorf("judge completion: %w", err)
	}
	var result domain.EvaluationResult
	if err := llm.DecodeJSON(text, &result); err != nil {
		return domain.EvaluationResult{}, fmt.Errorf("%w: %v; output: %s", ErrInvalidResult, err, llm.Trim(text, 400))
	}
	result, err = Normalize(result)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	j.logger.Info().
		Str("session_id", req.SessionID).
		Str("card_id", req.Card.ID).
		Bool("forced", req.Forced).
		Bool("ready", result.Ready).
		Int("confidence", result.Confidence).
		Str("action", string(result.SuggestedAction)).
		Dur("took", time.Since(start)).
		Msg("evaluation")
	return result, nil
}

// Normalize clamps confidence into [0,100] and rejects unknown enum values.
// An empty action defaults to continue and an empty level to none.
func Normalize(r domain.EvaluationResult) (domain.EvaluationResult, error) {
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 100 {
		r.Confidence = 100
	}
	r.MasteryLevel = domain.MasteryLevel(strings.ToLower(strings.TrimSpace(string(r.MasteryLevel))))
	if r.MasteryLevel == "" {
		r.MasteryLevel = domain.MasteryNone
	}
	if !r.MasteryLevel.Valid() {
		return domain.EvaluationResult{}, fmt.Errorf("%w: mastery level %q", ErrInvalidResult, r.MasteryLevel)
	}
	r.SuggestedAction = domain.SuggestedAction(strings.ToLower(strings.TrimSpace(string(r.SuggestedAction))))
	if r.SuggestedAction == "" {
		r.SuggestedAction = domain.ActionContinue
	}
	if !r.SuggestedAction.Valid() {
		return domain.EvaluationResult{}, fmt.Errorf("%w: suggested action %q", ErrInvalidResult, r.SuggestedAction)
	}
	if r.Points != nil && *r.Points < 0 {
		zero := 0
		r.Points = &zero
	}
	return r, nil
}

func buildPrompt(req domain.EvaluationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Card: %s\n", req.Card.Title)
	if req.Card.Concept != "" {
		fmt.Fprintf(&b, "Concept: %s\n", req.Card.Concept)
	}
	if req.Card.Goal != "" {
		fmt.Fprintf(&b, "Mastery goal: %s\n", req.Card.Goal)
	}
	if len(req.Card.Misconceptions) > 0 {
		fmt.Fprintf(&b, "Common misconceptions: %s\n", strings.Join(req.Card.Misconceptions, "; "))
	}
	if req.Card.Points > 0 {
		fmt.Fprintf(&b, "Points available: %d\n", req.Card.Points)
	}
	if req.Forced {
		b.WriteString("The tutor asked for a verdict now; decide with the evidence available.\n")
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(FormatTranscript(req.Transcript))
	return b.String()
}

// FormatTranscript renders entries one per line as "Speaker: text".
func FormatTranscript(entries []domain.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		switch e.Role {
		case domain.RolePi:
			b.WriteString("Pi: ")
		case domain.RoleStudent:
			b.WriteString("Student: ")
		default:
			b.WriteString("System: ")
		}
		b.WriteString(strings.TrimSpace(e.Text))
		b.WriteByte('\n')
	}
	return b.String()
}
