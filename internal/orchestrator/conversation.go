// Package orchestrator decides when a lesson is evaluated and routes evaluations between a
// server-hosted orchestrator and the in-process one.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/logging"
	"mastery_cards/internal/policy"
	"mastery_cards/internal/trigger"
)

var (
	ErrEvaluationInFlight = errors.New("evaluation already in flight")
	ErrNoCard             = errors.New("no current card")
	ErrCardChanged        = errors.New("card changed during evaluation")
)

// Evaluator is the judge as seen by a conversation.
type Evaluator interface {
	Evaluate(ctx context.Context, req domain.EvaluationRequest) (domain.EvaluationResult, error)
}

// EvaluationHandler receives every evaluation a conversation accepts, triggered or forced.
type EvaluationHandler func(card domain.Card, result domain.EvaluationResult, source domain.EvaluationSource)

type ConversationConfig struct {
	Cooldown          time.Duration
	EvaluationTimeout time.Duration
	Thresholds        trigger.Thresholds
	// Source tags triggered evaluations; forced ones are always SourceForced.
	Source domain.EvaluationSource
	Now    func() time.Time
}

func (c ConversationConfig) withDefaults() ConversationConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.EvaluationTimeout <= 0 {
		c.EvaluationTimeout = 30 * time.Second
	}
	if c.Thresholds.Window == 0 {
		c.Thresholds = trigger.DefaultThresholds()
	}
	if c.Source == "" {
		c.Source = domain.SourceClient
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Conversation is the heuristic orchestrator for one session. It holds the transcript of the
// current card and asks the judge for an evaluation when the trigger heuristic fires, at most
// one request at a time and never inside the cooldown window.
type Conversation struct {
	sessionID    string
	judge        Evaluator
	cfg          ConversationConfig
	logger       zerolog.Logger
	onEvaluation EvaluationHandler

	cooldown *policy.Cooldown

	mu         sync.Mutex
	card       *domain.Card
	transcript []domain.TranscriptEntry
	inFlight   bool
	generation uint64

	wg sync.WaitGroup
}

func NewConversation(sessionID string, judge Evaluator, cfg ConversationConfig, logger zerolog.Logger, onEvaluation EvaluationHandler) *Conversation {
	cfg = cfg.withDefaults()
	return &Conversation{
		sessionID:    sessionID,
		judge:        judge,
		cfg:          cfg,
		logger:       logger.With().Str("component", "conversation").Str("session_id", sessionID).Logger(),
		onEvaluation: onEvaluation,
		cooldown:     policy.NewCooldown(cfg.Cooldown),
	}
}

func (c *Conversation) SessionID() string {
	return c.sessionID
}

// SetCurrentCard switches cards. Transcript, cooldown and in-flight flag are reset together;
// a judge call still running for the previous card is discarded when it returns.
func (c *Conversation) SetCurrentCard(card domain.Card) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.card = &card
	c.transcript = nil
	c.inFlight = false
	c.generation++
	c.cooldown.Reset()
	c.logger.Debug().Str("card_id", card.ID).Msg("card set")
}

func (c *Conversation) CurrentCard() (domain.Card, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.card == nil {
		return domain.Card{}, false
	}
	return *c.card, true
}

// Append records a final entry without running the trigger. Partial entries are dropped.
func (c *Conversation) Append(entry domain.TranscriptEntry) bool {
	if !entry.IsFinal {
		return false
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = c.cfg.Now().UnixMilli()
	}
	c.mu.Lock()
	c.transcript = append(c.transcript, entry)
	c.mu.Unlock()
	return true
}

// AddTranscriptEntry appends a final entry and, for student entries, starts an evaluation in the
// background when the trigger fires. It reports whether an evaluation was started.
func (c *Conversation) AddTranscriptEntry(ctx context.Context, entry domain.TranscriptEntry) bool {
	if !c.Append(entry) || entry.Role != domain.RoleStudent {
		return false
	}
	return c.MaybeEvaluate(ctx)
}

// MaybeEvaluate runs the gates and the heuristic over the current transcript and, when they
// pass, starts an evaluation in the background.
func (c *Conversation) MaybeEvaluate(ctx context.Context) bool {
	now := c.cfg.Now()
	c.mu.Lock()
	if !c.shouldEvaluateLocked(now) {
		c.mu.Unlock()
		return false
	}
	req, gen := c.beginLocked(now, false)
	c.mu.Unlock()

	c.logger.Info().Str("card_id", req.Card.ID).Int("entries", len(req.Transcript)).Msg("evaluation triggered")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		evalCtx, cancel := logging.DetachWithTimeout(ctx, c.cfg.EvaluationTimeout)
		defer cancel()
		result, err := c.run(evalCtx, req, gen)
		if err != nil {
			if !errors.Is(err, ErrCardChanged) {
				c.logger.Error().Err(err).Str("card_id", req.Card.ID).Msg("evaluation failed")
			}
			return
		}
		c.deliver(req.Card, result, c.cfg.Source)
	}()
	return true
}

// DetectEvaluationTriggers reports whether an evaluation would start now, without starting one.
func (c *Conversation) DetectEvaluationTriggers() bool {
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldEvaluateLocked(now)
}

func (c *Conversation) shouldEvaluateLocked(now time.Time) bool {
	if c.card == nil || c.inFlight || !c.cooldown.Allow(now) {
		return false
	}
	return trigger.ShouldEvaluate(c.transcript, c.cfg.Thresholds)
}

// ForceEvaluation evaluates synchronously, skipping the cooldown and turn gates. It still
// refuses while another evaluation is in flight.
func (c *Conversation) ForceEvaluation(ctx context.Context) (domain.EvaluationResult, error) {
	now := c.cfg.Now()
	c.mu.Lock()
	if c.card == nil {
		c.mu.Unlock()
		return domain.EvaluationResult{}, ErrNoCard
	}
	if c.inFlight {
		c.mu.Unlock()
		return domain.EvaluationResult{}, ErrEvaluationInFlight
	}
	req, gen := c.beginLocked(now, true)
	c.mu.Unlock()

	c.logger.Info().Str("card_id", req.Card.ID).Msg("forced evaluation")
	result, err := c.run(ctx, req, gen)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	c.deliver(req.Card, result, domain.SourceForced)
	return result, nil
}

func (c *Conversation) beginLocked(now time.Time, forced bool) (domain.EvaluationRequest, uint64) {
	c.inFlight = true
	c.cooldown.Mark(now)
	transcript := make([]domain.TranscriptEntry, len(c.transcript))
	copy(transcript, c.transcript)
	return domain.EvaluationRequest{
		SessionID:  c.sessionID,
		Card:       *c.card,
		Transcript: transcript,
		Forced:     forced,
	}, c.generation
}

// run calls the judge and always clears the in-flight flag of its generation on the way out.
func (c *Conversation) run(ctx context.Context, req domain.EvaluationRequest, gen uint64) (domain.EvaluationResult, error) {
	defer func() {
		c.mu.Lock()
		if c.generation == gen {
			c.inFlight = false
		}
		c.mu.Unlock()
	}()

	result, err := c.judge.Evaluate(ctx, req)
	if err != nil {
		return domain.EvaluationResult{}, fmt.Errorf("judge: %w", err)
	}
	c.mu.Lock()
	stale := c.generation != gen
	c.mu.Unlock()
	if stale {
		c.logger.Debug().Str("card_id", req.Card.ID).Msg("discarding evaluation for superseded card")
		return domain.EvaluationResult{}, ErrCardChanged
	}
	return result, nil
}

func (c *Conversation) deliver(card domain.Card, result domain.EvaluationResult, source domain.EvaluationSource) {
	c.logger.Info().
		Str("card_id", card.ID).
		Bool("ready", result.Ready).
		Int("confidence", result.Confidence).
		Str("action", string(result.SuggestedAction)).
		Str("source", string(source)).
		Msg("evaluation accepted")
	if c.onEvaluation != nil {
		c.onEvaluation(card, result, source)
	}
}

// AdvancePoints is the award carried by an advance: the judge's points, else the card's, and
// nil when the card is skipped without points.
func AdvancePoints(card domain.Card, result domain.EvaluationResult) *int {
	if result.SuggestedAction != domain.ActionAwardAndNext {
		return nil
	}
	p := card.Points
	if result.Points != nil {
		p = *result.Points
	}
	return &p
}

func (c *Conversation) Transcript() []domain.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TranscriptEntry, len(c.transcript))
	copy(out, c.transcript)
	return out
}

func (c *Conversation) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Snapshot returns the persistable state of the session.
func (c *Conversation) Snapshot() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := domain.SessionState{
		SessionID:  c.sessionID,
		Transcript: make([]domain.TranscriptEntry, len(c.transcript)),
	}
	copy(state.Transcript, c.transcript)
	if c.card != nil {
		card := *c.card
		state.CurrentCard = &card
	}
	if last := c.cooldown.Last(); !last.IsZero() {
		state.LastEvaluationTime = last.UnixMilli()
	}
	return state
}

// Restore replaces card, transcript and cooldown with a previously saved state. Partial
// entries in the saved transcript are dropped.
func (c *Conversation) Restore(state domain.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.card = nil
	if state.CurrentCard != nil {
		card := *state.CurrentCard
		c.card = &card
	}
	c.transcript = c.transcript[:0]
	for _, e := range state.Transcript {
		if e.IsFinal {
			c.transcript = append(c.transcript, e)
		}
	}
	c.inFlight = false
	c.generation++
	if state.LastEvaluationTime > 0 {
		c.cooldown.Restore(time.UnixMilli(state.LastEvaluationTime))
	} else {
		c.cooldown.Reset()
	}
}

// Wait blocks until background evaluations have returned.
func (c *Conversation) Wait() {
	c.wg.Wait()
}
