package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/logging"
	"mastery_cards/internal/store"
	"mastery_cards/internal/trigger"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Bus delivers events to per-connection topics and to the agents topic.
type Bus interface {
	Register(topic string) <-chan domain.Event
	Unregister(topic string)
	Publish(event domain.Event) error
}

type Config struct {
	Cooldown          time.Duration
	EvaluationTimeout time.Duration
	PersistEvery      int
	WatchdogInterval  time.Duration
	IdleTimeout       time.Duration
	Thresholds        trigger.Thresholds
	// AgentsTopic receives a student_turn event for every final student entry and a
	// session_closed event when a session closes.
	AgentsTopic string
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.EvaluationTimeout <= 0 {
		c.EvaluationTimeout = 30 * time.Second
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = 10
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.AgentsTopic == "" {
		c.AgentsTopic = "agents"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Service hosts server-side conversations, one per connection. Conversation results leave the
// service as events on the connection's bus topic.
type Service struct {
	kv     store.KV
	evals  store.EvaluationLog
	judge  Evaluator
	bus    Bus
	cfg    Config
	base   zerolog.Logger
	logger zerolog.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	connID string
	topic  string
	conv   *Conversation

	mu       sync.Mutex
	entries  int
	lastSeen time.Time
}

// SessionSummary describes an open or persisted session for the REST API.
type SessionSummary struct {
	SessionID   string       `json:"sessionId"`
	Active      bool         `json:"active"`
	CurrentCard *domain.Card `json:"currentCard,omitempty"`
	Entries     int          `json:"entries"`
	SavedAt     int64        `json:"savedAt,omitempty"`
}

func New(kv store.KV, evals store.EvaluationLog, judge Evaluator, bus Bus, cfg Config, logger zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	if evals == nil && kv != nil {
		evals = store.NewKVEvaluationLog(kv)
	}
	return &Service{
		kv:       kv,
		evals:    evals,
		judge:    judge,
		bus:      bus,
		cfg:      cfg,
		base:     logger,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		sessions: make(map[string]*session),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchdogLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// OpenSession starts a conversation for a new connection. The init card and transcript win;
// without them the persisted state of the session is restored. It returns the connection id
// and the channel of events for that connection.
func (s *Service) OpenSession(ctx context.Context, sessionID string, card *domain.Card, transcript []domain.TranscriptEntry) (string, <-chan domain.Event, error) {
	if sessionID == "" {
		return "", nil, fmt.Errorf("open session: empty session id")
	}
	connID := uuid.NewString()
	sess := &session{
		connID:   connID,
		topic:    "session/" + connID,
		lastSeen: s.cfg.Now(),
	}
	sess.conv = NewConversation(sessionID, s.judge, ConversationConfig{
		Cooldown:          s.cfg.Cooldown,
		EvaluationTimeout: s.cfg.EvaluationTimeout,
		Thresholds:        s.cfg.Thresholds,
		Source:            domain.SourceServer,
		Now:               s.cfg.Now,
	}, s.base, s.onEvaluation(sess))

	state := domain.SessionState{SessionID: sessionID, CurrentCard: card, Transcript: transcript}
	if card == nil && len(transcript) == 0 && s.kv != nil {
		stored, err := store.LoadSession(ctx, s.kv, sessionID)
		switch {
		case err == nil:
			state = stored
		case !errors.Is(err, domain.ErrNotFound):
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("ignoring persisted session")
		}
	}
	sess.conv.Restore(state)

	events := s.bus.Register(sess.topic)
	s.mu.Lock()
	s.sessions[connID] = sess
	s.mu.Unlock()

	s.logger.Info().
		Str("session_id", sessionID).
		Str("conn_id", connID).
		Int("entries", len(sess.conv.Transcript())).
		Msg("session opened")
	return connID, events, nil
}

func (s *Service) session(connID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return sess, nil
}

func (s *Service) AddTranscriptEntry(ctx context.Context, connID string, entry domain.TranscriptEntry) error {
	sess, err := s.session(connID)
	if err != nil {
		return err
	}
	if !entry.IsFinal {
		return nil
	}
	if !entry.Role.Valid() {
		return fmt.Errorf("invalid role %q", entry.Role)
	}
	sess.conv.AddTranscriptEntry(ctx, entry)

	sess.mu.Lock()
	sess.entries++
	sess.lastSeen = s.cfg.Now()
	persist := sess.entries%s.cfg.PersistEvery == 0
	sess.mu.Unlock()

	if entry.Role == domain.RoleStudent {
		s.notifyAgents(sess)
	}
	if persist {
		s.persist(ctx, sess)
	}
	return nil
}

func (s *Service) SetCurrentCard(ctx context.Context, connID string, card domain.Card) error {
	sess, err := s.session(connID)
	if err != nil {
		return err
	}
	if card.ID == "" {
		return fmt.Errorf("card id is required")
	}
	sess.conv.SetCurrentCard(card)
	s.touch(sess)
	s.persist(ctx, sess)
	return nil
}

// ForceEvaluation runs a forced evaluation in the background; the outcome arrives on the
// connection's topic as an evaluation or error event.
func (s *Service) ForceEvaluation(ctx context.Context, connID string) error {
	sess, err := s.session(connID)
	if err != nil {
		return err
	}
	s.touch(sess)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		evalCtx, cancel := logging.DetachWithTimeout(ctx, s.cfg.EvaluationTimeout)
		defer cancel()
		if _, err := sess.conv.ForceEvaluation(evalCtx); err != nil {
			code := "evaluation_failed"
			switch {
			case errors.Is(err, ErrNoCard):
				code = "no_card"
			case errors.Is(err, ErrEvaluationInFlight):
				code = "evaluation_in_flight"
			case errors.Is(err, ErrCardChanged):
				return
			}
			s.logger.Warn().Err(err).Str("session_id", sess.conv.SessionID()).Msg("forced evaluation failed")
			s.publish(domain.Event{
				Topic:     sess.topic,
				Kind:      domain.EventError,
				SessionID: sess.conv.SessionID(),
				Code:      code,
				Message:   err.Error(),
			})
		}
	}()
	return nil
}

// CloseSession persists the conversation and releases the connection's topic.
func (s *Service) CloseSession(ctx context.Context, connID string) {
	s.mu.Lock()
	sess, ok := s.sessions[connID]
	delete(s.sessions, connID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.persist(ctx, sess)
	s.bus.Unregister(sess.topic)
	if err := s.bus.Publish(domain.Event{
		Topic:     s.cfg.AgentsTopic,
		Kind:      domain.EventSessionClosed,
		SessionID: sess.conv.SessionID(),
		CreatedAt: s.cfg.Now().UTC(),
	}); err != nil {
		s.logger.Debug().Err(err).Msg("agents not notified of close")
	}
	s.logger.Info().Str("session_id", sess.conv.SessionID()).Str("conn_id", connID).Msg("session closed")
}

// Shutdown closes every open session.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.CloseSession(ctx, id)
	}
}

// Conversation returns the live conversation behind a connection.
func (s *Service) Conversation(connID string) (*Conversation, error) {
	sess, err := s.session(connID)
	if err != nil {
		return nil, err
	}
	return sess.conv, nil
}

// ListSessions merges open sessions with persisted ones, newest first.
func (s *Service) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	byID := make(map[string]SessionSummary)
	if s.kv != nil {
		stored, err := store.ListSessions(ctx, s.kv)
		if err != nil {
			return nil, err
		}
		for _, st := range stored {
			byID[st.SessionID] = SessionSummary{
				SessionID:   st.SessionID,
				CurrentCard: st.CurrentCard,
				Entries:     len(st.Transcript),
				SavedAt:     st.SavedAt,
			}
		}
	}
	for _, sess := range s.openSessions() {
		snap := sess.conv.Snapshot()
		sum := byID[snap.SessionID]
		sum.SessionID = snap.SessionID
		sum.Active = true
		sum.CurrentCard = snap.CurrentCard
		sum.Entries = len(snap.Transcript)
		byID[snap.SessionID] = sum
	}

	out := make([]SessionSummary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		if out[i].SavedAt != out[j].SavedAt {
			return out[i].SavedAt > out[j].SavedAt
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// GetSession prefers the live conversation over the persisted state.
func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.SessionState, error) {
	for _, sess := range s.openSessions() {
		if sess.conv.SessionID() == sessionID {
			return sess.conv.Snapshot(), nil
		}
	}
	if s.kv == nil {
		return domain.SessionState{}, domain.ErrNotFound
	}
	return store.LoadSession(ctx, s.kv, sessionID)
}

func (s *Service) ListEvaluations(ctx context.Context, sessionID string, limit int) ([]domain.EvaluationRecord, error) {
	if s.evals == nil {
		return nil, nil
	}
	return s.evals.ListEvaluations(ctx, sessionID, limit)
}

func (s *Service) openSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Service) onEvaluation(sess *session) EvaluationHandler {
	return func(card domain.Card, result domain.EvaluationResult, source domain.EvaluationSource) {
		sessionID := sess.conv.SessionID()
		now := s.cfg.Now().UTC()
		if s.evals != nil {
			logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.evals.LogEvaluation(logCtx, domain.EvaluationRecord{
				SessionID: sessionID,
				CardID:    card.ID,
				Source:    source,
				Result:    result,
				CreatedAt: now,
			})
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("log evaluation")
			}
		}

		cardCopy := card
		resultCopy := result
		s.publish(domain.Event{
			Topic:      sess.topic,
			Kind:       domain.EventEvaluation,
			SessionID:  sessionID,
			Card:       &cardCopy,
			Evaluation: &resultCopy,
			CreatedAt:  now,
		})
		if result.SuggestedAction.Advances() {
			s.publish(domain.Event{
				Topic:     sess.topic,
				Kind:      domain.EventAdvanceCard,
				SessionID: sessionID,
				Card:      &cardCopy,
				Points:    AdvancePoints(card, result),
				CreatedAt: now,
			})
		}
	}
}

func (s *Service) notifyAgents(sess *session) {
	card, ok := sess.conv.CurrentCard()
	if !ok {
		return
	}
	err := s.bus.Publish(domain.Event{
		Topic:      s.cfg.AgentsTopic,
		Kind:       domain.EventStudentTurn,
		SessionID:  sess.conv.SessionID(),
		Card:       &card,
		Transcript: sess.conv.Transcript(),
		ReplyTo:    sess.topic,
		CreatedAt:  s.cfg.Now().UTC(),
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("agents not notified")
	}
}

func (s *Service) publish(event domain.Event) {
	if err := s.bus.Publish(event); err != nil {
		s.logger.Warn().Err(err).Str("topic", event.Topic).Str("kind", string(event.Kind)).Msg("publish event")
	}
}

func (s *Service) touch(sess *session) {
	sess.mu.Lock()
	sess.lastSeen = s.cfg.Now()
	sess.mu.Unlock()
}

func (s *Service) persist(ctx context.Context, sess *session) {
	if s.kv == nil {
		return
	}
	state := sess.conv.Snapshot()
	state.SavedAt = s.cfg.Now().UnixMilli()
	if err := store.SaveSession(ctx, s.kv, state); err != nil {
		s.logger.Warn().Err(err).Str("session_id", state.SessionID).Msg("persist session")
	}
}

func (s *Service) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.watchdogOnce(ctx)
		}
	}
}

// watchdogOnce closes sessions that have been silent longer than the idle timeout. Closing the
// topic ends the connection's writer, which hangs up.
func (s *Service) watchdogOnce(ctx context.Context) {
	now := s.cfg.Now()
	for _, sess := range s.openSessions() {
		sess.mu.Lock()
		idle := now.Sub(sess.lastSeen)
		sess.mu.Unlock()
		if idle < s.cfg.IdleTimeout || sess.conv.InFlight() {
			continue
		}
		s.logger.Info().Str("session_id", sess.conv.SessionID()).Dur("idle", idle).Msg("closing idle session")
		s.CloseSession(ctx, sess.connID)
	}
}
