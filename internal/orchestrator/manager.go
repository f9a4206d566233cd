package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/policy"
	"mastery_cards/internal/protocol"
	"mastery_cards/internal/remote"
	"mastery_cards/internal/store"
)

var (
	ErrDisconnected   = errors.New("orchestration manager is disconnected")
	ErrNotInitialized = errors.New("orchestration manager is not initialized")
)

// Remote is an open connection to a server-hosted orchestrator.
type Remote interface {
	SendTranscript(entry domain.TranscriptEntry) error
	SendCardChange(card domain.Card) error
	SendForceEvaluation() error
	Close() error
}

// Connector opens a Remote, performing the init round trip before returning.
type Connector interface {
	Connect(ctx context.Context, init protocol.ClientMessage, h remote.Handler) (Remote, error)
}

// WebSocketConnector dials a server over gorilla/websocket.
type WebSocketConnector struct {
	Config remote.Config
}

func (w WebSocketConnector) Connect(ctx context.Context, init protocol.ClientMessage, h remote.Handler) (Remote, error) {
	return remote.Dial(ctx, w.Config, init, h)
}

// Handlers for server frames run on the connection's read goroutine. They may call back into
// the Manager, including Disconnect and SetCurrentCard.
type Handlers struct {
	OnEvaluation    func(result domain.EvaluationResult, source domain.EvaluationSource)
	OnAdvanceCard   func(points *int)
	OnInjectMessage func(message string)
	OnError         func(err error)
	OnStateChange   func(from, to domain.ConnectionState)
}

type ManagerConfig struct {
	SessionID            string
	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	DuplicateWindow      time.Duration
	PersistEvery         int
	Conversation         ConversationConfig
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 5 * time.Second
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = 10
	}
	c.Conversation = c.Conversation.withDefaults()
	return c
}

// Manager routes a session's transcript to the server-hosted orchestrator while one is
// reachable and to an in-process Conversation otherwise. The local conversation always mirrors
// the card and final entries, so falling back never starts from an empty transcript.
type Manager struct {
	cfg       ManagerConfig
	connector Connector
	kv        store.KV
	handlers  Handlers
	logger    zerolog.Logger
	now       func() time.Time

	local       *Conversation
	evalGate    *policy.Cooldown
	advanceGate *policy.Cooldown

	mu         sync.Mutex
	state      domain.ConnectionState
	remote     Remote
	remoteGen  uint64
	entryCount int
}

// NewManager wires a manager. connector may be nil for a client-only session; kv may be nil to
// disable persistence.
func NewManager(cfg ManagerConfig, judge Evaluator, connector Connector, kv store.KV, handlers Handlers, logger zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:         cfg,
		connector:   connector,
		kv:          kv,
		handlers:    handlers,
		logger:      logger.With().Str("component", "manager").Str("session_id", cfg.SessionID).Logger(),
		now:         cfg.Conversation.Now,
		evalGate:    policy.NewCooldown(cfg.DuplicateWindow),
		advanceGate: policy.NewCooldown(cfg.DuplicateWindow),
		state:       domain.StateUninitialized,
	}
	m.local = NewConversation(cfg.SessionID, judge, cfg.Conversation, logger, m.acceptLocal)
	return m
}

func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode is the backend currently evaluating: server only while the socket is active.
func (m *Manager) Mode() domain.BackendMode {
	if m.State() == domain.StateServerActive {
		return domain.BackendServer
	}
	return domain.BackendClient
}

// Local exposes the mirrored conversation.
func (m *Manager) Local() *Conversation {
	return m.local
}

// Init restores any persisted session and tries the server once. A failed connect is a
// permanent fallback to the local orchestrator, not an error.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.state != domain.StateUninitialized {
		m.mu.Unlock()
		return fmt.Errorf("init: manager already %s", m.state)
	}
	m.mu.Unlock()

	m.restore(ctx)
	m.setState(domain.StateConnecting)

	if m.connector == nil {
		m.logger.Info().Msg("no orchestration server configured, using local orchestrator")
		m.setState(domain.StateClientActive)
		return nil
	}
	if err := m.connect(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("orchestration server unavailable, falling back to local orchestrator")
		m.setState(domain.StateClientActive)
		return nil
	}
	return nil
}

func (m *Manager) restore(ctx context.Context) {
	if m.kv == nil {
		return
	}
	state, err := store.LoadSession(ctx, m.kv, m.cfg.SessionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.Warn().Err(err).Msg("ignoring persisted session")
		}
		return
	}
	m.local.Restore(state)
	m.logger.Info().Int("entries", len(state.Transcript)).Msg("restored persisted session")
}

// connect performs one connect attempt and, on success, makes the server active.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	m.remoteGen++
	gen := m.remoteGen
	m.mu.Unlock()

	snap := m.local.Snapshot()
	init := protocol.Init(m.cfg.SessionID, snap.CurrentCard, snap.Transcript)
	h := remote.Handler{
		OnMessage: func(msg protocol.ServerMessage) { m.onRemoteMessage(gen, msg) },
		OnClose:   func(err error) { m.onRemoteClose(gen, err) },
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.connector.Connect(connectCtx, init, h)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == domain.StateDisconnected || m.remoteGen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	m.remote = conn
	from, changed := m.transitionLocked(domain.StateServerActive)
	m.mu.Unlock()
	m.notifyState(from, domain.StateServerActive, changed)
	m.logger.Info().Msg("orchestration server active")
	return nil
}

// AddTranscriptEntry forwards a final entry to the active backend. Partial entries are ignored.
func (m *Manager) AddTranscriptEntry(ctx context.Context, entry domain.TranscriptEntry) error {
	if !entry.IsFinal {
		return nil
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = m.now().UnixMilli()
	}
	state, conn, err := m.active()
	if err != nil {
		return err
	}

	if state == domain.StateServerActive {
		m.local.Append(entry)
		if sendErr := conn.SendTranscript(entry); sendErr != nil {
			m.fallback(conn, sendErr)
			if entry.Role == domain.RoleStudent {
				m.local.MaybeEvaluate(ctx)
			}
		}
	} else {
		m.local.AddTranscriptEntry(ctx, entry)
	}

	m.mu.Lock()
	m.entryCount++
	persist := m.entryCount%m.cfg.PersistEvery == 0
	m.mu.Unlock()
	if persist {
		m.persist(ctx)
	}
	return nil
}

// SetCurrentCard switches cards on both backends and persists the session.
func (m *Manager) SetCurrentCard(ctx context.Context, card domain.Card) error {
	state, conn, err := m.active()
	if err != nil {
		return err
	}
	m.local.SetCurrentCard(card)
	if state == domain.StateServerActive {
		if sendErr := conn.SendCardChange(card); sendErr != nil {
			m.fallback(conn, sendErr)
		}
	}
	m.persist(ctx)
	return nil
}

// ForceEvaluation asks the active backend for an immediate evaluation. On the server the result
// arrives later as an evaluation message; locally it is delivered before this returns.
func (m *Manager) ForceEvaluation(ctx context.Context) error {
	state, conn, err := m.active()
	if err != nil {
		return err
	}
	if state == domain.StateServerActive {
		sendErr := conn.SendForceEvaluation()
		if sendErr == nil {
			return nil
		}
		m.fallback(conn, sendErr)
	}
	_, err = m.local.ForceEvaluation(ctx)
	return err
}

// Reconnect retries the server with exponential backoff. Entries arriving meanwhile are handled
// locally. When every attempt fails the manager stays client-active and the error is returned.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case domain.StateDisconnected:
		m.mu.Unlock()
		return ErrDisconnected
	case domain.StateUninitialized:
		m.mu.Unlock()
		return ErrNotInitialized
	case domain.StateServerActive, domain.StateConnecting:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if m.connector == nil {
		return fmt.Errorf("reconnect: no orchestration server configured")
	}

	m.setState(domain.StateConnecting)
	backoff := remote.Backoff{Base: m.cfg.ReconnectBaseDelay, MaxAttempts: m.cfg.MaxReconnectAttempts}
	err := backoff.Retry(ctx, func(attempt int) error {
		if m.State() == domain.StateDisconnected {
			return nil
		}
		err := m.connect(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}
		return err
	})
	if m.State() == domain.StateDisconnected {
		return ErrDisconnected
	}
	if err != nil {
		m.setState(domain.StateClientActive)
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// Disconnect persists the session, closes the socket and makes the manager unusable.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == domain.StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	conn := m.remote
	m.remote = nil
	m.remoteGen++
	from, changed := m.transitionLocked(domain.StateDisconnected)
	m.mu.Unlock()

	m.notifyState(from, domain.StateDisconnected, changed)
	m.persist(ctx)
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("close remote")
		}
	}
	return nil
}

func (m *Manager) active() (domain.ConnectionState, Remote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case domain.StateDisconnected:
		return m.state, nil, ErrDisconnected
	case domain.StateUninitialized:
		return m.state, nil, ErrNotInitialized
	}
	return m.state, m.remote, nil
}

// fallback drops a connection that failed a send and switches to the local orchestrator.
func (m *Manager) fallback(conn Remote, cause error) {
	m.mu.Lock()
	if m.remote != conn || m.state != domain.StateServerActive {
		m.mu.Unlock()
		return
	}
	m.remote = nil
	m.remoteGen++
	from, changed := m.transitionLocked(domain.StateClientActive)
	m.mu.Unlock()
	m.logger.Warn().Err(cause).Msg("send to orchestration server failed, falling back to local orchestrator")
	m.notifyState(from, domain.StateClientActive, changed)
	_ = conn.Close()
}

func (m *Manager) onRemoteClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.remoteGen || m.state != domain.StateServerActive {
		m.mu.Unlock()
		return
	}
	m.remote = nil
	from, changed := m.transitionLocked(domain.StateClientActive)
	m.mu.Unlock()
	m.logger.Warn().Err(err).Msg("orchestration server connection closed, falling back to local orchestrator")
	m.notifyState(from, domain.StateClientActive, changed)
}

func (m *Manager) onRemoteMessage(gen uint64, msg protocol.ServerMessage) {
	m.mu.Lock()
	stale := gen != m.remoteGen
	m.mu.Unlock()
	if stale {
		return
	}

	now := m.now()
	switch msg.Type {
	case protocol.TypeInitAck:
	case protocol.TypeEvaluation:
		if msg.Evaluation == nil {
			return
		}
		if !m.evalGate.TryMark(now) {
			m.logger.Debug().Msg("discarding duplicate server evaluation")
			return
		}
		if m.handlers.OnEvaluation != nil {
			m.handlers.OnEvaluation(*msg.Evaluation, domain.SourceServer)
		}
	case protocol.TypeAdvanceCard:
		if !m.advanceGate.TryMark(now) {
			m.logger.Debug().Msg("discarding duplicate advance_card")
			return
		}
		if m.handlers.OnAdvanceCard != nil {
			m.handlers.OnAdvanceCard(msg.Points)
		}
	case protocol.TypeInjectMessage:
		if m.handlers.OnInjectMessage != nil {
			m.handlers.OnInjectMessage(msg.Message)
		}
	case protocol.TypeError:
		err := fmt.Errorf("orchestration server error")
		if msg.Error != nil {
			err = fmt.Errorf("orchestration server error %s: %s", msg.Error.Code, msg.Error.Message)
		}
		m.logger.Warn().Err(err).Msg("server reported error")
		if m.handlers.OnError != nil {
			m.handlers.OnError(err)
		}
	}
}

// acceptLocal receives evaluations from the local conversation. They always count as accepted
// and close the duplicate windows against late server messages.
func (m *Manager) acceptLocal(card domain.Card, result domain.EvaluationResult, source domain.EvaluationSource) {
	now := m.now()
	m.evalGate.Mark(now)
	if m.handlers.OnEvaluation != nil {
		m.handlers.OnEvaluation(result, source)
	}
	if !result.SuggestedAction.Advances() {
		return
	}
	m.advanceGate.Mark(now)
	if m.handlers.OnAdvanceCard != nil {
		m.handlers.OnAdvanceCard(AdvancePoints(card, result))
	}
}

func (m *Manager) setState(to domain.ConnectionState) {
	m.mu.Lock()
	from, changed := m.transitionLocked(to)
	m.mu.Unlock()
	m.notifyState(from, to, changed)
}

// transitionLocked moves to the new state unless the manager is already there or disconnected.
func (m *Manager) transitionLocked(to domain.ConnectionState) (domain.ConnectionState, bool) {
	from := m.state
	if from == to || from == domain.StateDisconnected {
		return from, false
	}
	m.state = to
	return from, true
}

func (m *Manager) notifyState(from, to domain.ConnectionState, changed bool) {
	if !changed {
		return
	}
	m.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state change")
	if m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(from, to)
	}
}

// persist is best-effort; failures are logged.
func (m *Manager) persist(ctx context.Context) {
	if m.kv == nil {
		return
	}
	state := m.local.Snapshot()
	state.SavedAt = m.now().UnixMilli()
	if err := store.SaveSession(ctx, m.kv, state); err != nil {
		m.logger.Warn().Err(err).Msg("persist session")
	}
}
