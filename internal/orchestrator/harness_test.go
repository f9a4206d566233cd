package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/protocol"
	"mastery_cards/internal/remote"
	"mastery_cards/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeJudge struct {
	mu     sync.Mutex
	calls  []domain.EvaluationRequest
	result domain.EvaluationResult
	err    error
	block  chan struct{}
}

func (j *fakeJudge) Evaluate(ctx context.Context, req domain.EvaluationRequest) (domain.EvaluationResult, error) {
	j.mu.Lock()
	j.calls = append(j.calls, req)
	block := j.block
	result, err := j.result, j.err
	j.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.EvaluationResult{}, ctx.Err()
		}
	}
	return result, err
}

func (j *fakeJudge) set(result domain.EvaluationResult, err error) {
	j.mu.Lock()
	j.result, j.err = result, err
	j.mu.Unlock()
}

func (j *fakeJudge) callCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.calls)
}

type delivery struct {
	card   domain.Card
	result domain.EvaluationResult
	source domain.EvaluationSource
}

type recorder struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *recorder) handle(card domain.Card, result domain.EvaluationResult, source domain.EvaluationSource) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, delivery{card: card, result: result, source: source})
	r.mu.Unlock()
}

func (r *recorder) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

func newConversationHarness(t *testing.T, judge *fakeJudge) (*Conversation, *fakeClock, *recorder) {
	t.Helper()
	clock := newFakeClock()
	rec := &recorder{}
	conv := NewConversation("s1", judge, ConversationConfig{Now: clock.Now}, zerolog.Nop(), rec.handle)
	t.Cleanup(conv.Wait)
	return conv, clock, rec
}

func continueResult() domain.EvaluationResult {
	return domain.EvaluationResult{
		Confidence:      40,
		MasteryLevel:    domain.MasteryBasic,
		Reasoning:       "partial",
		SuggestedAction: domain.ActionContinue,
	}
}

func fractionsCard() domain.Card {
	return domain.Card{ID: "card-1", Title: "Comparing fractions", Concept: "3/4 > 2/3", Points: 3}
}

func final(role domain.Role, text string) domain.TranscriptEntry {
	return domain.TranscriptEntry{Role: role, Text: text, IsFinal: true}
}

func add(t *testing.T, conv *Conversation, role domain.Role, text string) bool {
	t.Helper()
	return conv.AddTranscriptEntry(context.Background(), final(role, text))
}

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *memKV) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type fakeRemote struct {
	mu      sync.Mutex
	sent    []protocol.ClientMessage
	sendErr error
	closed  bool
	handler remote.Handler
}

func (r *fakeRemote) record(msg protocol.ClientMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRemote) SendTranscript(entry domain.TranscriptEntry) error {
	return r.record(protocol.Transcript(entry))
}

func (r *fakeRemote) SendCardChange(card domain.Card) error {
	return r.record(protocol.CardChange(card))
}

func (r *fakeRemote) SendForceEvaluation() error {
	return r.record(protocol.ForceEvaluation())
}

func (r *fakeRemote) Close() error {
	r.mu.Lock()
	already := r.closed
	r.closed = true
	r.mu.Unlock()
	if !already && r.handler.OnClose != nil {
		r.handler.OnClose(nil)
	}
	return nil
}

func (r *fakeRemote) push(msg protocol.ServerMessage) {
	r.handler.OnMessage(msg)
}

// drop simulates the server going away.
func (r *fakeRemote) drop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.handler.OnClose(errors.New("unexpected EOF"))
}

func (r *fakeRemote) messages() []protocol.ClientMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ClientMessage(nil), r.sent...)
}

func (r *fakeRemote) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeConnector struct {
	mu       sync.Mutex
	failures int
	err      error
	attempts int
	inits    []protocol.ClientMessage
	remotes  []*fakeRemote
}

func (c *fakeConnector) Connect(_ context.Context, init protocol.ClientMessage, h remote.Handler) (Remote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	c.inits = append(c.inits, init)
	if c.err != nil {
		return nil, c.err
	}
	if c.failures > 0 {
		c.failures--
		return nil, errors.New("connection refused")
	}
	r := &fakeRemote{handler: h}
	c.remotes = append(c.remotes, r)
	return r, nil
}

func (c *fakeConnector) last() *fakeRemote {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remotes) == 0 {
		return nil
	}
	return c.remotes[len(c.remotes)-1]
}

type managerEvents struct {
	mu          sync.Mutex
	evaluations []delivery
	advances    []*int
	injects     []string
	errors      []error
	states      [][2]domain.ConnectionState
}

func (e *managerEvents) handlers() Handlers {
	return Handlers{
		OnEvaluation: func(result domain.EvaluationResult, source domain.EvaluationSource) {
			e.mu.Lock()
			e.evaluations = append(e.evaluations, delivery{result: result, source: source})
			e.mu.Unlock()
		},
		OnAdvanceCard: func(points *int) {
			e.mu.Lock()
			e.advances = append(e.advances, points)
			e.mu.Unlock()
		},
		OnInjectMessage: func(message string) {
			e.mu.Lock()
			e.injects = append(e.injects, message)
			e.mu.Unlock()
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.errors = append(e.errors, err)
			e.mu.Unlock()
		},
		OnStateChange: func(from, to domain.ConnectionState) {
			e.mu.Lock()
			e.states = append(e.states, [2]domain.ConnectionState{from, to})
			e.mu.Unlock()
		},
	}
}

func (e *managerEvents) snapshot() managerEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return managerEvents{
		evaluations: append([]delivery(nil), e.evaluations...),
		advances:    append([]*int(nil), e.advances...),
		injects:     append([]string(nil), e.injects...),
		errors:      append([]error(nil), e.errors...),
		states:      append([][2]domain.ConnectionState(nil), e.states...),
	}
}

type managerHarness struct {
	manager   *Manager
	judge     *fakeJudge
	connector *fakeConnector
	kv        *memKV
	clock     *fakeClock
	events    *managerEvents
}

func newManagerHarness(t *testing.T, connector *fakeConnector, kv *memKV) *managerHarness {
	t.Helper()
	h := &managerHarness{
		judge:     &fakeJudge{result: continueResult()},
		connector: connector,
		kv:        kv,
		clock:     newFakeClock(),
		events:    &managerEvents{},
	}
	var conn Connector
	if connector != nil {
		conn = connector
	}
	var kvStore store.KV
	if kv != nil {
		kvStore = kv
	}
	cfg := ManagerConfig{
		SessionID:            "s1",
		ReconnectBaseDelay:   time.Millisecond,
		MaxReconnectAttempts: 3,
		Conversation:         ConversationConfig{Now: h.clock.Now},
	}
	h.manager = NewManager(cfg, h.judge, conn, kvStore, h.events.handlers(), zerolog.Nop())
	t.Cleanup(h.manager.Local().Wait)
	return h
}

func (h *managerHarness) add(t *testing.T, role domain.Role, text string) {
	t.Helper()
	if err := h.manager.AddTranscriptEntry(context.Background(), final(role, text)); err != nil {
		t.Fatalf("add transcript entry: %v", err)
	}
}

// qualify feeds a short exchange that satisfies the turn gate and ends on an explanation.
func (h *managerHarness) qualify(t *testing.T) {
	t.Helper()
	h.add(t, domain.RolePi, "Which is bigger, three fourths or two thirds?")
	h.add(t, domain.RoleStudent, "three fourths")
	h.add(t, domain.RolePi, "Why do you say that?")
	h.add(t, domain.RoleStudent, "because the bigger piece is three fourths")
}
