package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/messaging/inproc"
	"mastery_cards/internal/store"
)

type serviceHarness struct {
	svc   *Service
	bus   *inproc.Bus
	kv    *memKV
	judge *fakeJudge
	clock *fakeClock
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	h := &serviceHarness{
		bus:   inproc.New(32),
		kv:    newMemKV(),
		judge: &fakeJudge{result: continueResult()},
		clock: newFakeClock(),
	}
	h.svc = New(h.kv, nil, h.judge, h.bus, Config{
		IdleTimeout: time.Minute,
		Now:         h.clock.Now,
	}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	h.svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.svc.Wait()
	})
	return h
}

func (h *serviceHarness) open(t *testing.T, card *domain.Card) (string, <-chan domain.Event) {
	t.Helper()
	connID, events, err := h.svc.OpenSession(context.Background(), "s1", card, nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return connID, events
}

func (h *serviceHarness) add(t *testing.T, connID string, role domain.Role, text string) {
	t.Helper()
	if err := h.svc.AddTranscriptEntry(context.Background(), connID, final(role, text)); err != nil {
		t.Fatalf("add entry: %v", err)
	}
}

func waitEvent(t *testing.T, events <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return domain.Event{}
}

func TestServiceEvaluationPublishesAndLogs(t *testing.T) {
	h := newServiceHarness(t)
	h.judge.set(domain.EvaluationResult{
		Ready:           true,
		Confidence:      85,
		MasteryLevel:    domain.MasteryAdvanced,
		SuggestedAction: domain.ActionAwardAndNext,
	}, nil)
	card := fractionsCard()
	connID, events := h.open(t, &card)

	h.add(t, connID, domain.RolePi, "Which is bigger?")
	h.add(t, connID, domain.RoleStudent, "three fourths")
	h.add(t, connID, domain.RolePi, "Why?")
	h.add(t, connID, domain.RoleStudent, "because the bigger piece is three fourths")

	ev := waitEvent(t, events)
	if ev.Kind != domain.EventEvaluation || ev.Evaluation == nil || !ev.Evaluation.Ready {
		t.Fatalf("unexpected first event %+v", ev)
	}
	ev = waitEvent(t, events)
	if ev.Kind != domain.EventAdvanceCard || ev.Points == nil || *ev.Points != 3 {
		t.Fatalf("unexpected second event %+v", ev)
	}

	recs, err := h.svc.ListEvaluations(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list evaluations: %v", err)
	}
	if len(recs) != 1 || recs[0].Source != domain.SourceServer || recs[0].CardID != "card-1" {
		t.Fatalf("unexpected evaluation log %+v", recs)
	}
}

func TestServiceNotifiesAgentsOnStudentTurns(t *testing.T) {
	h := newServiceHarness(t)
	agents := h.bus.Register("agents")
	card := fractionsCard()
	connID, _ := h.open(t, &card)

	h.add(t, connID, domain.RolePi, "Which is bigger?")
	h.add(t, connID, domain.RoleStudent, "the two thirds")

	ev := waitEvent(t, agents)
	if ev.Kind != domain.EventStudentTurn || ev.SessionID != "s1" || ev.ReplyTo == "" || len(ev.Transcript) != 2 {
		t.Fatalf("unexpected agent event %+v", ev)
	}
	select {
	case extra := <-agents:
		t.Fatalf("tutor turn notified agents: %+v", extra)
	default:
	}
}

func TestServiceCloseNotifiesAgents(t *testing.T) {
	h := newServiceHarness(t)
	agents := h.bus.Register("agents")
	connID, _ := h.open(t, nil)

	h.svc.CloseSession(context.Background(), connID)
	ev := waitEvent(t, agents)
	if ev.Kind != domain.EventSessionClosed || ev.SessionID != "s1" {
		t.Fatalf("unexpected agent event %+v", ev)
	}
}

func TestServiceForceWithoutCardReportsError(t *testing.T) {
	h := newServiceHarness(t)
	connID, events := h.open(t, nil)
	if err := h.svc.ForceEvaluation(context.Background(), connID); err != nil {
		t.Fatalf("force: %v", err)
	}
	ev := waitEvent(t, events)
	if ev.Kind != domain.EventError || ev.Code != "no_card" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestServiceCloseAndRestore(t *testing.T) {
	h := newServiceHarness(t)
	card := fractionsCard()
	connID, events := h.open(t, &card)
	h.add(t, connID, domain.RolePi, "hello")
	h.add(t, connID, domain.RoleStudent, "hi")

	h.svc.CloseSession(context.Background(), connID)
	if _, ok := <-events; ok {
		t.Fatalf("expected closed event channel")
	}
	if err := h.svc.AddTranscriptEntry(context.Background(), connID, final(domain.RolePi, "x")); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("err=%v want ErrUnknownConnection", err)
	}

	state, err := store.LoadSession(context.Background(), h.kv, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.Transcript) != 2 {
		t.Fatalf("persisted %d entries", len(state.Transcript))
	}

	next, _ := h.open(t, nil)
	conv, err := h.svc.Conversation(next)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if n := len(conv.Transcript()); n != 2 {
		t.Fatalf("restored %d entries, want 2", n)
	}
	sessions, err := h.svc.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].Active || sessions[0].Entries != 2 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestServiceWatchdogClosesIdleSessions(t *testing.T) {
	h := newServiceHarness(t)
	connID, events := h.open(t, nil)

	h.clock.Advance(30 * time.Second)
	h.svc.watchdogOnce(context.Background())
	if _, err := h.svc.Conversation(connID); err != nil {
		t.Fatalf("session closed before idle timeout: %v", err)
	}

	h.clock.Advance(31 * time.Second)
	h.svc.watchdogOnce(context.Background())
	if _, err := h.svc.Conversation(connID); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("idle session still open")
	}
	if _, ok := <-events; ok {
		t.Fatalf("expected closed event channel")
	}
	if _, err := h.svc.GetSession(context.Background(), "s1"); err != nil {
		t.Fatalf("idle session not persisted: %v", err)
	}
}
