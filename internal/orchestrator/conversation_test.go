package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
)

func TestNoEvaluationBelowTurnCounts(t *testing.T) {
	judge := &fakeJudge{result: continueResult()}
	conv, _, _ := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())

	if add(t, conv, domain.RoleStudent, "because the bigger piece is three fourths") {
		t.Fatalf("triggered with one student turn")
	}
	if add(t, conv, domain.RolePi, "Tell me more") {
		t.Fatalf("triggered with one tutor turn")
	}
	if add(t, conv, domain.RoleStudent, "because four pieces are smaller than three pieces of the same pie, I think") {
		t.Fatalf("triggered with only one tutor turn")
	}
	conv.Wait()
	if judge.callCount() != 0 {
		t.Fatalf("judge called %d times", judge.callCount())
	}
}

func TestShortStudentTurnsDoNotTrigger(t *testing.T) {
	judge := &fakeJudge{result: continueResult()}
	conv, _, _ := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())

	steps := []domain.TranscriptEntry{
		final(domain.RolePi, "Let's compare two fractions."),
		final(domain.RoleStudent, "ok"),
		final(domain.RoleStudent, "hmm"),
		final(domain.RolePi, "Which one looks bigger?"),
		final(domain.RoleStudent, "maybe"),
		final(domain.RoleStudent, "the left"),
		final(domain.RoleStudent, "not sure"),
	}
	for i, e := range steps {
		if conv.AddTranscriptEntry(context.Background(), e) {
			t.Fatalf("step %d triggered an evaluation", i)
		}
	}
	if conv.DetectEvaluationTriggers() {
		t.Fatalf("detect reported a trigger")
	}
}

func TestExplanationTriggersOnceThenCooldown(t *testing.T) {
	judge := &fakeJudge{result: continueResult()}
	conv, clock, rec := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())

	add(t, conv, domain.RolePi, "Which is bigger, three fourths or two thirds?")
	add(t, conv, domain.RoleStudent, "three fourths")
	add(t, conv, domain.RolePi, "Why?")
	if !add(t, conv, domain.RoleStudent, "because the bigger piece is three fourths") {
		t.Fatalf("expected evaluation to trigger")
	}
	conv.Wait()
	if judge.callCount() != 1 {
		t.Fatalf("judge calls=%d want=1", judge.callCount())
	}
	got := rec.all()
	if len(got) != 1 || got[0].source != domain.SourceClient || got[0].card.ID != "card-1" {
		t.Fatalf("unexpected deliveries %+v", got)
	}

	clock.Advance(9 * time.Second)
	add(t, conv, domain.RolePi, "Good, and why does that matter?")
	if add(t, conv, domain.RoleStudent, "because the pieces are the same size") {
		t.Fatalf("triggered inside cooldown window")
	}

	clock.Advance(time.Second)
	if !add(t, conv, domain.RoleStudent, "so it is bigger since fourths are closer to one") {
		t.Fatalf("expected trigger once cooldown elapsed")
	}
	conv.Wait()
	if judge.callCount() != 2 {
		t.Fatalf("judge calls=%d want=2", judge.callCount())
	}
}

func TestTutorEntryNeverStartsEvaluation(t *testing.T) {
	judge := &fakeJudge{result: continueResult()}
	conv, _, _ := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())

	add(t, conv, domain.RoleStudent, "hi")
	add(t, conv, domain.RolePi, "Which is bigger, three fourths or two thirds?")
	add(t, conv, domain.RoleStudent, "because the bigger piece is three fourths")
	if add(t, conv, domain.RolePi, "Nice, tell me more.") {
		t.Fatalf("tutor entry started an evaluation")
	}
	if add(t, conv, domain.RoleSystem, "lesson timer: 5 minutes left") {
		t.Fatalf("system entry started an evaluation")
	}
	conv.Wait()
	if judge.callCount() != 0 {
		t.Fatalf("judge calls=%d want=0", judge.callCount())
	}
	if !conv.DetectEvaluationTriggers() {
		t.Fatalf("transcript should qualify for the next student turn")
	}
	if !add(t, conv, domain.RoleStudent, "the pieces are bigger") {
		t.Fatalf("expected trigger on the next student entry")
	}
	conv.Wait()
	if judge.callCount() != 1 {
		t.Fatalf("judge calls=%d want=1", judge.callCount())
	}
}

func TestPartialEntriesAreDropped(t *testing.T) {
	conv, _, _ := newConversationHarness(t, &fakeJudge{})
	conv.SetCurrentCard(fractionsCard())
	conv.AddTranscriptEntry(context.Background(), domain.TranscriptEntry{Role: domain.RoleStudent, Text: "becau", IsFinal: false})
	if n := len(conv.Transcript()); n != 0 {
		t.Fatalf("partial entry appended, len=%d", n)
	}
}

func TestCardSwitchResetsTranscriptAndCooldown(t *testing.T) {
	judge := &fakeJudge{result: continueResult()}
	conv, _, _ := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())

	add(t, conv, domain.RolePi, "q1")
	add(t, conv, domain.RoleStudent, "a1")
	add(t, conv, domain.RolePi, "q2")
	if !add(t, conv, domain.RoleStudent, "because it is larger") {
		t.Fatalf("expected trigger")
	}
	conv.Wait()

	conv.SetCurrentCard(domain.Card{ID: "card-2", Title: "Equivalent fractions"})
	if n := len(conv.Transcript()); n != 0 {
		t.Fatalf("transcript not cleared, len=%d", n)
	}
	if snap := conv.Snapshot(); snap.LastEvaluationTime != 0 {
		t.Fatalf("cooldown not reset: %d", snap.LastEvaluationTime)
	}

	add(t, conv, domain.RolePi, "q1")
	add(t, conv, domain.RoleStudent, "a1")
	add(t, conv, domain.RolePi, "q2")
	if !add(t, conv, domain.RoleStudent, "because two fourths is one half") {
		t.Fatalf("expected trigger on new card without waiting for cooldown")
	}
	conv.Wait()
	if judge.callCount() != 2 {
		t.Fatalf("judge calls=%d want=2", judge.callCount())
	}
}

func TestJudgeErrorClearsInFlightAndRetries(t *testing.T) {
	judge := &fakeJudge{err: errors.New("overloaded")}
	conv, clock, rec := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())

	add(t, conv, domain.RolePi, "q1")
	add(t, conv, domain.RoleStudent, "a1")
	add(t, conv, domain.RolePi, "q2")
	if !add(t, conv, domain.RoleStudent, "because it is larger") {
		t.Fatalf("expected trigger")
	}
	conv.Wait()
	if conv.InFlight() {
		t.Fatalf("in-flight flag left set after judge error")
	}
	if len(rec.all()) != 0 {
		t.Fatalf("failed evaluation was delivered")
	}

	judge.set(continueResult(), nil)
	clock.Advance(10 * time.Second)
	if !add(t, conv, domain.RoleStudent, "I think because the pieces are bigger") {
		t.Fatalf("expected retry on next qualifying turn")
	}
	conv.Wait()
	if len(rec.all()) != 1 {
		t.Fatalf("deliveries=%d want=1", len(rec.all()))
	}
}

func TestForceEvaluationBypassesGates(t *testing.T) {
	judge := &fakeJudge{result: continueResult()}
	conv, _, rec := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())
	add(t, conv, domain.RoleStudent, "ok")

	for i := 0; i < 2; i++ {
		result, err := conv.ForceEvaluation(context.Background())
		if err != nil {
			t.Fatalf("force %d: %v", i, err)
		}
		if result.SuggestedAction != domain.ActionContinue {
			t.Fatalf("unexpected result %+v", result)
		}
	}
	got := rec.all()
	if len(got) != 2 || got[0].source != domain.SourceForced {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if !judge.calls[0].Forced {
		t.Fatalf("request not marked forced")
	}
}

func TestForceEvaluationRequiresCard(t *testing.T) {
	conv, _, _ := newConversationHarness(t, &fakeJudge{})
	if _, err := conv.ForceEvaluation(context.Background()); !errors.Is(err, ErrNoCard) {
		t.Fatalf("err=%v want ErrNoCard", err)
	}
}

func TestForceEvaluationRespectsInFlightGuard(t *testing.T) {
	judge := &fakeJudge{result: continueResult(), block: make(chan struct{})}
	conv, _, _ := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())

	add(t, conv, domain.RolePi, "q1")
	add(t, conv, domain.RoleStudent, "a1")
	add(t, conv, domain.RolePi, "q2")
	if !add(t, conv, domain.RoleStudent, "because it is larger") {
		t.Fatalf("expected trigger")
	}
	if _, err := conv.ForceEvaluation(context.Background()); !errors.Is(err, ErrEvaluationInFlight) {
		t.Fatalf("err=%v want ErrEvaluationInFlight", err)
	}
	if conv.DetectEvaluationTriggers() {
		t.Fatalf("detect ignored in-flight evaluation")
	}
	close(judge.block)
	conv.Wait()
	if conv.InFlight() {
		t.Fatalf("in-flight flag still set")
	}
}

func TestResultForSupersededCardIsDiscarded(t *testing.T) {
	judge := &fakeJudge{result: continueResult(), block: make(chan struct{})}
	conv, _, rec := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())

	add(t, conv, domain.RolePi, "q1")
	add(t, conv, domain.RoleStudent, "a1")
	add(t, conv, domain.RolePi, "q2")
	if !add(t, conv, domain.RoleStudent, "because it is larger") {
		t.Fatalf("expected trigger")
	}
	conv.SetCurrentCard(domain.Card{ID: "card-2"})
	if conv.InFlight() {
		t.Fatalf("card switch did not reset in-flight flag")
	}
	close(judge.block)
	conv.Wait()
	if len(rec.all()) != 0 {
		t.Fatalf("stale evaluation delivered: %+v", rec.all())
	}
}

func TestSnapshotRestoreKeepsCooldown(t *testing.T) {
	judge := &fakeJudge{result: continueResult()}
	conv, clock, _ := newConversationHarness(t, judge)
	conv.SetCurrentCard(fractionsCard())
	add(t, conv, domain.RolePi, "q1")
	add(t, conv, domain.RoleStudent, "a1")
	add(t, conv, domain.RolePi, "q2")
	add(t, conv, domain.RoleStudent, "because it is larger")
	conv.Wait()

	snap := conv.Snapshot()
	if snap.CurrentCard == nil || snap.CurrentCard.ID != "card-1" || len(snap.Transcript) != 4 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	snap.Transcript = append(snap.Transcript, domain.TranscriptEntry{Role: domain.RoleStudent, Text: "partial"})

	restored := NewConversation("s1", judge, ConversationConfig{Now: clock.Now}, zerolog.Nop(), nil)
	restored.Restore(snap)
	if n := len(restored.Transcript()); n != 4 {
		t.Fatalf("restored transcript len=%d want=4", n)
	}
	if restored.DetectEvaluationTriggers() {
		t.Fatalf("restored conversation ignored the saved cooldown")
	}
	clock.Advance(10 * time.Second)
	if !restored.DetectEvaluationTriggers() {
		t.Fatalf("expected trigger after cooldown on restored conversation")
	}
}
