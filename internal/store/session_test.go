package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/fs"
	"mastery_cards/internal/store"
)

func newKV(t *testing.T) store.KV {
	t.Helper()
	kv, err := fs.Open(t.TempDir())
	require.NoError(t, err)
	return kv
}

func TestSessionKeyRoundTrip(t *testing.T) {
	key := store.SessionKey("abc")
	assert.Equal(t, "mastery_session_abc", key)
	id, ok := store.SessionIDFromKey(key)
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = store.SessionIDFromKey("other_abc")
	assert.False(t, ok)
}

func TestSaveLoadSession(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)

	_, err := store.LoadSession(ctx, kv, "s1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	card := domain.Card{ID: "c1", Title: "Fractions"}
	require.NoError(t, store.SaveSession(ctx, kv, domain.SessionState{
		SessionID:          "s1",
		CurrentCard:        &card,
		Transcript:         []domain.TranscriptEntry{{Role: domain.RoleStudent, Text: "hi", Timestamp: 1, IsFinal: true}},
		LastEvaluationTime: 42,
	}))

	got, err := store.LoadSession(ctx, kv, "s1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CurrentCard.ID)
	assert.Len(t, got.Transcript, 1)
	assert.EqualValues(t, 42, got.LastEvaluationTime)
	assert.NotZero(t, got.SavedAt)
}

func TestLoadSessionCorrupt(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	require.NoError(t, kv.Put(ctx, store.SessionKey("s1"), []byte("not json")))
	require.NoError(t, kv.Put(ctx, store.SessionKey("s2"), []byte(`{"sessionId":"other"}`)))

	_, err := store.LoadSession(ctx, kv, "s1")
	assert.ErrorIs(t, err, store.ErrCorruptSession)
	_, err = store.LoadSession(ctx, kv, "s2")
	assert.ErrorIs(t, err, store.ErrCorruptSession)

	require.NoError(t, store.SaveSession(ctx, kv, domain.SessionState{SessionID: "s3"}))
	sessions, err := store.ListSessions(ctx, kv)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s3", sessions[0].SessionID)
}

func TestKVEvaluationLog(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	log := store.NewKVEvaluationLog(kv)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, action := range []domain.SuggestedAction{domain.ActionContinue, domain.ActionAwardAndNext} {
		require.NoError(t, log.LogEvaluation(ctx, domain.EvaluationRecord{
			SessionID: "a",
			CardID:    "c1",
			Source:    domain.SourceClient,
			Result:    domain.EvaluationResult{SuggestedAction: action, MasteryLevel: domain.MasteryBasic},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, log.LogEvaluation(ctx, domain.EvaluationRecord{SessionID: "a_b", CardID: "c9", CreatedAt: base}))

	recs, err := log.ListEvaluations(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.ActionAwardAndNext, recs[0].Result.SuggestedAction)
	assert.Equal(t, domain.ActionContinue, recs[1].Result.SuggestedAction)

	recs, err = log.ListEvaluations(ctx, "a", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	sessions, err := store.ListSessions(ctx, kv)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
