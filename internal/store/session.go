// Package store holds the key layout and session helpers shared by the key-value backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mastery_cards/internal/domain"
)

const SessionKeyPrefix = "mastery_session_"

var ErrCorruptSession = errors.New("corrupt session state")

// KV is the contract every backend (fs, sqlite, redis) satisfies.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

func SessionKey(sessionID string) string {
	return SessionKeyPrefix + sessionID
}

// SessionIDFromKey is the inverse of SessionKey.
func SessionIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, SessionKeyPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, SessionKeyPrefix)
	return id, id != ""
}

func SaveSession(ctx context.Context, kv KV, state domain.SessionState) error {
	if state.SessionID == "" {
		return fmt.Errorf("save session: empty session id")
	}
	if state.SavedAt == 0 {
		state.SavedAt = time.Now().UnixMilli()
	}
	if state.Transcript == nil {
		state.Transcript = []domain.TranscriptEntry{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := kv.Put(ctx, SessionKey(state.SessionID), raw); err != nil {
		return fmt.Errorf("put session state: %w", err)
	}
	return nil
}

// LoadSession returns domain.ErrNotFound when no state is stored and ErrCorruptSession when
// the stored blob does not parse. Callers treat both as "no prior session".
func LoadSession(ctx context.Context, kv KV, sessionID string) (domain.SessionState, error) {
	raw, err := kv.Get(ctx, SessionKey(sessionID))
	if err != nil {
		return domain.SessionState{}, err
	}
	var state domain.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.SessionState{}, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if state.SessionID == "" {
		state.SessionID = sessionID
	}
	if state.SessionID != sessionID {
		return domain.SessionState{}, fmt.Errorf("%w: stored id %q under key for %q", ErrCorruptSession, state.SessionID, sessionID)
	}
	return state, nil
}

// ListSessions loads every stored session, skipping blobs that do not parse.
func ListSessions(ctx context.Context, kv KV) ([]domain.SessionState, error) {
	keys, err := kv.List(ctx, SessionKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionState, 0, len(keys))
	for _, key := range keys {
		id, ok := SessionIDFromKey(key)
		if !ok {
			continue
		}
		state, err := LoadSession(ctx, kv, id)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}
