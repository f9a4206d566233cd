package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"mastery_cards/internal/domain"
)

const EvaluationKeyPrefix = "mastery_eval_"

// EvaluationLog records accepted evaluations. store/sqlite implements it natively;
// KVEvaluationLog provides it on top of any KV backend.
type EvaluationLog interface {
	LogEvaluation(ctx context.Context, rec domain.EvaluationRecord) error
	ListEvaluations(ctx context.Context, sessionID string, limit int) ([]domain.EvaluationRecord, error)
}

// KVEvaluationLog stores one record per key, mastery_eval_{sessionId}_{unix-nanos}_{seq}.
type KVEvaluationLog struct {
	KV  KV
	seq atomic.Int64
}

func NewKVEvaluationLog(kv KV) *KVEvaluationLog {
	return &KVEvaluationLog{KV: kv}
}

const evaluationSuffixLen = 20 + 1 + 6

func evaluationPrefix(sessionID string) string {
	return EvaluationKeyPrefix + sessionID + "_"
}

func (l *KVEvaluationLog) LogEvaluation(ctx context.Context, rec domain.EvaluationRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("log evaluation: empty session id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ID = rec.CreatedAt.UnixNano()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	key := fmt.Sprintf("%s%020d_%06d", evaluationPrefix(rec.SessionID), rec.ID, l.seq.Add(1)%1_000_000)
	if err := l.KV.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("log evaluation: %w", err)
	}
	return nil
}

// ListEvaluations returns the newest records of a session first.
func (l *KVEvaluationLog) ListEvaluations(ctx context.Context, sessionID string, limit int) ([]domain.EvaluationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := l.KV.List(ctx, evaluationPrefix(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	prefix := evaluationPrefix(sessionID)
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	out := make([]domain.EvaluationRecord, 0, min(limit, len(keys)))
	for _, key := range keys {
		if len(out) == limit {
			break
		}
		// "a_" is also a prefix of session "a_b"'s keys.
		if suffix := strings.TrimPrefix(key, prefix); len(suffix) != evaluationSuffixLen || strings.Contains(suffix[:20], "_") {
			continue
		}
		raw, err := l.KV.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec domain.EvaluationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
