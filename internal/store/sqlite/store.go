package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mastery_cards/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluation_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	card_id TEXT NOT NULL,
	source TEXT NOT NULL,
	ready INTEGER NOT NULL,
	confidence INTEGER NOT NULL,
	mastery_level TEXT NOT NULL,
	suggested_action TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluation_log_session ON evaluation_log(session_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key %s: %w", key, err)
	}
	return value, nil
}

// Put upserts a key. SQLITE_BUSY is retried a few times with a growing pause.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		_, err = s.db.ExecContext(
			ctx,
			`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, time.Now().UTC().UnixMilli(),
		)
		if err == nil || !isBusy(err) {
			break
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("put key %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete key %s: %w", key, err)
	}
	return nil
}

// List returns keys with the given prefix, most recently updated first.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY updated_at DESC, key ASC`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) LogEvaluation(ctx context.Context, rec domain.EvaluationRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("log evaluation: empty session id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO evaluation_log(
			session_id, card_id, source, ready, confidence, mastery_level, suggested_action, result, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.CardID, string(rec.Source), boolToInt(rec.Result.Ready), rec.Result.Confidence,
		string(rec.Result.MasteryLevel), string(rec.Result.SuggestedAction), string(payload), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log evaluation: %w", err)
	}
	return nil
}

// ListEvaluations returns the newest evaluations of a session first.
func (s *Store) ListEvaluations(ctx context.Context, sessionID string, limit int) ([]domain.EvaluationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, card_id, source, result, created_at
		FROM evaluation_log
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []domain.EvaluationRecord
	for rows.Next() {
		var (
			rec       domain.EvaluationRecord
			source    string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.CardID, &source, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Result); err != nil {
			return nil, fmt.Errorf("decode evaluation %d: %w", rec.ID, err)
		}
		rec.Source = domain.EvaluationSource(source)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
