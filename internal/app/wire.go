// Package app builds the runtime components named in the configuration file.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"mastery_cards/internal/agent"
	"mastery_cards/internal/config"
	"mastery_cards/internal/fs"
	"mastery_cards/internal/judge"
	"mastery_cards/internal/llm"
	"mastery_cards/internal/store"
	redisstore "mastery_cards/internal/store/redis"
	sqlitestore "mastery_cards/internal/store/sqlite"
)

// Storage is the opened backend. Evaluations is native for sqlite and key-value backed otherwise.
type Storage struct {
	KV          store.KV
	Evaluations store.EvaluationLog
	Driver      string
	close       func() error
}

func (s *Storage) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

func OpenStorage(ctx context.Context, cfg config.StoreConfig) (*Storage, error) {
	switch cfg.Driver {
	case config.DriverFS:
		dir, err := config.ExpandHome(cfg.Dir)
		if err != nil {
			return nil, err
		}
		kv, err := fs.Open(filepath.Clean(dir))
		if err != nil {
			return nil, fmt.Errorf("open fs store: %w", err)
		}
		return &Storage{KV: kv, Evaluations: store.NewKVEvaluationLog(kv), Driver: cfg.Driver}, nil

	case config.DriverSQLite:
		dbPath, err := config.ExpandHome(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		dbPath = filepath.Clean(dbPath)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		db, err := sqlitestore.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return &Storage{KV: db, Evaluations: db, Driver: cfg.Driver, close: db.Close}, nil

	case config.DriverRedis:
		ns := strings.TrimSpace(cfg.Namespace)
		if ns != "" && !strings.HasSuffix(ns, ":") {
			ns += ":"
		}
		rdb, err := redisstore.Open(ctx, redisstore.Options{
			Addr:      cfg.RedisAddr,
			Password:  os.Getenv(cfg.RedisPasswordEnv),
			DB:        cfg.RedisDB,
			Namespace: ns,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return &Storage{KV: rdb, Evaluations: store.NewKVEvaluationLog(rdb), Driver: cfg.Driver, close: rdb.Close}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// NewJudge builds the Anthropic-backed judge. The key comes from the env var the config names.
func NewJudge(cfg config.JudgeConfig, logger zerolog.Logger) (*judge.Judge, error) {
	model, err := llm.NewAnthropic(llm.AnthropicConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey(),
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout(),
		Retries:   cfg.MaxRetries(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("judge model (set %s): %w", cfg.APIKeyEnv, err)
	}
	return judge.New(model, logger), nil
}

// NewClassifierModel returns the model the agent classifiers call.
func NewClassifierModel(ctx context.Context, cfg config.ClassifierConfig, logger zerolog.Logger) (llm.Completer, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		model, err := llm.NewAnthropic(llm.AnthropicConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey(),
			Model:   cfg.Model,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("classifier model (set %s): %w", cfg.APIKeyEnv, err)
		}
		return model, nil
	case config.ProviderGemini:
		model, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:  cfg.APIKey(),
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("classifier model (set %s): %w", cfg.APIKeyEnv, err)
		}
		return model, nil
	}
	return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
}

// NewAgentWorker wires the classifier graph to the bus. It returns nil when classifiers are
// disabled in the configuration.
func NewAgentWorker(ctx context.Context, cfg config.ClassifierConfig, queue agent.Queue, logger zerolog.Logger) (*agent.Worker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	model, err := NewClassifierModel(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	graph := agent.NewGraph(agent.DefaultClassifiers(model), 0, logger)
	return agent.NewWorker(queue, graph, agent.WorkerConfig{RateLimit: cfg.RateLimit()}, logger), nil
}
