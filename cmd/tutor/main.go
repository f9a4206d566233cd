package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mastery_cards/internal/app"
	"mastery_cards/internal/config"
	"mastery_cards/internal/domain"
	"mastery_cards/internal/logging"
	"mastery_cards/internal/orchestrator"
	"mastery_cards/internal/remote"
)

type options struct {
	configPath string
	serverURL  string
	sessionID  string
	driver     string
	logLevel   string
	local      bool
	force      bool
	linger     time.Duration
}

func main() {
	var opts options
	root := &cobra.Command{
		Use:   "tutor <replay.jsonl|->",
		Short: "Replay a lesson transcript through the orchestration manager",
		Long: `Replays a JSONL lesson file through the dual-backend orchestration manager.

Each line holds one of:
  {"card":{"id":"c1","title":"Fractions","points":10}}
  {"entry":{"role":"student","text":"because the bigger piece is three fourths"}}
  {"force":true}
  {"pause":500}`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args[0])
		},
	}
	root.Flags().StringVar(&opts.configPath, "config", "", "path to config.toml (default: ~/.mastery/config.toml)")
	root.Flags().StringVar(&opts.serverURL, "server", "", "orchestration server websocket URL override")
	root.Flags().StringVar(&opts.sessionID, "session", "", "session id to resume (default: new uuid)")
	root.Flags().StringVar(&opts.driver, "store", "", "store driver override: fs, sqlite or redis")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "log level override")
	root.Flags().BoolVar(&opts.local, "local", false, "skip the server and evaluate in-process")
	root.Flags().BoolVar(&opts.force, "force", false, "force an evaluation after the last line")
	root.Flags().DurationVar(&opts.linger, "linger", 2*time.Second, "how long to wait for server pushes before disconnecting")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tutor:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts options, path string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.serverURL != "" {
		cfg.Client.ServerURL = opts.serverURL
	}
	if opts.driver != "" {
		cfg.Store.Driver = opts.driver
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}

	in := io.Reader(os.Stdin)
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	steps, err := readSteps(in, time.Now)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storage, err := app.OpenStorage(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.Close()
	}()

	j, err := app.NewJudge(cfg.Judge, logger)
	if err != nil {
		return err
	}

	sessionID := firstNonEmpty(opts.sessionID, uuid.NewString())
	var connector orchestrator.Connector
	if !opts.local && cfg.Client.ServerURL != "" {
		connector = orchestrator.WebSocketConnector{Config: remote.Config{
			URL:            cfg.Client.ServerURL,
			ConnectTimeout: cfg.Client.ConnectTimeout(),
			Logger:         logger,
		}}
	}

	out := cmd.OutOrStdout()
	mgr := orchestrator.NewManager(orchestrator.ManagerConfig{
		SessionID:            sessionID,
		ConnectTimeout:       cfg.Client.ConnectTimeout(),
		ReconnectBaseDelay:   cfg.Client.ReconnectBase(),
		MaxReconnectAttempts: cfg.Client.MaxReconnects,
		DuplicateWindow:      cfg.Client.DuplicateWindow(),
		PersistEvery:         cfg.Client.PersistEvery,
		Conversation: orchestrator.ConversationConfig{
			Cooldown: cfg.Client.Cooldown(),
		},
	}, j, connector, storage.KV, printer(out, logger), logger)

	if err := mgr.Init(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s mode=%s\n", sessionID, mgr.Mode())

	if err := replay(ctx, mgr, steps); err != nil {
		_ = mgr.Disconnect(context.Background())
		return err
	}
	if opts.force {
		if err := mgr.ForceEvaluation(ctx); err != nil {
			fmt.Fprintf(out, "force evaluation: %v\n", err)
		}
	}

	mgr.Local().Wait()
	if mgr.Mode() == domain.BackendServer && opts.linger > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(opts.linger):
		}
	}
	return mgr.Disconnect(context.Background())
}

func replay(ctx context.Context, mgr *orchestrator.Manager, steps []step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case s.Card != nil:
			if err := mgr.SetCurrentCard(ctx, *s.Card); err != nil {
				return fmt.Errorf("card %s: %w", s.Card.ID, err)
			}
		case s.Entry != nil:
			if err := mgr.AddTranscriptEntry(ctx, *s.Entry); err != nil {
				return fmt.Errorf("entry: %w", err)
			}
		case s.Force:
			if err := mgr.ForceEvaluation(ctx); err != nil {
				return fmt.Errorf("force evaluation: %w", err)
			}
		case s.Pause > 0:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(s.Pause) * time.Millisecond):
			}
		}
	}
	return nil
}

func printer(w io.Writer, logger zerolog.Logger) orchestrator.Handlers {
	return orchestrator.Handlers{
		OnEvaluation: func(r domain.EvaluationResult, source domain.EvaluationSource) {
			fmt.Fprintf(w, "evaluation [%s] ready=%t level=%s confidence=%d action=%s\n  %s\n",
				source, r.Ready, r.MasteryLevel, r.Confidence, r.SuggestedAction, r.Reasoning)
		},
		OnAdvanceCard: func(points *int) {
			if points == nil {
				fmt.Fprintln(w, "advance card (no points)")
				return
			}
			fmt.Fprintf(w, "advance card +%d\n", *points)
		},
		OnInjectMessage: func(message string) {
			fmt.Fprintf(w, "tutor hint: %s\n", message)
		},
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("orchestration error")
		},
		OnStateChange: func(from, to domain.ConnectionState) {
			fmt.Fprintf(w, "state %s -> %s\n", from, to)
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
