package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mastery_cards/internal/app"
	"mastery_cards/internal/config"
	"mastery_cards/internal/logging"
	"mastery_cards/internal/messaging/inproc"
	"mastery_cards/internal/orchestrator"
	"mastery_cards/internal/server"
)

var version = "dev"

type options struct {
	configPath string
	addr       string
	driver     string
	logLevel   string
	agents     bool
}

func main() {
	var opts options
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Server-hosted mastery evaluation orchestrator",
		Long:          "Serves the orchestration WebSocket protocol at /ws and session inspection endpoints over HTTP.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}
	root.Flags().StringVar(&opts.configPath, "config", "", "path to config.toml (default: ~/.mastery/config.toml)")
	root.Flags().StringVar(&opts.addr, "addr", "", "http listen address override")
	root.Flags().StringVar(&opts.driver, "store", "", "store driver override: fs, sqlite or redis")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "log level override")
	root.Flags().BoolVar(&opts.agents, "agents", false, "enable the side classifiers regardless of config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.driver != "" {
		cfg.Store.Driver = opts.driver
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.agents {
		cfg.Classifiers.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
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

	bus := inproc.New(cfg.Server.SendBufferSize)
	orch := orchestrator.New(storage.KV, storage.Evaluations, j, bus, orchestrator.Config{
		Cooldown:          cfg.Server.Cooldown(),
		EvaluationTimeout: cfg.Server.EvalTimeout(),
		PersistEvery:      cfg.Server.PersistEvery,
	}, logger)
	orch.Start(ctx)

	worker, err := app.NewAgentWorker(ctx, cfg.Classifiers, bus, logger)
	if err != nil {
		return err
	}
	if worker != nil {
		worker.Start(ctx)
	}

	ws := server.NewHandler(orch, server.Config{}, logger)
	a := &api{cfg: cfg, orchestrator: orch, bus: bus, logger: logger}
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	a.routes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("store", storage.Driver).
		Str("judge_model", cfg.Judge.Model).
		Bool("agents", worker != nil).
		Str("config", cfg.Path).
		Msg("orchestrator started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		orch.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	cancel()
	ws.Wait()
	orch.Wait()
	if worker != nil {
		worker.Wait()
	}
	logger.Info().Msg("orchestrator stopped")
	return err
}

func loggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/ws") {
			return
		}
		logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("http")
	})
}
