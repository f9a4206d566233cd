package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/policy"
)

type Queue interface {
	Register(topic string) <-chan domain.Event
	Unregister(topic string)
	Publish(event domain.Event) error
}

type WorkerConfig struct {
	Topic         string
	RateLimit     time.Duration
	MinConfidence int
	Now           func() time.Time
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Topic == "" {
		c.Topic = "agents"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 15 * time.Second
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 60
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Worker consumes student_turn events, runs the graph at most once per rate-limit window per
// session and replies with an inject_message event on the event's ReplyTo topic. A
// session_closed event drops the session's rate-limit gate.
type Worker struct {
	queue   Queue
	graph   *Graph
	cfg     WorkerConfig
	limiter *policy.Keyed
	logger  zerolog.Logger

	wg sync.WaitGroup
}

func NewWorker(queue Queue, graph *Graph, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		queue:   queue,
		graph:   graph,
		cfg:     cfg,
		limiter: policy.NewKeyed(cfg.RateLimit),
		logger:  logger.With().Str("component", "agent_worker").Logger(),
	}
}

func (w *Worker) Start(ctx context.Context) {
	ch := w.queue.Register(w.cfg.Topic)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.queue.Unregister(w.cfg.Topic)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				w.dispatch(ctx, ev)
			}
		}
	}()
}

// Wait blocks until the loop and every in-progress run have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) dispatch(ctx context.Context, ev domain.Event) {
	if ev.Kind == domain.EventSessionClosed {
		w.limiter.Forget(ev.SessionID)
		return
	}
	if ev.Kind != domain.EventStudentTurn || ev.Card == nil || ev.ReplyTo == "" {
		return
	}
	if !w.limiter.TryMark(ev.SessionID, w.cfg.Now()) {
		w.logger.Debug().Str("session_id", ev.SessionID).Msg("classifier run rate limited")
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.handle(ctx, ev)
	}()
}

func (w *Worker) handle(ctx context.Context, ev domain.Event) {
	ins := w.graph.Run(ctx, ev.SessionID, *ev.Card, ev.Transcript)
	guidance := Guidance(ins, w.cfg.MinConfidence)
	w.logger.Debug().
		Str("session_id", ev.SessionID).
		Int("findings", len(ins.Findings)).
		Bool("inject", guidance != "").
		Msg("classifiers finished")
	if guidance == "" {
		return
	}
	err := w.queue.Publish(domain.Event{
		Topic:     ev.ReplyTo,
		Kind:      domain.EventInject,
		SessionID: ev.SessionID,
		Message:   guidance,
		CreatedAt: w.cfg.Now().UTC(),
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("session_id", ev.SessionID).Msg("publish inject message")
	}
}
