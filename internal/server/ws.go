// Package server exposes the orchestration service over WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/protocol"
)

// Sessions is the orchestration service as seen by a connection.
type Sessions interface {
	OpenSession(ctx context.Context, sessionID string, card *domain.Card, transcript []domain.TranscriptEntry) (string, <-chan domain.Event, error)
	AddTranscriptEntry(ctx context.Context, connID string, entry domain.TranscriptEntry) error
	SetCurrentCard(ctx context.Context, connID string, card domain.Card) error
	ForceEvaluation(ctx context.Context, connID string) error
	CloseSession(ctx context.Context, connID string)
}

type Config struct {
	InitTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	return c
}

type Handler struct {
	sessions Sessions
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

func NewHandler(sessions Sessions, cfg Config, logger zerolog.Logger) *Handler {
	cfg = cfg.withDefaults()
	h := &Handler{
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.originAllowed}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()
	h.serve(r.Context(), conn)
}

// Wait blocks until every connection handled so far has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.InitTimeout))
	messageType, first, err := conn.ReadMessage()
	if err != nil {
		h.logger.Debug().Err(err).Msg("no init frame")
		return
	}
	if messageType != websocket.TextMessage {
		h.reject(conn, "bad_request", "first frame must be init")
		return
	}
	init, err := protocol.DecodeClient(first)
	if err != nil {
		h.reject(conn, errorCode(err), err.Error())
		return
	}
	if init.Type != protocol.TypeInit {
		h.reject(conn, "bad_request", "first frame must be init")
		return
	}

	connID, events, err := h.sessions.OpenSession(ctx, init.SessionID, init.Card, init.Transcript)
	if err != nil {
		h.reject(conn, "session_failed", err.Error())
		return
	}
	defer h.sessions.CloseSession(context.WithoutCancel(ctx), connID)
	logger := h.logger.With().Str("session_id", init.SessionID).Str("conn_id", connID).Logger()

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	if err := conn.WriteJSON(protocol.ServerMessage{Type: protocol.TypeInitAck, SessionID: init.SessionID}); err != nil {
		logger.Debug().Err(err).Msg("write init_ack")
		return
	}

	replies := make(chan protocol.ServerMessage, 16)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, events, replies, done, logger)
	}()

	h.readLoop(ctx, conn, connID, replies, logger)
	close(done)
	<-writerDone
}

// readLoop maps inbound frames to service calls. Bad frames are answered with an error frame
// and the connection stays open.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, connID string, replies chan<- protocol.ServerMessage, logger zerolog.Logger) {
	reply := func(code, message string) {
		select {
		case replies <- protocol.ErrorMessage(code, message):
		default:
			logger.Warn().Str("code", code).Msg("dropping error frame, writer is behind")
		}
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		if messageType != websocket.TextMessage {
			reply("bad_request", "binary frames are not supported")
			continue
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			reply(errorCode(err), err.Error())
			continue
		}

		switch msg.Type {
		case protocol.TypeTranscript:
			err = h.sessions.AddTranscriptEntry(ctx, connID, *msg.Entry)
		case protocol.TypeCardChange:
			err = h.sessions.SetCurrentCard(ctx, connID, *msg.Card)
		case protocol.TypeForceEvaluation:
			err = h.sessions.ForceEvaluation(ctx, connID)
		case protocol.TypeInit:
			err = errors.New("session already initialized")
		}
		if err != nil {
			reply("bad_request", err.Error())
		}
	}
}

// writeLoop is the only writer after init_ack. It ends when the reader is done or the
// service closes the session's event channel, in which case it hangs up.
func (h *Handler) writeLoop(conn *websocket.Conn, events <-chan domain.Event, replies <-chan protocol.ServerMessage, done <-chan struct{}, logger zerolog.Logger) {
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			logger.Debug().Err(err).Msg("write frame")
			return false
		}
		return true
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(h.cfg.WriteTimeout))
				_ = conn.Close()
				return
			}
			frame, ok := EventFrame(ev)
			if !ok {
				continue
			}
			if !write(frame) {
				_ = conn.Close()
				return
			}
		case frame := <-replies:
			if !write(frame) {
				_ = conn.Close()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// EventFrame converts a bus event into the frame sent to the client.
func EventFrame(ev domain.Event) (protocol.ServerMessage, bool) {
	msg := protocol.ServerMessage{SessionID: ev.SessionID}
	if ev.Card != nil {
		msg.CardID = ev.Card.ID
	}
	switch ev.Kind {
	case domain.EventEvaluation:
		if ev.Evaluation == nil {
			return protocol.ServerMessage{}, false
		}
		msg.Type = protocol.TypeEvaluation
		msg.Evaluation = ev.Evaluation
	case domain.EventAdvanceCard:
		msg.Type = protocol.TypeAdvanceCard
		msg.Points = ev.Points
	case domain.EventInject:
		if strings.TrimSpace(ev.Message) == "" {
			return protocol.ServerMessage{}, false
		}
		msg.Type = protocol.TypeInjectMessage
		msg.Message = ev.Message
	case domain.EventError:
		code := ev.Code
		if code == "" {
			code = "error"
		}
		msg.Type = protocol.TypeError
		msg.Error = &protocol.ErrorBody{Code: code, Message: ev.Message}
	default:
		return protocol.ServerMessage{}, false
	}
	return msg, true
}

func (h *Handler) reject(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	_ = conn.WriteJSON(protocol.ErrorMessage(code, message))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(message)),
		time.Now().Add(2*time.Second))
}

// closeReason fits a message into the 123 bytes a close frame allows.
func closeReason(message string) string {
	if len(message) <= 120 {
		return message
	}
	cut := 0
	for i := range message {
		if i > 120 {
			break
		}
		cut = i
	}
	return message[:cut]
}

func errorCode(err error) string {
	var de *protocol.DecodeError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	return "bad_request"
}
