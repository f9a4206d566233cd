// Package remote is the WebSocket connection to a server-hosted orchestrator.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/protocol"
)

const (
	defaultConnectTimeout = 5 * time.Second
	writeTimeout          = 5 * time.Second
)

var (
	ErrRefused = errors.New("orchestration server refused session")
	ErrClosed  = errors.New("orchestration connection is closed")
)

type Config struct {
	URL            string
	Header         http.Header
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// Handler receives inbound frames and the close notification. OnClose is called exactly once,
// from the read goroutine, with nil when the socket closed normally. OnMessage may call Close.
type Handler struct {
	OnMessage func(msg protocol.ServerMessage)
	OnClose   func(err error)
}

type Client struct {
	conn    *websocket.Conn
	handler Handler
	logger  zerolog.Logger

	writeMu     sync.Mutex
	closed      atomic.Bool
	dispatching atomic.Bool
	done        chan struct{}
}

// Dial opens the socket, sends init and waits for init_ack, all within the connect timeout.
// An error frame in place of init_ack is reported as ErrRefused.
func Dial(ctx context.Context, cfg Config, init protocol.ClientMessage, h Handler) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("empty orchestration server url")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(dialCtx, url, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	deadline, _ := dialCtx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(init); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send init: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(deadline)
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read init_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first frame type %d", messageType)
	}
	first, err := protocol.DecodeServer(payload)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode init_ack: %w", err)
	}
	switch first.Type {
	case protocol.TypeInitAck:
	case protocol.TypeError:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrRefused, first.Error.Code, first.Error.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("expected init_ack, got %s", first.Type)
	}

	c := &Client{
		conn:    conn,
		handler: h,
		logger:  cfg.Logger.With().Str("component", "remote").Str("session_id", init.SessionID).Logger(),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) SendTranscript(entry domain.TranscriptEntry) error {
	return c.sendJSON(protocol.Transcript(entry))
}

func (c *Client) SendCardChange(card domain.Card) error {
	return c.sendJSON(protocol.CardChange(card))
}

func (c *Client) SendForceEvaluation() error {
	return c.sendJSON(protocol.ForceEvaluation())
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) sendJSON(v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Close sends a close frame and waits for the read loop to exit. While OnMessage is running,
// Close returns without waiting and the loop exits once the handler returns.
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
	if c.dispatching.Load() {
		return nil
	}
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	var closeErr error
	defer func() {
		c.closed.Store(true)
		_ = c.conn.Close()
		close(c.done)
		if c.handler.OnClose != nil {
			c.handler.OnClose(closeErr)
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			closeErr = err
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable server frame")
			continue
		}
		if c.handler.OnMessage != nil {
			c.dispatching.Store(true)
			c.handler.OnMessage(msg)
			c.dispatching.Store(false)
		}
	}
}
