package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastery_cards/internal/domain"
	"mastery_cards/internal/protocol"
)

// echoServer acks init and then answers every transcript frame with an inject_message
// carrying the entry text.
func echoServer(t *testing.T, ack bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var init protocol.ClientMessage
		if err := conn.ReadJSON(&init); err != nil {
			return
		}
		if !ack {
			time.Sleep(500 * time.Millisecond)
			return
		}
		_ = conn.WriteJSON(protocol.ServerMessage{Type: protocol.TypeInitAck, SessionID: init.SessionID})
		for {
			var msg protocol.ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == protocol.TypeTranscript {
				_ = conn.WriteJSON(protocol.ServerMessage{Type: protocol.TypeInjectMessage, Message: msg.Entry.Text})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDialAndExchange(t *testing.T) {
	srv := echoServer(t, true)
	frames := make(chan protocol.ServerMessage, 1)
	closed := make(chan error, 1)
	c, err := Dial(context.Background(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, protocol.Init("s1", nil, nil), Handler{
		OnMessage: func(msg protocol.ServerMessage) { frames <- msg },
		OnClose:   func(err error) { closed <- err },
	})
	require.NoError(t, err)

	require.NoError(t, c.SendTranscript(domain.TranscriptEntry{Role: domain.RoleStudent, Text: "hello", IsFinal: true}))
	select {
	case msg := <-frames:
		assert.Equal(t, protocol.TypeInjectMessage, msg.Type)
		assert.Equal(t, "hello", msg.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after Close")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}
	assert.ErrorIs(t, c.SendForceEvaluation(), ErrClosed)
}

func TestDialTimesOutWithoutAck(t *testing.T) {
	srv := echoServer(t, false)
	start := time.Now()
	_, err := Dial(context.Background(), Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ConnectTimeout: 100 * time.Millisecond,
	}, protocol.Init("s1", nil, nil), Handler{})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestDialRejectsEmptyURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{}, protocol.Init("s1", nil, nil), Handler{})
	assert.Error(t, err)
}

func TestCloseFromMessageHandler(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var init protocol.ClientMessage
		if err := conn.ReadJSON(&init); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.ServerMessage{Type: protocol.TypeInitAck, SessionID: init.SessionID})
		_ = conn.WriteJSON(protocol.ServerMessage{Type: protocol.TypeInjectMessage, Message: "slow down"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	var c *Client
	ready := make(chan struct{})
	returned := make(chan error, 1)
	c, err := Dial(context.Background(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, protocol.Init("s1", nil, nil), Handler{
		OnMessage: func(protocol.ServerMessage) {
			<-ready
			returned <- c.Close()
		},
	})
	require.NoError(t, err)
	close(ready)

	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close from handler did not return")
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	assert.ErrorIs(t, c.SendTranscript(domain.TranscriptEntry{Role: domain.RoleStudent, Text: "hi", IsFinal: true}), ErrClosed)
}
