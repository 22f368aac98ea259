package whatsapp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAdapterInboundMessage(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverConn := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn <- c
	}))
	defer ts.Close()

	a, err := New(&Config{BridgeURL: wsURL(ts), HandshakeTimeout: 2 * time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	var conn *websocket.Conn
	select {
	case conn = <-serverConn:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a connection")
	}

	frame := map[string]any{
		"type":      "message",
		"sender":    "15551234@s.whatsapp.net",
		"content":   "hello there",
		"id":        "abc123",
		"timestamp": 1700000000,
	}
	data, _ := json.Marshal(frame)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case msg := <-a.Messages():
		if msg.Content != "hello there" {
			t.Errorf("content = %q", msg.Content)
		}
		if msg.SessionID != "whatsapp:15551234" {
			t.Errorf("session id = %q, want whatsapp:15551234", msg.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived on bus")
	}
}

func TestAdapterVoiceMessagePlaceholder(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverConn := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := upgrader.Upgrade(w, r, nil)
		serverConn <- c
	}))
	defer ts.Close()

	a, _ := New(&Config{BridgeURL: wsURL(ts)}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop(context.Background())

	conn := <-serverConn
	data, _ := json.Marshal(map[string]any{"type": "message", "sender": "1@s.whatsapp.net", "content": voiceMessagePlaceholder})
	conn.WriteMessage(websocket.TextMessage, data)

	select {
	case msg := <-a.Messages():
		if msg.Content != voiceMessageReplacement {
			t.Errorf("content = %q, want placeholder replacement", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestAdapterAllowListFiltersByRawAndChatID(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverConn := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := upgrader.Upgrade(w, r, nil)
		serverConn <- c
	}))
	defer ts.Close()

	a, _ := New(&Config{BridgeURL: wsURL(ts), AllowFrom: []string{"123"}}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop(context.Background())

	conn := <-serverConn
	data, _ := json.Marshal(map[string]any{"type": "message", "sender": "999@s.whatsapp.net", "content": "nope"})
	conn.WriteMessage(websocket.TextMessage, data)

	select {
	case msg := <-a.Messages():
		t.Fatalf("expected message to be dropped, got %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestAdapterSendFailsFastWithoutConnection(t *testing.T) {
	a, _ := New(&Config{BridgeURL: "ws://127.0.0.1:1"}, discardLogger())
	err := a.Send(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error when no bridge connection is installed")
	}
}

func TestAdapterReconnectsAfterImmediateClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.Close()
	}))
	defer ts.Close()

	a, _ := New(&Config{BridgeURL: wsURL(ts), HandshakeTimeout: time.Second}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	time.Sleep(6 * time.Second)

	if attempts.Load() < 2 {
		t.Errorf("expected at least one reconnect attempt, got %d total dials", attempts.Load())
	}
	if !a.IsRunning() {
		t.Error("IsRunning() should remain true across reconnects")
	}
}
