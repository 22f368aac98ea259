package feishu

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func sign(encryptKey, timestamp, nonce string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func newTestAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()
	cfg := &Config{
		VerificationToken: "tok",
		EncryptKey:        "secret",
		ListenAddr:        "127.0.0.1:0",
		Path:              "/feishu/events",
	}
	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, cfg.Path
}

func TestHandleWebhookURLVerification(t *testing.T) {
	a, path := newTestAdapter(t)
	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	ts, nonce := "1700000000", "n1"
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("X-Lark-Signature", sign("secret", ts, nonce, body))
	req.Header.Set("X-Lark-Request-Timestamp", ts)
	req.Header.Set("X-Lark-Request-Nonce", nonce)

	w := httptest.NewRecorder()
	a.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["challenge"] != "abc123" {
		t.Errorf("challenge = %q", resp["challenge"])
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	a, path := newTestAdapter(t)
	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("X-Lark-Signature", "not-a-real-signature")
	req.Header.Set("X-Lark-Request-Timestamp", "1")
	req.Header.Set("X-Lark-Request-Nonce", "n")

	w := httptest.NewRecorder()
	a.handleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleWebhookDispatchesMessage(t *testing.T) {
	a, path := newTestAdapter(t)
	evt := webhookBody{}
	evt.Header.EventID = "evt1"
	evt.Event.Sender.SenderID.OpenID = "ou_abc"
	evt.Event.Message.MessageID = "om_1"
	evt.Event.Message.ChatID = "oc_1"
	evt.Event.Message.Content = `{"text":"hello from feishu"}`
	body, _ := json.Marshal(evt)

	ts, nonce := "1700000000", "n2"
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("X-Lark-Signature", sign("secret", ts, nonce, body))
	req.Header.Set("X-Lark-Request-Timestamp", ts)
	req.Header.Set("X-Lark-Request-Nonce", nonce)

	w := httptest.NewRecorder()
	a.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	select {
	case msg := <-a.Messages():
		if msg.Content != "hello from feishu" {
			t.Errorf("content = %q", msg.Content)
		}
		if msg.SessionID != "feishu:oc_1" {
			t.Errorf("session id = %q", msg.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestAdapterStartStop(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
