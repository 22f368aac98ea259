// Package feishu implements the Feishu (Lark) channel adapter as an HTTP
// webhook receiver. Feishu's event-subscription contract requires an
// acknowledgement within a few seconds of delivery, independent of how long
// the agent turn takes, so the handler enqueues onto the inbound bus and
// returns immediately.
package feishu

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/pkg/models"
)

// webhookBody is the event-subscription envelope Feishu posts.
type webhookBody struct {
	Schema    string `json:"schema"`
	Challenge string `json:"challenge"`
	Type      string `json:"type"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID string `json:"message_id"`
			ChatID    string `json:"chat_id"`
			Content   string `json:"content"`
			CreateAt  string `json:"create_time"`
		} `json:"message"`
	} `json:"event"`
}

// messageContent is Feishu's nested JSON-encoded text envelope:
// message.content is itself a JSON string like {"text":"hello"}.
type messageContent struct {
	Text string `json:"text"`
}

// Adapter implements channels.FullAdapter as an HTTP webhook receiver.
type Adapter struct {
	*channels.BaseHealthAdapter

	cfg    *Config
	logger *slog.Logger

	messages chan *models.Message
	server   *http.Server
}

// New creates a Feishu webhook adapter. cfg must not be nil.
func New(cfg *Config, logger *slog.Logger) (*Adapter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.VerificationToken == "" {
		return nil, channels.ErrConfig("feishu: verification_token is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		BaseHealthAdapter: channels.NewBaseHealthAdapter(models.ChannelFeishu, logger),
		cfg:               cfg,
		logger:            logger,
		messages:          make(chan *models.Message, 64),
	}, nil
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelFeishu }

// Messages implements channels.InboundAdapter.
func (a *Adapter) Messages() <-chan *models.Message { return a.messages }

// Start binds the webhook HTTP server and serves in the background.
func (a *Adapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.handleWebhook)
	a.server = &http.Server{Addr: a.cfg.ListenAddr, Handler: mux}

	ln, err := newListener(a.cfg.ListenAddr)
	if err != nil {
		return channels.ErrConnection("feishu: bind webhook listener", err)
	}

	go func() {
		a.SetStatus(true, "")
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.SetStatus(false, err.Error())
			a.logger.Error("feishu webhook server stopped", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the webhook server.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	a.SetStatus(false, "")
	return a.server.Shutdown(ctx)
}

func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if !a.verifySignature(r, body) {
		a.logger.Warn("feishu: rejected request with invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt webhookBody
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	if evt.Type == "url_verification" {
		writeJSON(w, map[string]string{"challenge": evt.Challenge})
		return
	}

	// Acknowledge immediately, then dispatch asynchronously.
	writeJSON(w, map[string]any{})
	a.dispatch(evt)
}

func (a *Adapter) dispatch(evt webhookBody) {
	var content messageContent
	_ = json.Unmarshal([]byte(evt.Event.Message.Content), &content)

	senderID := evt.Event.Sender.SenderID.OpenID
	chatID := evt.Event.Message.ChatID

	msg := &models.Message{
		ID:        evt.Header.EventID,
		SessionID: "feishu:" + chatID,
		Channel:   models.ChannelFeishu,
		ChannelID: evt.Event.Message.MessageID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content.Text,
		CreatedAt: time.Now(),
		Metadata: map[string]any{
			"chat_id":   chatID,
			"sender_id": senderID,
			"event_id":  evt.Header.EventID,
		},
	}

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("feishu: inbound buffer full, dropping message", "chat_id", chatID)
	}
}

// verifySignature checks X-Lark-Signature against
// base64(sha256(timestamp + nonce + encrypt_key + body)).
func (a *Adapter) verifySignature(r *http.Request, body []byte) bool {
	signature := r.Header.Get("X-Lark-Signature")
	if signature == "" {
		return a.cfg.EncryptKey == ""
	}
	timestamp := r.Header.Get("X-Lark-Request-Timestamp")
	nonce := r.Header.Get("X-Lark-Request-Nonce")

	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(a.cfg.EncryptKey))
	h.Write(body)
	expected := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
