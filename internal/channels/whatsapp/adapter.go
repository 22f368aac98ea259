// Package whatsapp implements the WhatsApp channel adapter as a thin
// WebSocket client to an externally run bridge process. The bridge owns the
// actual WhatsApp multi-device session; this adapter only speaks the bridge's
// JSON text-frame protocol.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mdp/qrterminal/v3"

	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/pkg/models"
)

// inFrame is the envelope for every bridge -> core message. Fields are
// sparse depending on Type.
type inFrame struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	IsGroup   bool   `json:"isGroup,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// outFrame is the envelope for every core -> bridge message.
type outFrame struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Text string `json:"text"`
}

const voiceMessagePlaceholder = "[Voice Message]"
const voiceMessageReplacement = "[Voice Message: Transcription not available for WhatsApp yet]"

// Adapter implements channels.FullAdapter over a bridge WebSocket connection.
type Adapter struct {
	*channels.BaseHealthAdapter

	cfg    *Config
	logger *slog.Logger

	messages chan *models.Message

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sendMu sync.RWMutex
	sendCh chan outFrame // write path's inbox; nil when no connection is installed
}

// New creates a WhatsApp bridge adapter. cfg must not be nil.
func New(cfg *Config, logger *slog.Logger) (*Adapter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BridgeURL == "" {
		return nil, channels.ErrConfig("whatsapp: bridge_url is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		BaseHealthAdapter: channels.NewBaseHealthAdapter(models.ChannelWhatsApp, logger),
		cfg:               cfg,
		logger:            logger,
		messages:          make(chan *models.Message, 64),
	}, nil
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelWhatsApp }

// Messages implements channels.InboundAdapter.
func (a *Adapter) Messages() <-chan *models.Message { return a.messages }

// IsRunning reports whether Start has been called without a matching Stop,
// independent of the current connection state.
func (a *Adapter) IsRunning() bool { return a.running.Load() }

// Start launches the auto-reconnecting bridge connection loop in the
// background and returns immediately.
func (a *Adapter) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		rec := &channels.Reconnector{
			Config: channels.ReconnectConfig{
				MaxAttempts:  -1, // retry indefinitely until Stop cancels runCtx
				InitialDelay: 2 * time.Second,
				MaxDelay:     30 * time.Second,
				Factor:       2,
				Jitter:       true,
			},
			Logger: a.logger,
			Health: a.BaseHealthAdapter,
		}
		_ = rec.Run(runCtx, a.connectOnce)
	}()
	return nil
}

// Stop tears down the connection loop and waits for it to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.running.Swap(false) {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements channels.OutboundAdapter. Fails fast if no bridge
// connection is currently installed.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	a.sendMu.RLock()
	ch := a.sendCh
	a.sendMu.RUnlock()
	if ch == nil {
		return channels.ErrConnection("whatsapp: bridge not connected", nil)
	}
	to := msg.Metadata["chat_id"]
	toStr, _ := to.(string)
	if toStr == "" {
		toStr = msg.SessionID
	}
	frame := outFrame{Type: "send", To: toStr, Text: msg.Content}
	timeout := a.cfg.SendTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return channels.ErrTimeout("whatsapp: send timed out waiting for write path", nil)
	}
}

// connectOnce dials the bridge, splits the connection into an independent
// read path and write path linked by the adapter's send channel (the write
// path is the sole owner of the socket's write side), and blocks until the
// connection drops. It always returns a non-nil error on return so the
// caller's reconnect loop keeps retrying until Stop cancels the context.
func (a *Adapter) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("whatsapp: dial bridge: %w", err)
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbox := make(chan outFrame, 32)
	a.sendMu.Lock()
	a.sendCh = outbox
	a.sendMu.Unlock()
	defer func() {
		a.sendMu.Lock()
		a.sendCh = nil
		a.sendMu.Unlock()
	}()

	a.SetStatus(true, "")
	a.logger.Info("whatsapp bridge connected", "url", a.cfg.BridgeURL)

	var writeWg sync.WaitGroup
	writeWg.Add(1)
	go func() {
		defer writeWg.Done()
		a.writeLoop(connCtx, conn, outbox)
	}()

	err = a.readLoop(connCtx, conn)
	cancel()
	writeWg.Wait()

	a.SetStatus(false, errString(err))
	if err == nil {
		err = errors.New("whatsapp: bridge connection closed")
	}
	return err
}

func (a *Adapter) writeLoop(ctx context.Context, conn *websocket.Conn, outbox <-chan outFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-outbox:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				a.logger.Error("whatsapp: encode outbound frame", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				a.logger.Error("whatsapp: write frame", "error", err)
				return
			}
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		a.handleFrame(data)
	}
}

func (a *Adapter) handleFrame(data []byte) {
	var f inFrame
	if err := json.Unmarshal(data, &f); err != nil {
		a.logger.Warn("whatsapp: malformed bridge frame", "error", err)
		return
	}
	switch f.Type {
	case "message":
		a.handleMessage(f)
	case "status":
		a.logger.Info("whatsapp bridge status", "status", f.Status)
		a.UpdateLastPing()
	case "qr":
		a.handleQR(f)
	case "error":
		a.logger.Error("whatsapp bridge error", "error", f.Error)
	default:
		a.logger.Debug("whatsapp: unknown frame type", "type", f.Type)
	}
}

func (a *Adapter) handleQR(f inFrame) {
	if f.Code == "" {
		a.logger.Info("whatsapp bridge requests QR scan; check bridge logs for the code")
		return
	}
	qrterminal.GenerateHalfBlock(f.Code, qrterminal.L, logWriter{a.logger})
}

// logWriter adapts slog to an io.Writer so qrterminal can render directly
// into the adapter's log stream.
type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Info(string(p))
	return len(p), nil
}

func (a *Adapter) handleMessage(f inFrame) {
	chatID := strings.SplitN(f.Sender, "@", 2)[0]
	if len(a.cfg.AllowFrom) > 0 && !allowed(a.cfg.AllowFrom, f.Sender, chatID) {
		a.logger.Debug("whatsapp: dropping message from disallowed sender", "sender", f.Sender)
		return
	}

	content := f.Content
	if content == voiceMessagePlaceholder {
		content = voiceMessageReplacement
	}

	ts := time.Now()
	if f.Timestamp > 0 {
		ts = time.Unix(f.Timestamp, 0)
	}

	msg := &models.Message{
		ID:        f.ID,
		SessionID: "whatsapp:" + chatID,
		Channel:   models.ChannelWhatsApp,
		ChannelID: f.ID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: ts,
		Metadata: map[string]any{
			"chat_id":    chatID,
			"sender_id":  f.Sender,
			"message_id": f.ID,
			"timestamp":  f.Timestamp,
			"is_group":   f.IsGroup,
		},
	}

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("whatsapp: inbound buffer full, dropping message", "chat_id", chatID)
	}
}

func allowed(list []string, sender, chatID string) bool {
	for _, entry := range list {
		if entry == sender || entry == chatID {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
