package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// InboundMessage identifies a single user utterance arriving on some
// channel. Immutable after construction.
type InboundMessage struct {
	Channel  string
	ChatID   string
	SenderID string
	Content  string
	Media    []string
	Metadata map[string]any
}

// OutboundMessage is produced by the agent loop and consumed by the
// channel manager. Immutable after construction.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}

// defaultMaxToolIterations bounds process_direct's tool-calling loop when
// DirectLoopConfig.MaxToolIterations is unset.
const defaultMaxToolIterations = 10

// maxIterationsMessage is returned verbatim when a turn exhausts its
// tool-calling budget without reaching a terminal response.
const maxIterationsMessage = "I've reached the maximum number of tool iterations for this turn without finishing. Please try rephrasing or breaking the task down."

// ChannelContextSetter is implemented by tools (message, spawn) whose
// behavior depends on the channel/chat_id the current turn arrived on.
// process_direct calls SetDefaultChannel before building the message list
// for each turn.
type ChannelContextSetter interface {
	SetDefaultChannel(channel, chatID string)
}

// sessionHistory is an ordered, per-session list of role-tagged records,
// guarded by its own mutex so a session has exclusive access to its
// history while a turn is in flight without blocking other sessions.
type sessionHistory struct {
	mu       sync.Mutex
	messages []CompletionMessage
}

// HistoryStore holds per-session message history in memory. There is no
// cross-restart persistence: a fresh process starts with empty history for
// every session, matching the in-memory, single-process scope of this
// agent loop.
type HistoryStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionHistory
}

// NewHistoryStore creates an empty in-memory history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{sessions: make(map[string]*sessionHistory)}
}

func (h *HistoryStore) get(sessionID string) *sessionHistory {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		sess = &sessionHistory{}
		h.sessions[sessionID] = sess
	}
	return sess
}

// Snapshot returns a copy of the session's current history.
func (h *HistoryStore) Snapshot(sessionID string) []CompletionMessage {
	sess := h.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]CompletionMessage, len(sess.messages))
	copy(out, sess.messages)
	return out
}

// DirectLoopConfig configures a DirectLoop.
type DirectLoopConfig struct {
	Model             string
	MaxToolIterations int
	MaxTokens         int
	Temperature       float64

	// ToolResultGuard sanitizes tool output (secret redaction, size caps)
	// before it is appended to conversation history or sent back to the
	// model. Zero value is inert (active() returns false).
	ToolResultGuard ToolResultGuard
}

// DirectLoop implements the synchronous agent loop (C6): it consumes
// InboundMessages from a shared bus, serializes turns per session, and
// drives the tool-calling loop described by process_direct. A self-
// loopback inbound channel lets tools such as spawn and the cron firing
// path inject synthetic turns without a real external channel. Tool calls
// within a single model turn run concurrently through an Executor so one
// slow tool does not stall the rest of the batch.
type DirectLoop struct {
	provider ChatProvider
	tools    *ToolRegistry
	exec     *Executor
	history  *HistoryStore
	builder  *ContextBuilder
	cfg      DirectLoopConfig

	inbound  chan *InboundMessage
	outbound chan *OutboundMessage

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDirectLoop wires a DirectLoop from its collaborators. inboundBufSize
// and outboundBufSize size the respective channel buffers; both channels
// are multi-producer / single-consumer per the ownership rules in the
// data model (channel adapters clone the inbound sender, the channel
// manager owns the outbound receiver).
func NewDirectLoop(provider ChatProvider, tools *ToolRegistry, builder *ContextBuilder, cfg DirectLoopConfig, inboundBufSize, outboundBufSize int) *DirectLoop {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = defaultMaxToolIterations
	}
	if inboundBufSize <= 0 {
		inboundBufSize = 64
	}
	if outboundBufSize <= 0 {
		outboundBufSize = 64
	}
	return &DirectLoop{
		provider: provider,
		tools:    tools,
		exec:     NewExecutor(tools, DefaultExecutorConfig()),
		history:  NewHistoryStore(),
		builder:  builder,
		cfg:      cfg,
		inbound:  make(chan *InboundMessage, inboundBufSize),
		outbound: make(chan *OutboundMessage, outboundBufSize),
		stopCh:   make(chan struct{}),
	}
}

// Inbound returns the send endpoint channel adapters clone to deliver
// InboundMessages onto the shared bus.
func (l *DirectLoop) Inbound() chan<- *InboundMessage { return l.inbound }

// Outbound returns the receive endpoint the channel manager consumes.
func (l *DirectLoop) Outbound() <-chan *OutboundMessage { return l.outbound }

// Loopback injects a synthetic InboundMessage as if it arrived on a real
// channel. Used by the spawn tool's callback and the cron firing path.
// Never blocks indefinitely: if the inbound buffer is full the message is
// dropped rather than stalling the caller.
func (l *DirectLoop) Loopback(msg *InboundMessage) bool {
	select {
	case l.inbound <- msg:
		return true
	default:
		return false
	}
}

// Stop requests run() to return once the inbound channel drains.
func (l *DirectLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Run consumes inbound messages until the inbound channel closes or Stop
// is called, delegating each one to process_direct. Turns for distinct
// sessions may run concurrently; SessionKey groups related inbound
// messages onto one session.
func (l *DirectLoop) Run(ctx context.Context, sessionKey func(*InboundMessage) string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case msg, ok := <-l.inbound:
			if !ok {
				return
			}
			sessionID := msg.Channel + ":" + msg.ChatID
			if sessionKey != nil {
				sessionID = sessionKey(msg)
			}
			go func(m *InboundMessage, sid string) {
				text := l.ProcessDirect(ctx, m.Content, sid, m.Channel, m.ChatID, m.Media)
				if text == "" {
					return
				}
				select {
				case l.outbound <- &OutboundMessage{Channel: m.Channel, ChatID: m.ChatID, Content: text}:
				case <-ctx.Done():
				}
			}(msg, sessionID)
		}
	}
}

// ProcessDirect implements process_direct: build the message list from
// history plus the current turn, run the bounded tool-calling loop against
// the provider and tool registry, and return the final assistant text.
func (l *DirectLoop) ProcessDirect(ctx context.Context, message, sessionID, channel, chatID string, media []string) string {
	sess := l.history.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	l.updateToolContexts(channel, chatID)

	messages := l.builder.BuildMessages(sess.messages, message, nil, media, channel, chatID)

	llmTools := l.tools.AsLLMTools()

	for iteration := 0; iteration < l.cfg.MaxToolIterations; iteration++ {
		resp := l.provider.Chat(ctx, messages, llmTools, l.cfg.Model, l.cfg.MaxTokens, l.cfg.Temperature)

		if len(resp.ToolCalls) == 0 {
			sess.messages = AddAssistantMessage(sess.messages, resp.Content, nil)
			return resp.Content
		}

		toolCalls := make([]models.ToolCall, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			input, err := json.Marshal(tc.Arguments)
			if err != nil {
				input = json.RawMessage("{}")
			}
			toolCalls = append(toolCalls, models.ToolCall{ID: tc.ID, Name: tc.Name, Input: input})
		}
		messages = AddAssistantMessage(messages, resp.Content, toolCalls)
		sess.messages = AddAssistantMessage(sess.messages, resp.Content, toolCalls)

		execResults := l.exec.ExecuteAll(ctx, toolCalls)
		byID := make(map[string]*ExecutionResult, len(execResults))
		for _, r := range execResults {
			byID[r.ToolCallID] = r
		}

		for _, tc := range resp.ToolCalls {
			r := byID[tc.ID]
			resultText := ""
			isError := false
			switch {
			case r == nil:
				resultText = "Error: tool returned no result"
				isError = true
			case r.Error != nil:
				resultText = fmt.Sprintf("Error: %v", r.Error)
				isError = true
			case r.Result != nil:
				resultText = r.Result.Content
				isError = r.Result.IsError
			default:
				resultText = "Error: tool returned no result"
				isError = true
			}
			if l.cfg.ToolResultGuard.active() {
				guarded := l.cfg.ToolResultGuard.Apply(tc.Name, models.ToolResult{ToolCallID: tc.ID, Content: resultText, IsError: isError}, nil)
				resultText = guarded.Content
			}
			messages = AddToolResult(messages, tc.ID, tc.Name, resultText)
			sess.messages = AddToolResult(sess.messages, tc.ID, tc.Name, resultText)
		}
	}

	sess.messages = AddAssistantMessage(sess.messages, maxIterationsMessage, nil)
	return maxIterationsMessage
}

// updateToolContexts tells the message and spawn tools the current turn's
// default channel/chat so their replies/announcements land in the right
// place without requiring the model to repeat it on every call.
func (l *DirectLoop) updateToolContexts(channel, chatID string) {
	for _, name := range []string{"message", "send_message", "spawn"} {
		tool, ok := l.tools.Get(name)
		if !ok {
			continue
		}
		if setter, ok := tool.(ChannelContextSetter); ok {
			setter.SetDefaultChannel(channel, chatID)
		}
	}
}
