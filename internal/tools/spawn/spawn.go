// Package spawn implements the "spawn" tool: a background subagent launcher
// that reports its result back to the agent loop once the task completes.
package spawn

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/haasonsaas/nexus/internal/agent"
)

// Callback runs a spawned task to completion and returns its result text.
// Implementations typically re-enter the agent loop with a fresh session
// derived from the task, then announce the result on (channel, chatID).
type Callback func(ctx context.Context, task, label, channel, chatID string) string

// Tool spawns a subagent to handle a task in the background. The origin
// context (channel/chat) and the callback are configured after
// construction and read under a short-lived lock: acquire, clone, release,
// then invoke — never invoke the callback while holding the lock, since it
// may re-enter the agent loop.
type Tool struct {
	mu       sync.Mutex
	callback Callback
	channel  string
	chatID   string
}

// New creates a spawn tool with no callback configured; SetCallback must be
// called before first use, typically once the agent loop wiring is ready.
func New() *Tool {
	return &Tool{channel: "cli", chatID: "direct"}
}

// SetCallback installs (or replaces) the spawn callback.
func (t *Tool) SetCallback(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = cb
}

// SetDefaultChannel records the origin channel/chat_id used to announce
// the subagent's eventual result. Called by the agent loop before each
// turn.
func (t *Tool) SetDefaultChannel(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if channel != "" {
		t.channel = channel
	}
	if chatID != "" {
		t.chatID = chatID
	}
}

func (t *Tool) Name() string { return "spawn" }

func (t *Tool) Description() string {
	return "Spawn a subagent to handle a task in the background. Use this for complex or " +
		"time-consuming tasks that can run independently. The subagent completes the task and " +
		"reports back when done."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the subagent to complete",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Optional short label for the task (for display)",
			},
		},
		"required": []string{"task"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Task  string `json:"task"`
		Label string `json:"label"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError("invalid parameters: " + err.Error()), nil
	}
	task := strings.TrimSpace(input.Task)
	if task == "" {
		return toolError("'task' parameter is required"), nil
	}

	t.mu.Lock()
	callback := t.callback
	channel := t.channel
	chatID := t.chatID
	t.mu.Unlock()

	if callback == nil {
		return toolError("spawn callback not configured"), nil
	}

	result := callback(ctx, task, strings.TrimSpace(input.Label), channel, chatID)
	return &agent.ToolResult{Content: result}, nil
}

func toolError(message string) *agent.ToolResult {
	if !strings.HasPrefix(message, "Error: ") {
		message = "Error: " + message
	}
	return &agent.ToolResult{Content: message, IsError: true}
}
