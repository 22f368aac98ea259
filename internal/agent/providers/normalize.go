package providers

import (
	"encoding/json"

	"github.com/haasonsaas/nexus/internal/agent"
)

// errorResponse builds the totality-preserving LLMResponse every Chat
// implementation returns on transport, parsing, or empty-response
// failures. FinishReason is always "error"; Content carries a short
// diagnostic for the conversation, never a raw stack trace.
func errorResponse(diagnostic string) *agent.LLMResponse {
	return &agent.LLMResponse{
		Content:      diagnostic,
		FinishReason: "error",
	}
}

// normalizeFinishReason maps provider-specific finish reason strings onto
// the spec's fixed vocabulary: "stop", "tool_calls", "length", "error".
// Anything unrecognized is treated as a normal stop rather than dropped.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return "tool_calls"
	case "length", "max_tokens":
		return "length"
	case "error":
		return "error"
	default:
		return "stop"
	}
}

// parseToolCallArguments decodes a tool call's JSON-string-encoded
// argument payload into a string-keyed map. If the payload fails to
// parse as a JSON object, the raw text is preserved under the "raw" key
// rather than dropped, so the LLM can see and correct its own mistake.
func parseToolCallArguments(id, name, rawArguments string) agent.ToolCallRequest {
	call := agent.ToolCallRequest{ID: id, Name: name}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(rawArguments), &parsed); err == nil {
		call.Arguments = parsed
		return call
	}
	call.Arguments = map[string]any{"raw": rawArguments}
	return call
}
