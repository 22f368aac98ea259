// Package cronctl exposes the cron service's add_job/list_jobs/remove_job/
// enable_job operations to the LLM as a single multiplexed tool, the way
// internal/tools/message exposes the channel registry's Send operation.
package cronctl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/cron"
)

// Tool multiplexes cron_add/cron_list/cron_remove/cron_enable onto the
// shared cron.Service.
type Tool struct {
	service *cron.Service
}

// NewTool creates a cron control tool bound to service.
func NewTool(service *cron.Service) *Tool {
	return &Tool{service: service}
}

func (t *Tool) Name() string { return "cron" }

func (t *Tool) Description() string {
	return "Manage scheduled agent turns: add, list, remove, or enable/disable cron jobs."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Operation to perform.",
				"enum":        []string{"add", "list", "remove", "enable"},
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Human-readable job name (add).",
			},
			"schedule_kind": map[string]interface{}{
				"type":        "string",
				"description": "Schedule shape (add): \"at\", \"every\", or \"cron\".",
				"enum":        []string{"at", "every", "cron"},
			},
			"at_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Unix millis to fire once, when schedule_kind is \"at\".",
			},
			"interval_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Fire interval in milliseconds, when schedule_kind is \"every\".",
			},
			"cron_expr": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression, when schedule_kind is \"cron\".",
			},
			"tz": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone for cron_expr (add, schedule_kind \"cron\").",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to deliver to the agent loop on fire (add).",
			},
			"deliver": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether to also deliver the turn's reply to a channel (add).",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Channel to deliver the reply to, when deliver is true (add).",
			},
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient peer/chat id, when deliver is true (add).",
			},
			"delete_after_run": map[string]interface{}{
				"type":        "boolean",
				"description": "Remove the job automatically after it fires once (add).",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job id (remove, enable).",
			},
			"enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "New enabled state (enable).",
			},
			"include_disabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Include disabled jobs in the listing (list).",
			},
		},
		"required": []string{"action"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.service == nil {
		return toolError("cron service unavailable"), nil
	}

	var input struct {
		Action          string `json:"action"`
		Name            string `json:"name"`
		ScheduleKind    string `json:"schedule_kind"`
		AtMs            int64  `json:"at_ms"`
		IntervalMs      int64  `json:"interval_ms"`
		CronExpr        string `json:"cron_expr"`
		Tz              string `json:"tz"`
		Message         string `json:"message"`
		Deliver         bool   `json:"deliver"`
		Channel         string `json:"channel"`
		To              string `json:"to"`
		DeleteAfterRun  bool   `json:"delete_after_run"`
		ID              string `json:"id"`
		Enabled         bool   `json:"enabled"`
		IncludeDisabled bool   `json:"include_disabled"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "add":
		if strings.TrimSpace(input.Message) == "" {
			return toolError("message is required"), nil
		}
		sched := cron.Schedule{
			Kind:       cron.ScheduleKind(input.ScheduleKind),
			AtMs:       input.AtMs,
			IntervalMs: input.IntervalMs,
			Expr:       input.CronExpr,
			Tz:         input.Tz,
		}
		job, err := t.service.AddJob(input.Name, sched, input.Message, input.Deliver, input.Channel, input.To, input.DeleteAfterRun)
		if err != nil {
			return toolError(cron.FormatScheduleError(err)), nil
		}
		return jsonResult(job)

	case "list":
		jobs := t.service.ListJobs(input.IncludeDisabled)
		return jsonResult(jobs)

	case "remove":
		if strings.TrimSpace(input.ID) == "" {
			return toolError("id is required"), nil
		}
		if !t.service.RemoveJob(input.ID) {
			return toolError(fmt.Sprintf("job %s not found", input.ID)), nil
		}
		return jsonResult(map[string]any{"status": "removed", "id": input.ID})

	case "enable":
		if strings.TrimSpace(input.ID) == "" {
			return toolError("id is required"), nil
		}
		job, err := t.service.EnableJob(input.ID, input.Enabled)
		if err != nil {
			return toolError(fmt.Sprintf("job %s not found", input.ID)), nil
		}
		return jsonResult(job)

	default:
		return toolError(fmt.Sprintf("unsupported action %q", input.Action)), nil
	}
}

func jsonResult(v any) (*agent.ToolResult, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

func toolError(message string) *agent.ToolResult {
	if !strings.HasPrefix(message, "Error: ") {
		message = "Error: " + message
	}
	return &agent.ToolResult{Content: message, IsError: true}
}
