package agent

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/skills"
	"github.com/haasonsaas/nexus/pkg/models"
)

// bootstrapFileOrder is the fixed order bootstrap files are concatenated in,
// matching the order a human would read a freshly bootstrapped workspace.
var bootstrapFileOrder = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
}

// ContextBuilder assembles the system prompt and per-turn message list from
// workspace bootstrap files, the memory store, and the skill manager. It
// never errors: missing files and unreadable media are silently skipped.
type ContextBuilder struct {
	workspaceRoot string
	memory        *MemoryStore
	skillsMgr     *skills.Manager
	assistantName string
}

// NewContextBuilder creates a context builder rooted at workspaceRoot.
// skillsMgr may be nil (no skill sections are emitted in that case).
func NewContextBuilder(workspaceRoot string, memory *MemoryStore, skillsMgr *skills.Manager, assistantName string) *ContextBuilder {
	if assistantName == "" {
		assistantName = "nexus"
	}
	return &ContextBuilder{
		workspaceRoot: workspaceRoot,
		memory:        memory,
		skillsMgr:     skillsMgr,
		assistantName: assistantName,
	}
}

// SystemPrompt assembles the system prompt: Identity, Bootstrap files,
// Memory, Active skills, Skills summary, Requested skills, each section
// separated by "\n\n---\n\n" and omitted if empty. skillNames, when
// non-nil, names skills to load in full for this turn regardless of
// their availability gating.
func (b *ContextBuilder) SystemPrompt(skillNames []string) string {
	var sections []string

	sections = append(sections, b.identitySection())

	if bootstrap := b.bootstrapSection(); bootstrap != "" {
		sections = append(sections, bootstrap)
	}
	if memory := b.memorySection(); memory != "" {
		sections = append(sections, memory)
	}
	if b.skillsMgr != nil {
		if active := b.activeSkillsSection(); active != "" {
			sections = append(sections, active)
		}
		if summary := b.skillsSummarySection(); summary != "" {
			sections = append(sections, summary)
		}
		if requested := b.requestedSkillsSection(skillNames); requested != "" {
			sections = append(sections, requested)
		}
	}

	return strings.Join(sections, "\n\n---\n\n")
}

func (b *ContextBuilder) identitySection() string {
	now := time.Now()
	return fmt.Sprintf(
		"You are %s, a personal assistant gateway running in a persistent workspace at %s.\n"+
			"Current time: %s.\n\n"+
			"You can read and write files in the workspace, run shell commands, fetch and search "+
			"the web, manage scheduled jobs, and send messages on configured channels. You reply "+
			"with plain text for ordinary conversation; only invoke the message tool when you "+
			"need to push content onto an external channel outside the current reply.",
		b.assistantName, b.workspaceRoot, now.Format("2006-01-02 15:04 (Monday)"),
	)
}

func (b *ContextBuilder) bootstrapSection() string {
	var parts []string
	for _, name := range bootstrapFileOrder {
		content := readFileOrEmpty(filepath.Join(b.workspaceRoot, name))
		content = strings.TrimRight(content, "\n")
		if content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, content))
	}
	return strings.Join(parts, "\n\n")
}

func (b *ContextBuilder) memorySection() string {
	if b.memory == nil {
		return ""
	}
	longTerm, today := b.memory.GetMemoryContext()
	var parts []string
	if strings.TrimSpace(longTerm) != "" {
		parts = append(parts, fmt.Sprintf("## Long-term Memory\n\n%s", strings.TrimRight(longTerm, "\n")))
	}
	if strings.TrimSpace(today) != "" {
		parts = append(parts, fmt.Sprintf("## Today's Notes\n\n%s", strings.TrimRight(today, "\n")))
	}
	return strings.Join(parts, "\n\n")
}

func (b *ContextBuilder) activeSkillsSection() string {
	var bodies []string
	for _, entry := range b.skillsMgr.ListAll() {
		if entry.Metadata == nil || !entry.Metadata.Always {
			continue
		}
		content, err := b.skillsMgr.LoadContent(entry.Name)
		if err != nil || strings.TrimSpace(content) == "" {
			continue
		}
		bodies = append(bodies, content)
	}
	return strings.Join(bodies, "\n\n")
}

func (b *ContextBuilder) skillsSummarySection() string {
	all := b.skillsMgr.ListAll()
	if len(all) == 0 {
		return ""
	}
	eligible := make(map[string]bool)
	for _, entry := range b.skillsMgr.ListEligible() {
		eligible[entry.Name] = true
	}
	sorted := make([]*skills.SkillEntry, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var lines []string
	for _, entry := range sorted {
		availability := "unavailable"
		if eligible[entry.Name] {
			availability = "available"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s (%s)", entry.Name, entry.Description, availability))
	}
	lines = append(lines, "Use the read_file tool to fetch a skill's full SKILL.md when you need its details.")
	return "## Skills\n\n" + strings.Join(lines, "\n")
}

func (b *ContextBuilder) requestedSkillsSection(skillNames []string) string {
	if len(skillNames) == 0 {
		return ""
	}
	var bodies []string
	for _, name := range skillNames {
		content, err := b.skillsMgr.LoadContent(name)
		if err != nil || strings.TrimSpace(content) == "" {
			continue
		}
		bodies = append(bodies, content)
	}
	return strings.Join(bodies, "\n\n")
}

// sessionAppendix renders the per-turn "## Current Session" block, or ""
// if channel or chat_id is unknown.
func sessionAppendix(channel, chatID string) string {
	if channel == "" || chatID == "" {
		return ""
	}
	return fmt.Sprintf("## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
}

// BuildMessages returns system_prompt + history + user(currentMessage, media).
// The user record's content is either a plain string, or, when media
// contains readable image files, an ordered sequence of content parts:
// one image_url part per readable image followed by a single text part.
func (b *ContextBuilder) BuildMessages(history []CompletionMessage, currentMessage string, skillNames []string, media []string, channel, chatID string) []CompletionMessage {
	system := b.SystemPrompt(skillNames)
	if appendix := sessionAppendix(channel, chatID); appendix != "" {
		system = system + "\n\n---\n\n" + appendix
	}

	messages := make([]CompletionMessage, 0, len(history)+2)
	messages = append(messages, CompletionMessage{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, userMessage(currentMessage, media))
	return messages
}

func userMessage(text string, media []string) CompletionMessage {
	var attachments []models.Attachment
	for _, path := range media {
		ext := strings.ToLower(filepath.Ext(path))
		mime, ok := imageExtensions[ext]
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		attachments = append(attachments, models.Attachment{
			Type:     "image",
			MimeType: mime,
			URL:      fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)),
			Filename: filepath.Base(path),
		})
	}
	return CompletionMessage{Role: "user", Content: text, Attachments: attachments}
}

// AddToolResult appends a tool-result record to a running message list.
// toolName matches the signature of spec's tool record (tool_call_id,
// name, content) but every provider here resolves a result back to its
// call by tool_call_id alone, so it is accepted and not threaded further.
func AddToolResult(list []CompletionMessage, toolCallID, toolName, result string) []CompletionMessage {
	return append(list, CompletionMessage{
		Role:    "tool",
		Content: result,
		ToolResults: []models.ToolResult{{
			ToolCallID: toolCallID,
			Content:    result,
		}},
	})
}

// AddAssistantMessage appends an assistant record to a running message
// list, carrying text content, tool calls, or both.
func AddAssistantMessage(list []CompletionMessage, content string, toolCalls []models.ToolCall) []CompletionMessage {
	return append(list, CompletionMessage{Role: "assistant", Content: content, ToolCalls: toolCalls})
}
