// Package memorysearch implements the memory_search tool: case-insensitive
// substring matching over the workspace's memory files (MEMORY.md and the
// dated daily notes agent.MemoryStore manages), ranked by match count and
// recency. This is deliberately simpler than the teacher's vector/TF-IDF/
// embeddings search — SPEC_FULL.md's memory model is plain files, not a
// vector store, so there is nothing for an embedder to index.
package memorysearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

const (
	defaultMaxResults    = 5
	defaultMaxSnippetLen = 200
)

// memoryEntries is satisfied by *agent.MemoryStore; narrowed to an
// interface so tests can supply a stub.
type memoryEntries interface {
	SearchableEntries() []agent.MemorySearchEntry
}

// Tool implements the memory_search tool over a MemoryStore.
type Tool struct {
	store         memoryEntries
	maxResults    int
	maxSnippetLen int
}

// NewTool creates a memory search tool over store. store is typically an
// *agent.MemoryStore.
func NewTool(store memoryEntries) *Tool {
	return &Tool{store: store, maxResults: defaultMaxResults, maxSnippetLen: defaultMaxSnippetLen}
}

func (t *Tool) Name() string { return "memory_search" }

func (t *Tool) Description() string {
	return "Searches local memory files (MEMORY.md and dated memory logs) for a query, ranked by relevance and recency."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search query"},
    "max_results": {"type": "integer", "description": "Max results to return"}
  },
  "required": ["query"]
}`)
}

// match is one scored hit against a single memory entry.
type match struct {
	Source  string `json:"source"`
	Count   int    `json:"match_count"`
	Snippet string `json:"snippet"`
	rank    int
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.store == nil {
		return toolError("memory store unavailable"), nil
	}

	var input struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return toolError("query is required"), nil
	}
	limit := input.MaxResults
	if limit <= 0 {
		limit = t.maxResults
	}

	entries := t.store.SearchableEntries()
	lowerQuery := strings.ToLower(query)

	var matches []match
	for rank, entry := range entries {
		lowerContent := strings.ToLower(entry.Content)
		count := strings.Count(lowerContent, lowerQuery)
		if count == 0 {
			continue
		}
		matches = append(matches, match{
			Source:  entry.Name,
			Count:   count,
			Snippet: t.snippet(entry.Content, lowerContent, lowerQuery),
			rank:    rank,
		})
	}

	// Sort by match count descending, then by recency (lower rank = more
	// recent, since SearchableEntries returns MEMORY.md then newest-first).
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && less(matches[j], matches[j-1]); j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}

	payload, err := json.MarshalIndent(map[string]any{
		"query":   query,
		"results": matches,
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

func less(a, b match) bool {
	if a.Count != b.Count {
		return a.Count > b.Count
	}
	return a.rank < b.rank
}

func (t *Tool) snippet(original, lowerContent, lowerQuery string) string {
	idx := strings.Index(lowerContent, lowerQuery)
	if idx < 0 {
		return ""
	}
	start := idx - t.maxSnippetLen/2
	if start < 0 {
		start = 0
	}
	end := start + t.maxSnippetLen
	if end > len(original) {
		end = len(original)
	}
	snippet := strings.TrimSpace(original[start:end])
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(original) {
		snippet = snippet + "…"
	}
	return snippet
}

func toolError(message string) *agent.ToolResult {
	if !strings.HasPrefix(message, "Error: ") {
		message = "Error: " + message
	}
	return &agent.ToolResult{Content: message, IsError: true}
}
