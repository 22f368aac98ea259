package memorysearch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
)

type stubStore struct {
	entries []agent.MemorySearchEntry
}

func (s *stubStore) SearchableEntries() []agent.MemorySearchEntry { return s.entries }

func TestSearchRanksByMatchCountThenRecency(t *testing.T) {
	store := &stubStore{entries: []agent.MemorySearchEntry{
		{Name: "MEMORY.md", Content: "remembered the user likes coffee"},
		{Name: "2026-07-29.md", Content: "coffee coffee coffee with the team"},
		{Name: "2026-07-28.md", Content: "no relevant content here"},
	}}
	tool := NewTool(store)

	params, _ := json.Marshal(map[string]any{"query": "coffee"})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success: %s", result.Content)
	}

	var decoded struct {
		Results []struct {
			Source string `json:"source"`
			Count  int    `json:"match_count"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(result.Content), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Results) != 2 {
		t.Fatalf("expected 2 results, got %d: %s", len(decoded.Results), result.Content)
	}
	if decoded.Results[0].Source != "2026-07-29.md" {
		t.Errorf("expected highest match count first, got %q", decoded.Results[0].Source)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	tool := NewTool(&stubStore{})
	params, _ := json.Marshal(map[string]any{"query": ""})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error for empty query")
	}
}

func TestSearchRespectsMaxResults(t *testing.T) {
	store := &stubStore{entries: []agent.MemorySearchEntry{
		{Name: "a.md", Content: "apple"},
		{Name: "b.md", Content: "apple"},
		{Name: "c.md", Content: "apple"},
	}}
	tool := NewTool(store)
	params, _ := json.Marshal(map[string]any{"query": "apple", "max_results": 1})
	result, _ := tool.Execute(context.Background(), params)
	if strings.Count(result.Content, `"source"`) != 1 {
		t.Fatalf("expected exactly 1 result, got: %s", result.Content)
	}
}

func TestNilStoreErrors(t *testing.T) {
	tool := NewTool(nil)
	params, _ := json.Marshal(map[string]any{"query": "x"})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error for nil store")
	}
}
