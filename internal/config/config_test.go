package config

import (
	"os"
	"testing"
)

func clearNexusEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		for _, prefix := range []string{"NEXUS_"} {
			if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
				key := e[:indexByte(e, '=')]
				old, had := os.LookupEnv(key)
				os.Unsetenv(key)
				if had {
					t.Cleanup(func() { os.Setenv(key, old) })
				}
			}
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return len(s)
}

func TestLoadRequiresLLMAPIKey(t *testing.T) {
	clearNexusEnv(t)
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when NEXUS_LLM_API_KEY is unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearNexusEnv(t)
	os.Setenv("NEXUS_LLM_API_KEY", "test-key")
	t.Cleanup(func() { os.Unsetenv("NEXUS_LLM_API_KEY") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace.AgentsFile != "AGENTS.md" {
		t.Errorf("AgentsFile = %q", cfg.Workspace.AgentsFile)
	}
	if cfg.LLM.Provider != "openrouter" {
		t.Errorf("Provider = %q", cfg.LLM.Provider)
	}
	if !cfg.Tools.Exec.WorkspaceRestricted {
		t.Error("expected WorkspaceRestricted to default true")
	}
}

func TestValidateRequiresChannelCredentials(t *testing.T) {
	clearNexusEnv(t)
	os.Setenv("NEXUS_LLM_API_KEY", "test-key")
	os.Setenv("NEXUS_TELEGRAM_ENABLED", "true")
	t.Cleanup(func() {
		os.Unsetenv("NEXUS_LLM_API_KEY")
		os.Unsetenv("NEXUS_TELEGRAM_ENABLED")
	})

	if _, err := Load(); err == nil {
		t.Fatal("expected error when Telegram is enabled without a bot token")
	}
}

func TestGetenvListSplitsAndTrims(t *testing.T) {
	got := getenvList("__NEXUS_TEST_LIST__", nil)
	if got != nil {
		t.Fatalf("expected nil default, got %v", got)
	}

	os.Setenv("__NEXUS_TEST_LIST__", " a , b,c ")
	t.Cleanup(func() { os.Unsetenv("__NEXUS_TEST_LIST__") })

	got = getenvList("__NEXUS_TEST_LIST__", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
