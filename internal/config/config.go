// Package config loads Nexus's runtime configuration from the environment.
// There is no file format and no CLI flag parsing (both are out of scope);
// every setting is read from an NEXUS_-prefixed environment variable with a
// sensible default, following the same trimmed os.Getenv idiom the teacher
// used for its own env overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete runtime configuration for a Nexus process.
type Config struct {
	Workspace WorkspaceConfig
	Identity  IdentityConfig
	User      UserConfig
	LLM       LLMConfig
	Tools     ToolsConfig
	Cron      CronConfig
	Channels  ChannelsConfig
}

// WorkspaceConfig locates the bootstrap-file workspace on disk.
type WorkspaceConfig struct {
	Path         string
	AgentsFile   string
	SoulFile     string
	UserFile     string
	IdentityFile string
	ToolsFile    string
	MemoryFile   string
}

// IdentityConfig names the agent persona injected into the system prompt.
type IdentityConfig struct {
	Name     string
	Creature string
	Vibe     string
	Emoji    string
}

// UserConfig carries operator-facing profile details for the system prompt.
type UserConfig struct {
	Name             string
	PreferredAddress string
	Pronouns         string
	Timezone         string
}

// LLMConfig selects and authenticates the chat completion provider.
type LLMConfig struct {
	Provider     string
	APIKey       string
	DefaultModel string
	BaseURL      string
	MaxTokens    int
	Temperature  float64
}

// ToolsConfig configures the exec safety guard and ancillary tool providers.
type ToolsConfig struct {
	Exec             ExecConfig
	BraveSearchAPIKey string
}

// ExecConfig controls the three-layer exec safety guard (deny-list,
// optional allow-list, workspace-restriction mode) and subprocess timeout.
type ExecConfig struct {
	Timeout             time.Duration
	DenyPatterns        []string
	AllowPatterns       []string
	WorkspaceRestricted bool
}

// CronConfig locates the cron job store on disk.
type CronConfig struct {
	DataDir string
}

// ChannelsConfig carries per-channel credentials for the five in-scope
// channel adapters.
type ChannelsConfig struct {
	WhatsApp WhatsAppChannelConfig
	Telegram TelegramChannelConfig
	Discord  DiscordChannelConfig
	Slack    SlackChannelConfig
	Feishu   FeishuChannelConfig
}

type WhatsAppChannelConfig struct {
	Enabled   bool
	BridgeURL string
	AllowFrom []string
}

type TelegramChannelConfig struct {
	Enabled  bool
	BotToken string
}

type DiscordChannelConfig struct {
	Enabled  bool
	BotToken string
}

type SlackChannelConfig struct {
	Enabled  bool
	BotToken string
}

type FeishuChannelConfig struct {
	Enabled           bool
	AppID             string
	AppSecret         string
	VerificationToken string
	EncryptKey        string
	ListenAddr        string
	Path              string
}

// Load builds a Config from the process environment and validates it.
// It returns a descriptive error rather than panicking when required
// settings (the LLM API key) are missing.
func Load() (*Config, error) {
	cfg := &Config{
		Workspace: WorkspaceConfig{
			Path:         getenv("NEXUS_WORKSPACE_PATH", "."),
			AgentsFile:   getenv("NEXUS_WORKSPACE_AGENTS_FILE", "AGENTS.md"),
			SoulFile:     getenv("NEXUS_WORKSPACE_SOUL_FILE", "SOUL.md"),
			UserFile:     getenv("NEXUS_WORKSPACE_USER_FILE", "USER.md"),
			IdentityFile: getenv("NEXUS_WORKSPACE_IDENTITY_FILE", "IDENTITY.md"),
			ToolsFile:    getenv("NEXUS_WORKSPACE_TOOLS_FILE", "TOOLS.md"),
			MemoryFile:   getenv("NEXUS_WORKSPACE_MEMORY_FILE", "MEMORY.md"),
		},
		Identity: IdentityConfig{
			Name:     getenv("NEXUS_IDENTITY_NAME", "nexus"),
			Creature: getenv("NEXUS_IDENTITY_CREATURE", ""),
			Vibe:     getenv("NEXUS_IDENTITY_VIBE", ""),
			Emoji:    getenv("NEXUS_IDENTITY_EMOJI", ""),
		},
		User: UserConfig{
			Name:             getenv("NEXUS_USER_NAME", ""),
			PreferredAddress: getenv("NEXUS_USER_PREFERRED_ADDRESS", ""),
			Pronouns:         getenv("NEXUS_USER_PRONOUNS", ""),
			Timezone:         getenv("NEXUS_USER_TIMEZONE", "UTC"),
		},
		LLM: LLMConfig{
			Provider:     getenv("NEXUS_LLM_PROVIDER", "openrouter"),
			APIKey:       getenv("NEXUS_LLM_API_KEY", ""),
			DefaultModel: getenv("NEXUS_LLM_MODEL", "anthropic/claude-3.5-sonnet"),
			BaseURL:      getenv("NEXUS_LLM_BASE_URL", ""),
			MaxTokens:    getenvInt("NEXUS_LLM_MAX_TOKENS", 4096),
			Temperature:  getenvFloat("NEXUS_LLM_TEMPERATURE", 0.7),
		},
		Tools: ToolsConfig{
			Exec: ExecConfig{
				Timeout:             getenvDuration("NEXUS_EXEC_TIMEOUT", 30*time.Second),
				DenyPatterns:        getenvList("NEXUS_EXEC_DENY_PATTERNS", nil),
				AllowPatterns:       getenvList("NEXUS_EXEC_ALLOW_PATTERNS", nil),
				WorkspaceRestricted: getenvBool("NEXUS_EXEC_WORKSPACE_RESTRICTED", true),
			},
			BraveSearchAPIKey: getenv("NEXUS_BRAVE_SEARCH_API_KEY", ""),
		},
		Cron: CronConfig{
			DataDir: getenv("NEXUS_CRON_DATA_DIR", "."),
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppChannelConfig{
				Enabled:   getenvBool("NEXUS_WHATSAPP_ENABLED", false),
				BridgeURL: getenv("NEXUS_WHATSAPP_BRIDGE_URL", "ws://localhost:8765"),
				AllowFrom: getenvList("NEXUS_WHATSAPP_ALLOW_FROM", nil),
			},
			Telegram: TelegramChannelConfig{
				Enabled:  getenvBool("NEXUS_TELEGRAM_ENABLED", false),
				BotToken: getenv("NEXUS_TELEGRAM_BOT_TOKEN", ""),
			},
			Discord: DiscordChannelConfig{
				Enabled:  getenvBool("NEXUS_DISCORD_ENABLED", false),
				BotToken: getenv("NEXUS_DISCORD_BOT_TOKEN", ""),
			},
			Slack: SlackChannelConfig{
				Enabled:  getenvBool("NEXUS_SLACK_ENABLED", false),
				BotToken: getenv("NEXUS_SLACK_BOT_TOKEN", ""),
			},
			Feishu: FeishuChannelConfig{
				Enabled:           getenvBool("NEXUS_FEISHU_ENABLED", false),
				AppID:             getenv("NEXUS_FEISHU_APP_ID", ""),
				AppSecret:         getenv("NEXUS_FEISHU_APP_SECRET", ""),
				VerificationToken: getenv("NEXUS_FEISHU_VERIFICATION_TOKEN", ""),
				EncryptKey:        getenv("NEXUS_FEISHU_ENCRYPT_KEY", ""),
				ListenAddr:        getenv("NEXUS_FEISHU_LISTEN_ADDR", ":8766"),
				Path:              getenv("NEXUS_FEISHU_PATH", "/feishu/events"),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and per-channel credential completeness.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: NEXUS_LLM_API_KEY is required")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("config: NEXUS_TELEGRAM_BOT_TOKEN is required when Telegram is enabled")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.BotToken == "" {
		return fmt.Errorf("config: NEXUS_DISCORD_BOT_TOKEN is required when Discord is enabled")
	}
	if c.Channels.Slack.Enabled && c.Channels.Slack.BotToken == "" {
		return fmt.Errorf("config: NEXUS_SLACK_BOT_TOKEN is required when Slack is enabled")
	}
	if c.Channels.Feishu.Enabled && c.Channels.Feishu.VerificationToken == "" {
		return fmt.Errorf("config: NEXUS_FEISHU_VERIFICATION_TOKEN is required when Feishu is enabled")
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
