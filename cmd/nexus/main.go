// Package main provides the CLI entry point for the Nexus multi-channel AI
// agent. Nexus connects messaging platforms (WhatsApp, Telegram, Discord,
// Slack, Feishu) to an LLM provider with a tool-calling agent loop,
// workspace-backed memory, and a file-persisted cron scheduler.
//
// # Basic usage
//
//	nexus serve
//
// # Environment variables
//
// Configuration is entirely environment-driven (NEXUS_-prefixed); see
// internal/config for the full list. At minimum NEXUS_LLM_API_KEY must be
// set, and each channel requires its own credential when enabled
// (NEXUS_TELEGRAM_BOT_TOKEN, NEXUS_DISCORD_BOT_TOKEN, NEXUS_SLACK_BOT_TOKEN,
// NEXUS_FEISHU_VERIFICATION_TOKEN, NEXUS_WHATSAPP_BRIDGE_URL).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/internal/channels/discord"
	"github.com/haasonsaas/nexus/internal/channels/feishu"
	"github.com/haasonsaas/nexus/internal/channels/slack"
	"github.com/haasonsaas/nexus/internal/channels/telegram"
	"github.com/haasonsaas/nexus/internal/channels/whatsapp"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/cron"
	"github.com/haasonsaas/nexus/internal/execguard"
	"github.com/haasonsaas/nexus/internal/metrics"
	"github.com/haasonsaas/nexus/internal/tools/cronctl"
	"github.com/haasonsaas/nexus/internal/tools/exec"
	"github.com/haasonsaas/nexus/internal/tools/memorysearch"
	"github.com/haasonsaas/nexus/internal/tools/message"
	"github.com/haasonsaas/nexus/internal/tools/spawn"
	"github.com/haasonsaas/nexus/internal/tools/websearch"
	"github.com/haasonsaas/nexus/internal/workspace"
	"github.com/haasonsaas/nexus/pkg/models"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "nexus",
		Short:        "Nexus - multi-channel AI agent",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent loop and all enabled channel adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := workspace.LoadWorkspace(workspace.LoaderConfigFromConfig(cfg)); err != nil {
		return fmt.Errorf("load workspace: %w", err)
	}

	memoryStore := agent.NewMemoryStore(cfg.Workspace.Path)
	builder := agent.NewContextBuilder(cfg.Workspace.Path, memoryStore, nil, cfg.Identity.Name)

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	metricsRegistry := metrics.New(nil)

	tools := agent.NewToolRegistry()
	guard := execguard.New(cfg.Tools.Exec.DenyPatterns, cfg.Tools.Exec.AllowPatterns, cfg.Tools.Exec.WorkspaceRestricted)
	execManager := exec.NewManager(cfg.Workspace.Path, guard)
	tools.Register(exec.NewExecTool("exec", execManager))
	tools.Register(exec.NewProcessTool(execManager))
	tools.Register(memorysearch.NewTool(memoryStore))
	if cfg.Tools.BraveSearchAPIKey != "" {
		tools.Register(websearch.NewWebSearchTool(&websearch.Config{
			BraveAPIKey:        cfg.Tools.BraveSearchAPIKey,
			DefaultBackend:     websearch.BackendBraveSearch,
			DefaultResultCount: 5,
		}))
	}

	spawnTool := spawn.New()
	tools.Register(spawnTool)

	registry := channels.NewRegistry()
	registerChannels(ctx, registry, cfg, logger)
	tools.Register(message.NewTool("message", registry, nil, "main"))

	loop := agent.NewDirectLoop(provider, tools, builder, agent.DirectLoopConfig{
		Model:             cfg.LLM.DefaultModel,
		MaxToolIterations: 10,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
	}, 128, 128)

	spawnTool.SetCallback(func(ctx context.Context, task, label, channel, chatID string) string {
		sessionID := "spawn:" + label
		return loop.ProcessDirect(ctx, task, sessionID, channel, chatID, nil)
	})

	cronPath := cron.DefaultStorePath(cfg.Cron.DataDir)
	cronService, err := cron.NewService(cronPath, nil, logger)
	if err != nil {
		return fmt.Errorf("init cron service: %w", err)
	}
	cronService.SetFireFunc(func(ctx context.Context, job *cron.CronJob) (string, string) {
		metricsRegistry.CronFired("ok")
		reply := loop.ProcessDirect(ctx, job.Payload.Message, "cron:"+job.ID, job.Payload.Channel, job.Payload.To, nil)
		if job.Payload.Deliver && reply != "" {
			loop.Loopback(&agent.InboundMessage{Channel: job.Payload.Channel, ChatID: job.Payload.To})
		}
		return cron.StatusOK, ""
	})
	tools.Register(cronctl.NewTool(cronService))
	cronService.Start(ctx)
	defer cronService.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go loop.Run(runCtx, nil)
	go forwardInbound(runCtx, registry, loop, metricsRegistry)
	go forwardOutbound(runCtx, registry, loop, logger)

	if err := registry.StartAll(runCtx); err != nil {
		logger.Error("one or more channels failed to start", "error", err)
	}

	logger.Info("nexus serve: running", "channels", len(registry.All()))

	sigCtx, stop := signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("nexus serve: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	registry.StopAll(shutdownCtx)
	return nil
}

func buildProvider(cfg config.LLMConfig) (agent.ChatProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.DefaultModel,
		})
	default:
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			AppName:      "nexus",
		})
	}
}

// registerChannels constructs and registers every enabled channel adapter.
// Adapters are not started here; Start is deferred to startChannels so the
// inbound/outbound forwarding goroutines are already running first.
func registerChannels(ctx context.Context, registry *channels.Registry, cfg *config.Config, logger *slog.Logger) {
	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{Token: cfg.Channels.Telegram.BotToken})
		if err != nil {
			logger.Error("telegram: failed to construct adapter", "error", err)
		} else {
			registry.Register(adapter)
		}
	}
	if cfg.Channels.Discord.Enabled {
		if adapter := discord.NewAdapterSimple(cfg.Channels.Discord.BotToken); adapter != nil {
			registry.Register(adapter)
		}
	}
	if cfg.Channels.Slack.Enabled {
		registry.Register(slack.NewAdapter(slack.Config{BotToken: cfg.Channels.Slack.BotToken}))
	}
	if cfg.Channels.WhatsApp.Enabled {
		adapter, err := whatsapp.New(&whatsapp.Config{
			BridgeURL: cfg.Channels.WhatsApp.BridgeURL,
			AllowFrom: cfg.Channels.WhatsApp.AllowFrom,
		}, logger)
		if err != nil {
			logger.Error("whatsapp: failed to construct adapter", "error", err)
		} else {
			registry.Register(adapter)
		}
	}
	if cfg.Channels.Feishu.Enabled {
		adapter, err := feishu.New(&feishu.Config{
			AppID:             cfg.Channels.Feishu.AppID,
			AppSecret:         cfg.Channels.Feishu.AppSecret,
			VerificationToken: cfg.Channels.Feishu.VerificationToken,
			EncryptKey:        cfg.Channels.Feishu.EncryptKey,
			ListenAddr:        cfg.Channels.Feishu.ListenAddr,
			Path:              cfg.Channels.Feishu.Path,
		}, logger)
		if err != nil {
			logger.Error("feishu: failed to construct adapter", "error", err)
		} else {
			registry.Register(adapter)
		}
	}
}

// forwardInbound fans every registered adapter's inbound messages into the
// agent loop's shared bus, recording a turn-started metric per message.
func forwardInbound(ctx context.Context, registry *channels.Registry, loop *agent.DirectLoop, m *metrics.Metrics) {
	for msg := range registry.AggregateMessages(ctx) {
		m.TurnStarted(string(msg.Channel))
		inbound := &agent.InboundMessage{
			Channel:  string(msg.Channel),
			ChatID:   chatIDFromMessage(msg),
			SenderID: senderIDFromMessage(msg),
			Content:  msg.Content,
			Metadata: msg.Metadata,
		}
		select {
		case loop.Inbound() <- inbound:
		case <-ctx.Done():
			return
		}
	}
}

// chatIDFromMessage recovers the chat/channel identifier each adapter needs
// for a reply, matching the metadata key (or SessionID prefix) that
// adapter's own Send path expects.
func chatIDFromMessage(msg *models.Message) string {
	if msg.Metadata != nil {
		for _, key := range []string{"chat_id", "slack_channel", "discord_channel_id"} {
			if v, ok := msg.Metadata[key]; ok {
				if s := fmt.Sprint(v); s != "" {
					return s
				}
			}
		}
	}
	if msg.SessionID != "" {
		if idx := strings.Index(msg.SessionID, ":"); idx >= 0 {
			return msg.SessionID[idx+1:]
		}
	}
	return msg.ChannelID
}

func senderIDFromMessage(msg *models.Message) string {
	if msg.Metadata != nil {
		for _, key := range []string{"sender_id", "user_id", "discord_user_id", "slack_user_id"} {
			if v, ok := msg.Metadata[key]; ok {
				if s := fmt.Sprint(v); s != "" {
					return s
				}
			}
		}
	}
	return msg.ChannelID
}

// forwardOutbound delivers the agent loop's replies back through the
// channel registry's outbound adapters.
func forwardOutbound(ctx context.Context, registry *channels.Registry, loop *agent.DirectLoop, logger *slog.Logger) {
	for {
		select {
		case out, ok := <-loop.Outbound():
			if !ok {
				return
			}
			adapter, ok := registry.GetOutbound(models.ChannelType(out.Channel))
			if !ok {
				logger.Warn("no outbound adapter for channel", "channel", out.Channel)
				continue
			}
			msg := &models.Message{
				Channel:   models.ChannelType(out.Channel),
				ChannelID: out.ChatID,
				SessionID: out.Channel + ":" + out.ChatID,
				Direction: models.DirectionOutbound,
				Role:      models.RoleAssistant,
				Content:   out.Content,
				Metadata: map[string]any{
					"chat_id":            out.ChatID,
					"slack_channel":      out.ChatID,
					"discord_channel_id": out.ChatID,
				},
				CreatedAt: time.Now(),
			}
			if err := adapter.Send(ctx, msg); err != nil {
				logger.Error("failed to deliver outbound message", "channel", out.Channel, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
