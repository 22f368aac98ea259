package channels

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// ChatChannelID represents a supported chat channel.
// This type provides a unified identifier for all messaging platforms.
type ChatChannelID string

const (
	ChannelTelegram ChatChannelID = "telegram"
	ChannelWhatsApp ChatChannelID = "whatsapp"
	ChannelDiscord  ChatChannelID = "discord"
	ChannelSlack    ChatChannelID = "slack"
	ChannelFeishu   ChatChannelID = "feishu"
	ChannelWeb      ChatChannelID = "web"
	ChannelAPI      ChatChannelID = "api"
	ChannelCLI      ChatChannelID = "cli"
)

// ChatChannelOrder defines the preferred channel ordering for UI display.
// Channels are ordered by popularity and ease of setup.
var ChatChannelOrder = []ChatChannelID{
	ChannelTelegram,
	ChannelWhatsApp,
	ChannelDiscord,
	ChannelSlack,
	ChannelFeishu,
	ChannelWeb,
	ChannelAPI,
	ChannelCLI,
}

// DefaultChatChannel is the default channel for new configurations.
const DefaultChatChannel = ChannelWhatsApp

// ChannelMeta contains metadata for a channel.
// This provides display information and documentation links for each channel.
type ChannelMeta struct {
	ID             ChatChannelID // Unique identifier
	Label          string        // Display name
	SelectionLabel string        // Label for selection UI (includes connection method)
	DetailLabel    string        // Label for detail views
	DocsPath       string        // Documentation path (relative to docs site)
	DocsLabel      string        // Documentation link label
	Blurb          string        // Short description for setup guidance
	SystemImage    string        // SF Symbol name (macOS/iOS)
	Aliases        []string      // Alternative names for normalization
}

// chatChannelMeta stores metadata for each channel.
var chatChannelMeta = map[ChatChannelID]*ChannelMeta{
	ChannelTelegram: {
		ID:             ChannelTelegram,
		Label:          "Telegram",
		SelectionLabel: "Telegram (Bot API, long polling)",
		DetailLabel:    "Telegram Bot",
		DocsPath:       "/channels/telegram",
		DocsLabel:      "telegram",
		Blurb:          "simplest way to get started — register a bot with @BotFather",
		SystemImage:    "paperplane",
		Aliases:        []string{"tg"},
	},
	ChannelWhatsApp: {
		ID:             ChannelWhatsApp,
		Label:          "WhatsApp",
		SelectionLabel: "WhatsApp (bridge WebSocket)",
		DetailLabel:    "WhatsApp Bridge",
		DocsPath:       "/channels/whatsapp",
		DocsLabel:      "whatsapp",
		Blurb:          "connects to a locally running bridge process over WebSocket",
		SystemImage:    "message",
		Aliases:        []string{"wa"},
	},
	ChannelDiscord: {
		ID:             ChannelDiscord,
		Label:          "Discord",
		SelectionLabel: "Discord (Bot API)",
		DetailLabel:    "Discord Bot",
		DocsPath:       "/channels/discord",
		DocsLabel:      "discord",
		Blurb:          "very well supported with rich embeds and slash commands",
		SystemImage:    "bubble.left.and.bubble.right",
	},
	ChannelSlack: {
		ID:             ChannelSlack,
		Label:          "Slack",
		SelectionLabel: "Slack (Socket Mode)",
		DetailLabel:    "Slack Bot",
		DocsPath:       "/channels/slack",
		DocsLabel:      "slack",
		Blurb:          "supported via Socket Mode for real-time messaging",
		SystemImage:    "number",
	},
	ChannelFeishu: {
		ID:             ChannelFeishu,
		Label:          "Feishu",
		SelectionLabel: "Feishu (HTTP webhook)",
		DetailLabel:    "Feishu Bot",
		DocsPath:       "/channels/feishu",
		DocsLabel:      "feishu",
		Blurb:          "event-subscription webhook receiver for Feishu/Lark bots",
		SystemImage:    "envelope.badge",
		Aliases:        []string{"lark"},
	},
	ChannelWeb: {
		ID:             ChannelWeb,
		Label:          "Web",
		SelectionLabel: "Web (WebSocket)",
		DetailLabel:    "Web Chat",
		DocsPath:       "/channels/web",
		DocsLabel:      "web",
		Blurb:          "embeddable web chat widget",
		SystemImage:    "globe",
	},
	ChannelAPI: {
		ID:             ChannelAPI,
		Label:          "API",
		SelectionLabel: "API (direct call)",
		DetailLabel:    "API Client",
		DocsPath:       "/channels/api",
		DocsLabel:      "api",
		Blurb:          "programmatic access for tests and loopback turns",
		SystemImage:    "terminal",
	},
	ChannelCLI: {
		ID:             ChannelCLI,
		Label:          "CLI",
		SelectionLabel: "CLI (Terminal)",
		DetailLabel:    "Command Line",
		DocsPath:       "/channels/cli",
		DocsLabel:      "cli",
		Blurb:          "command-line interface for terminal users",
		SystemImage:    "apple.terminal",
	},
}

// chatChannelAliases maps aliases to canonical IDs.
var chatChannelAliases = map[string]ChatChannelID{
	"tg":   ChannelTelegram,
	"wa":   ChannelWhatsApp,
	"lark": ChannelFeishu,
}

// ChannelCapabilities defines feature support for a channel.
// This enables runtime feature detection for adaptive behavior.
type ChannelCapabilities struct {
	SupportsReactions   bool // Can add emoji reactions to messages
	SupportsTyping      bool // Can show typing indicators
	SupportsThreads     bool // Can organize messages into threads
	SupportsAttachments bool // Can send file attachments
	SupportsMentions    bool // Can mention users with @
	SupportsEditing     bool // Can edit sent messages
	SupportsDeleting    bool // Can delete sent messages
	SupportsRichText    bool // Can send formatted text (markdown, HTML)
	SupportsEmbeds      bool // Can send rich embeds/cards
	MaxMessageLength    int  // Maximum characters per message (0 = unlimited)
}

// channelCapabilities stores capabilities for each channel.
var channelCapabilities = map[ChatChannelID]*ChannelCapabilities{
	ChannelTelegram: {
		SupportsReactions: true, SupportsTyping: true, SupportsThreads: true,
		SupportsAttachments: true, SupportsMentions: true, SupportsEditing: true,
		SupportsDeleting: true, SupportsRichText: true, MaxMessageLength: 4096,
	},
	ChannelWhatsApp: {
		SupportsReactions: true, SupportsTyping: true, SupportsAttachments: true,
		SupportsMentions: true, SupportsEditing: true, SupportsDeleting: true,
		SupportsRichText: true, MaxMessageLength: 65536,
	},
	ChannelDiscord: {
		SupportsReactions: true, SupportsTyping: true, SupportsThreads: true,
		SupportsAttachments: true, SupportsMentions: true, SupportsEditing: true,
		SupportsDeleting: true, SupportsRichText: true, SupportsEmbeds: true,
		MaxMessageLength: 2000,
	},
	ChannelSlack: {
		SupportsReactions: true, SupportsTyping: true, SupportsThreads: true,
		SupportsAttachments: true, SupportsMentions: true, SupportsEditing: true,
		SupportsDeleting: true, SupportsRichText: true, SupportsEmbeds: true,
		MaxMessageLength: 40000,
	},
	ChannelFeishu: {
		SupportsReactions: false, SupportsTyping: false, SupportsThreads: true,
		SupportsAttachments: true, SupportsMentions: true, SupportsEditing: false,
		SupportsDeleting: false, SupportsRichText: true, MaxMessageLength: 30000,
	},
	ChannelWeb: {
		SupportsReactions: true, SupportsTyping: true, SupportsThreads: true,
		SupportsAttachments: true, SupportsEditing: true, SupportsDeleting: true,
		SupportsRichText: true, SupportsEmbeds: true,
	},
	ChannelAPI: {
		SupportsThreads: true, SupportsAttachments: true, SupportsRichText: true,
		SupportsEmbeds: true,
	},
	ChannelCLI: {
		SupportsTyping: true, SupportsRichText: true,
	},
}

// ListChatChannels returns all channels in preferred order.
func ListChatChannels() []*ChannelMeta {
	result := make([]*ChannelMeta, 0, len(ChatChannelOrder))
	for _, id := range ChatChannelOrder {
		if meta, ok := chatChannelMeta[id]; ok {
			result = append(result, meta)
		}
	}
	return result
}

// ListChatChannelAliases returns all registered aliases sorted alphabetically.
func ListChatChannelAliases() []string {
	aliases := make([]string, 0, len(chatChannelAliases))
	for alias := range chatChannelAliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// GetChatChannelMeta returns metadata for a channel.
// Returns nil if the channel is not found.
func GetChatChannelMeta(id ChatChannelID) *ChannelMeta {
	return chatChannelMeta[id]
}

// NormalizeChatChannelID normalizes a channel ID string to its canonical form.
// It handles aliases, case normalization, and whitespace trimming.
// Returns empty string if the input is not a valid channel ID or alias.
func NormalizeChatChannelID(raw string) ChatChannelID {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return ""
	}

	id := ChatChannelID(normalized)
	if _, ok := chatChannelMeta[id]; ok {
		return id
	}

	if canonical, ok := chatChannelAliases[normalized]; ok {
		return canonical
	}

	return ""
}

// IsValidChannelID checks if a channel ID is valid.
func IsValidChannelID(id ChatChannelID) bool {
	_, ok := chatChannelMeta[id]
	return ok
}

// FormatChannelPrimerLine formats a channel for display in a primer/overview.
// Example: "Telegram — simplest way to get started — register a bot with @BotFather"
func FormatChannelPrimerLine(meta *ChannelMeta) string {
	if meta == nil {
		return ""
	}
	if meta.Blurb == "" {
		return meta.Label
	}
	return fmt.Sprintf("%s — %s", meta.Label, meta.Blurb)
}

// FormatChannelSelectionLine formats a channel for selection UI with optional docs link.
// Example: "Telegram (Bot API) [docs: https://example.com/channels/telegram]"
func FormatChannelSelectionLine(meta *ChannelMeta, docsURL string) string {
	if meta == nil {
		return ""
	}
	if docsURL == "" || meta.DocsPath == "" {
		return meta.SelectionLabel
	}
	return fmt.Sprintf("%s [docs: %s%s]", meta.SelectionLabel, docsURL, meta.DocsPath)
}

// GetChannelCapabilities returns capabilities for a channel.
// Returns nil if the channel is not found.
func GetChannelCapabilities(id ChatChannelID) *ChannelCapabilities {
	return channelCapabilities[id]
}

// ToModelChannelType converts a ChatChannelID to the models.ChannelType.
// Returns empty string if no mapping exists.
func ToModelChannelType(id ChatChannelID) models.ChannelType {
	switch id {
	case ChannelTelegram:
		return models.ChannelTelegram
	case ChannelDiscord:
		return models.ChannelDiscord
	case ChannelSlack:
		return models.ChannelSlack
	case ChannelWhatsApp:
		return models.ChannelWhatsApp
	case ChannelFeishu:
		return models.ChannelFeishu
	case ChannelAPI:
		return models.ChannelAPI
	default:
		return ""
	}
}

// FromModelChannelType converts a models.ChannelType to ChatChannelID.
// Returns empty string if no mapping exists.
func FromModelChannelType(ct models.ChannelType) ChatChannelID {
	switch ct {
	case models.ChannelTelegram:
		return ChannelTelegram
	case models.ChannelDiscord:
		return ChannelDiscord
	case models.ChannelSlack:
		return ChannelSlack
	case models.ChannelWhatsApp:
		return ChannelWhatsApp
	case models.ChannelFeishu:
		return ChannelFeishu
	case models.ChannelAPI:
		return ChannelAPI
	default:
		return ""
	}
}

// GetAllChannelIDs returns all registered channel IDs.
func GetAllChannelIDs() []ChatChannelID {
	ids := make([]ChatChannelID, 0, len(chatChannelMeta))
	for id := range chatChannelMeta {
		ids = append(ids, id)
	}
	return ids
}

// GetChannelsWithCapability returns all channels that have a specific capability.
func GetChannelsWithCapability(check func(*ChannelCapabilities) bool) []*ChannelMeta {
	var result []*ChannelMeta
	for _, id := range ChatChannelOrder {
		caps := channelCapabilities[id]
		if caps != nil && check(caps) {
			if meta := chatChannelMeta[id]; meta != nil {
				result = append(result, meta)
			}
		}
	}
	return result
}

// GetChannelsWithReactions returns all channels that support reactions.
func GetChannelsWithReactions() []*ChannelMeta {
	return GetChannelsWithCapability(func(c *ChannelCapabilities) bool {
		return c.SupportsReactions
	})
}

// GetChannelsWithTyping returns all channels that support typing indicators.
func GetChannelsWithTyping() []*ChannelMeta {
	return GetChannelsWithCapability(func(c *ChannelCapabilities) bool {
		return c.SupportsTyping
	})
}

// GetChannelsWithThreads returns all channels that support threads.
func GetChannelsWithThreads() []*ChannelMeta {
	return GetChannelsWithCapability(func(c *ChannelCapabilities) bool {
		return c.SupportsThreads
	})
}

// GetChannelsWithAttachments returns all channels that support attachments.
func GetChannelsWithAttachments() []*ChannelMeta {
	return GetChannelsWithCapability(func(c *ChannelCapabilities) bool {
		return c.SupportsAttachments
	})
}

// GetChannelsWithEditing returns all channels that support message editing.
func GetChannelsWithEditing() []*ChannelMeta {
	return GetChannelsWithCapability(func(c *ChannelCapabilities) bool {
		return c.SupportsEditing
	})
}

// GetChannelsWithEmbeds returns all channels that support rich embeds.
func GetChannelsWithEmbeds() []*ChannelMeta {
	return GetChannelsWithCapability(func(c *ChannelCapabilities) bool {
		return c.SupportsEmbeds
	})
}
