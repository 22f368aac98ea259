package providers

import "strings"

// ResolveBaseURL implements the provider base-URL-resolution heuristic:
// an explicit base always wins; otherwise the API key shape or model name
// picks a sensible OpenAI-compatible default. This is a deliberate
// compatibility heuristic, not a configuration mistake — a fuller rewrite
// would prefer an explicit provider enum, but the heuristic must be kept
// for operators who only set a model name and a key.
func ResolveBaseURL(explicitBase, apiKey, model string) string {
	if explicitBase != "" {
		return strings.TrimSuffix(explicitBase, "/")
	}

	lowerKey := strings.ToLower(apiKey)
	if strings.HasPrefix(lowerKey, "sk-or-") || strings.Contains(strings.ToLower(explicitBase), "openrouter") {
		return "https://openrouter.ai/api/v1"
	}

	lowerModel := strings.ToLower(model)
	switch {
	case strings.Contains(lowerModel, "deepseek"):
		return "https://api.deepseek.com"
	case strings.Contains(lowerModel, "groq"):
		return "https://api.groq.com/openai/v1"
	default:
		return "https://openrouter.ai/api/v1"
	}
}
