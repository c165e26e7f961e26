package llm

import "strings"

// LookupCapabilities returns the limits of well-known model families. Unknown
// models get a conservative default.
func LookupCapabilities(model string) ModelCapabilities {
	caps := ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

	lower := strings.ToLower(model)
	switch {
	// ── OpenAI ───────────────────────────────────────────────────────────────
	case strings.HasPrefix(lower, "gpt-4.1"):
		caps.ContextWindow, caps.MaxOutputTokens = 1_047_576, 32_768
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.ContextWindow, caps.MaxOutputTokens = 128_000, 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.ContextWindow, caps.MaxOutputTokens = 128_000, 4_096
	case strings.HasPrefix(lower, "gpt-4-32k"):
		caps.ContextWindow, caps.MaxOutputTokens = 32_768, 4_096
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow, caps.MaxOutputTokens = 8_192, 4_096
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow, caps.MaxOutputTokens = 16_385, 4_096
	case strings.HasPrefix(lower, "o1-mini"):
		caps.ContextWindow, caps.MaxOutputTokens = 128_000, 65_536
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		caps.ContextWindow, caps.MaxOutputTokens = 200_000, 100_000

	// ── Anthropic ────────────────────────────────────────────────────────────
	case strings.Contains(lower, "claude-3-opus"):
		caps.ContextWindow, caps.MaxOutputTokens = 200_000, 4_096
	case strings.Contains(lower, "claude"):
		caps.ContextWindow, caps.MaxOutputTokens = 200_000, 8_192

	// ── Google ───────────────────────────────────────────────────────────────
	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow, caps.MaxOutputTokens = 2_097_152, 8_192
	case strings.Contains(lower, "gemini"):
		caps.ContextWindow, caps.MaxOutputTokens = 1_048_576, 8_192

	// ── Local models ─────────────────────────────────────────────────────────
	case strings.Contains(lower, "llama3"), strings.Contains(lower, "llama-3"):
		caps.ContextWindow, caps.MaxOutputTokens = 8_192, 2_048
	case strings.Contains(lower, "mistral"), strings.Contains(lower, "mixtral"):
		caps.ContextWindow, caps.MaxOutputTokens = 32_768, 4_096
	}
	return caps
}
