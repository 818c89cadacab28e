// Package bots classifies user-agent strings against a curated taxonomy
// of LLM crawlers. The table is static; matching is a case-insensitive
// substring scan where the longest matching pattern wins, so that
// "Claude-SearchBot" is never shadowed by a shorter "Claude" entry.
package bots

import "strings"

// Category of bot traffic.
type Category string

const (
	CategoryTraining     Category = "training"
	CategoryUserRequest  Category = "user_request"
	CategorySearchEngine Category = "search_engine"
)

// Bot is one taxonomy entry.
type Bot struct {
	Name     string
	Provider string
	Category Category
	// Pattern matched case-insensitively against the user agent.
	Pattern string
}

// Taxonomy is the curated table of known LLM bots.
var Taxonomy = []Bot{
	{Name: "GPTBot", Provider: "OpenAI", Category: CategoryTraining, Pattern: "gptbot"},
	{Name: "ChatGPT-User", Provider: "OpenAI", Category: CategoryUserRequest, Pattern: "chatgpt-user"},
	{Name: "OAI-SearchBot", Provider: "OpenAI", Category: CategoryUserRequest, Pattern: "oai-searchbot"},
	{Name: "ClaudeBot", Provider: "Anthropic", Category: CategoryTraining, Pattern: "claudebot"},
	{Name: "Claude-User", Provider: "Anthropic", Category: CategoryUserRequest, Pattern: "claude-user"},
	{Name: "Claude-SearchBot", Provider: "Anthropic", Category: CategoryUserRequest, Pattern: "claude-searchbot"},
	{Name: "Google-Extended", Provider: "Google", Category: CategoryTraining, Pattern: "google-extended"},
	{Name: "PerplexityBot", Provider: "Perplexity", Category: CategoryUserRequest, Pattern: "perplexitybot"},
	{Name: "Applebot-Extended", Provider: "Apple", Category: CategoryTraining, Pattern: "applebot-extended"},
	{Name: "bingbot", Provider: "Microsoft", Category: CategorySearchEngine, Pattern: "bingbot"},
}

// Classify returns the taxonomy entry matching the user agent, or
// ok=false when no pattern matches. An unmatched agent is not an error.
func Classify(userAgent string) (Bot, bool) {
	ua := strings.ToLower(userAgent)
	var best Bot
	bestLen := 0
	for _, b := range Taxonomy {
		if strings.Contains(ua, b.Pattern) && len(b.Pattern) > bestLen {
			best = b
			bestLen = len(b.Pattern)
		}
	}
	return best, bestLen > 0
}

// IsTrainingBot reports whether the user agent belongs to a
// training-data crawler.
func IsTrainingBot(userAgent string) bool {
	b, ok := Classify(userAgent)
	return ok && b.Category == CategoryTraining
}

// IsUserRequestBot reports whether the user agent belongs to a
// user-request (query fan-out) fetcher.
func IsUserRequestBot(userAgent string) bool {
	b, ok := Classify(userAgent)
	return ok && b.Category == CategoryUserRequest
}

// ByCategory returns all taxonomy entries in the given category.
func ByCategory(c Category) []Bot {
	var out []Bot
	for _, b := range Taxonomy {
		if b.Category == c {
			out = append(out, b)
		}
	}
	return out
}

// ByProvider returns all taxonomy entries for the given provider.
func ByProvider(provider string) []Bot {
	var out []Bot
	for _, b := range Taxonomy {
		if b.Provider == provider {
			out = append(out, b)
		}
	}
	return out
}
