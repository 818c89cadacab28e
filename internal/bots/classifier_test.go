package bots

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		ua       string
		name     string
		provider string
		category Category
	}{
		{"Mozilla/5.0 AppleWebKit/537.36 (compatible; GPTBot/1.2)", "GPTBot", "OpenAI", CategoryTraining},
		{"Mozilla/5.0 (compatible; ChatGPT-User/1.0; +https://openai.com/bot)", "ChatGPT-User", "OpenAI", CategoryUserRequest},
		{"Mozilla/5.0 (compatible; OAI-SearchBot/1.0)", "OAI-SearchBot", "OpenAI", CategoryUserRequest},
		{"Mozilla/5.0 (compatible; ClaudeBot/1.0; +claudebot@anthropic.com)", "ClaudeBot", "Anthropic", CategoryTraining},
		{"Mozilla/5.0 (compatible; Claude-User/1.0)", "Claude-User", "Anthropic", CategoryUserRequest},
		{"Mozilla/5.0 (compatible; Claude-SearchBot/1.0)", "Claude-SearchBot", "Anthropic", CategoryUserRequest},
		{"Google-Extended", "Google-Extended", "Google", CategoryTraining},
		{"Mozilla/5.0 (compatible; PerplexityBot/1.0; +https://perplexity.ai/perplexitybot)", "PerplexityBot", "Perplexity", CategoryUserRequest},
		{"Mozilla/5.0 (compatible; Applebot-Extended/1.0)", "Applebot-Extended", "Apple", CategoryTraining},
		{"Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)", "bingbot", "Microsoft", CategorySearchEngine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot, ok := Classify(tt.ua)
			require.True(t, ok)
			assert.Equal(t, tt.name, bot.Name)
			assert.Equal(t, tt.provider, bot.Provider)
			assert.Equal(t, tt.category, bot.Category)
		})
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	bot, ok := Classify("GPTBOT")
	require.True(t, ok)
	assert.Equal(t, "GPTBot", bot.Name)
}

func TestClassifyLongestMatchWins(t *testing.T) {
	// "claude-searchbot" also contains no shorter taxonomy pattern, but
	// a UA carrying two patterns must resolve to the longer one.
	bot, ok := Classify("claude-user claude-searchbot")
	require.True(t, ok)
	assert.Equal(t, "Claude-SearchBot", bot.Name)
}

func TestClassifyUnknownAgent(t *testing.T) {
	_, ok := Classify("Mozilla/5.0 (Windows NT 10.0) Chrome/125.0")
	assert.False(t, ok)

	_, ok = Classify("")
	assert.False(t, ok)
}

func TestClassifyDeterministic(t *testing.T) {
	ua := "Mozilla/5.0 (compatible; PerplexityBot/1.0)"
	first, ok := Classify(ua)
	require.True(t, ok)
	for i := 0; i < 100; i++ {
		got, ok := Classify(ua)
		require.True(t, ok)
		assert.Equal(t, first, got)
	}
}

func TestCategoryHelpers(t *testing.T) {
	assert.True(t, IsTrainingBot("GPTBot/1.0"))
	assert.False(t, IsTrainingBot("ChatGPT-User/1.0"))
	assert.True(t, IsUserRequestBot("ChatGPT-User/1.0"))
	assert.False(t, IsUserRequestBot("bingbot/2.0"))
}

func TestByCategoryAndProvider(t *testing.T) {
	training := ByCategory(CategoryTraining)
	assert.Len(t, training, 4)

	openai := ByProvider("OpenAI")
	assert.Len(t, openai, 3)

	assert.Empty(t, ByProvider("Nobody"))
}
