package pricing

import (
	"testing"

	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDefault(t *testing.T) *Table {
	t.Helper()
	table, err := LoadDefault()
	require.NoError(t, err)
	return table
}

func TestLookupByModelAndAlias(t *testing.T) {
	table := loadDefault(t)

	e, ok := table.Lookup("anthropic", "claude-3-5-sonnet-20241022")
	require.True(t, ok)
	assert.Equal(t, 3.00, e.InputPerMTok)
	assert.Equal(t, 15.00, e.OutputPerMTok)

	alias, ok := table.Lookup("anthropic", "claude-3-5-sonnet")
	require.True(t, ok)
	assert.Same(t, e, alias)

	_, ok = table.Lookup("anthropic", "gpt-4o")
	assert.False(t, ok)
}

func TestCost(t *testing.T) {
	table := loadDefault(t)
	e, _ := table.Lookup("anthropic", "claude-3-5-sonnet")

	usage := types.TokenUsage{InputTokens: 1_000_000, OutputTokens: 100_000}
	usage.Normalize()
	assert.InDelta(t, 3.00+1.50, e.Cost(usage), 1e-9)

	// Cached input bills at the cached rate.
	cached := types.TokenUsage{CachedInputTokens: 1_000_000}
	assert.InDelta(t, 0.30, e.Cost(cached), 1e-9)
}

func TestEstimateBrackets(t *testing.T) {
	table := loadDefault(t)
	e, _ := table.Lookup("openai", "gpt-4o")

	est := e.Estimate(10_000, 4096)
	assert.Less(t, est.Min, est.Expected)
	assert.Less(t, est.Expected, est.Max)
	assert.Greater(t, est.Min, 0.0)
}

func TestCheaperAlternative(t *testing.T) {
	table := loadDefault(t)

	alt, ok := table.CheaperAlternative("anthropic", "claude-3-5-sonnet")
	require.True(t, ok)
	assert.Equal(t, "claude-3-5-haiku-20241022", alt.Model,
		"haiku is the next-cheaper claude, not a different family")

	// Opus downgrades to sonnet (closest cheaper), not straight to haiku.
	alt, ok = table.CheaperAlternative("anthropic", "opus")
	require.True(t, ok)
	assert.Equal(t, "claude-3-5-sonnet-20241022", alt.Model)

	// The cheapest model has no alternative.
	_, ok = table.CheaperAlternative("anthropic", "claude-3-5-haiku")
	assert.False(t, ok)
}

func TestLocalModelsAreFree(t *testing.T) {
	table := loadDefault(t)
	e, ok := table.Lookup("ollama", "llama3.1")
	require.True(t, ok)
	usage := types.TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.Zero(t, e.Cost(usage))
}

func TestCapabilityFlags(t *testing.T) {
	table := loadDefault(t)
	e, _ := table.Lookup("copilot", "gpt-4o")
	assert.True(t, e.Capabilities.Streaming)
	assert.True(t, e.Capabilities.Tools)
	assert.False(t, e.Capabilities.Vision)
}
