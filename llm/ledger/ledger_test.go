package ledger

import (
	"testing"
	"time"

	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:", nil)
	require.NoError(t, err)
	return l
}

func TestRecordAndAggregate(t *testing.T) {
	l := openTestLedger(t)
	usage := types.TokenUsage{InputTokens: 1000, OutputTokens: 200}

	require.NoError(t, l.Record("sess-1", "anthropic", "claude-3-5-sonnet-20241022", usage, 0.006, 800*time.Millisecond))
	require.NoError(t, l.Record("sess-1", "anthropic", "claude-3-5-sonnet-20241022", usage, 0.006, 750*time.Millisecond))
	require.NoError(t, l.Record("sess-2", "openai", "gpt-4o-mini", usage, 0.0004, 400*time.Millisecond))

	aggs, err := l.ByProviderModel(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, aggs, 2)

	// Ordered by cost descending.
	assert.Equal(t, "anthropic", aggs[0].Provider)
	assert.EqualValues(t, 2, aggs[0].Requests)
	assert.EqualValues(t, 2000, aggs[0].InputTokens)
	assert.InDelta(t, 0.012, aggs[0].CostUSD, 1e-9)
}

func TestSessionTotal(t *testing.T) {
	l := openTestLedger(t)
	usage := types.TokenUsage{InputTokens: 100, OutputTokens: 50}
	require.NoError(t, l.Record("sess-9", "openai", "gpt-4o", usage, 0.01, time.Second))
	require.NoError(t, l.Record("sess-9", "gemini", "gemini-1.5-flash", usage, 0.002, time.Second))
	require.NoError(t, l.Record("other", "openai", "gpt-4o", usage, 5.0, time.Second))

	total, err := l.SessionTotal("sess-9")
	require.NoError(t, err)
	assert.InDelta(t, 0.012, total, 1e-9)

	empty, err := l.SessionTotal("nobody")
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestPrune(t *testing.T) {
	l := openTestLedger(t)
	usage := types.TokenUsage{InputTokens: 10}
	require.NoError(t, l.Record("s", "ollama", "llama3.1", usage, 0, time.Millisecond))

	n, err := l.Prune(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "recent rows survive")

	n, err = l.Prune(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
