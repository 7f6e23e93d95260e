package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnconfiguredProviderAdmitsFreely(t *testing.T) {
	g := NewGate(nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, g.Acquire(context.Background(), "ollama", 1000, time.Time{}))
	}
}

func TestRequestLimitPaces(t *testing.T) {
	g := NewGate(nil)
	g.Configure("openai", Limits{RequestsPerMinute: 60}) // 1/s, burst 10

	ctx := context.Background()
	start := time.Now()
	// Burst admits immediately.
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Acquire(ctx, "openai", 0, time.Time{}))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The next acquisition has to wait for refill.
	start = time.Now()
	require.NoError(t, g.Acquire(ctx, "openai", 0, time.Time{}))
	assert.Greater(t, time.Since(start), 500*time.Millisecond)
}

func TestDeadlineExpiryFailsWithRateLimited(t *testing.T) {
	g := NewGate(nil)
	g.Configure("anthropic", Limits{RequestsPerMinute: 6}) // 0.1/s, burst 1

	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx, "anthropic", 0, time.Time{}))

	err := g.Acquire(ctx, "anthropic", 0, time.Now().Add(50*time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestCancelledWaiter(t *testing.T) {
	g := NewGate(nil)
	g.Configure("gemini", Limits{RequestsPerMinute: 6})
	require.NoError(t, g.Acquire(context.Background(), "gemini", 0, time.Time{}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := g.Acquire(ctx, "gemini", 0, time.Time{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))
}

func TestOversizedTokenRequestDoesNotDeadlock(t *testing.T) {
	g := NewGate(nil)
	g.Configure("openai", Limits{TokensPerMinute: 600}) // burst 100

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// 50k tokens exceeds the burst; must still admit (clamped), not hang.
	err := g.Acquire(ctx, "openai", 50000, time.Time{})
	assert.NoError(t, err)
}
