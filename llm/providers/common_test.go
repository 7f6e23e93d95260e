package providers

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapHTTPError(t *testing.T) {
	h := http.Header{}

	e := MapHTTPError(401, "bad key", "openai", h)
	assert.Equal(t, types.ErrNotAuthenticated, e.Code)
	assert.True(t, e.RequiresReauth)
	assert.False(t, e.Retryable)

	h429 := http.Header{}
	h429.Set("Retry-After", "30")
	e = MapHTTPError(429, "slow down", "anthropic", h429)
	assert.Equal(t, types.ErrRateLimited, e.Code)
	assert.True(t, e.Retryable)
	assert.Equal(t, 30*time.Second, e.RetryAfter)

	e = MapHTTPError(400, "You exceeded your current quota", "openai", h)
	assert.Equal(t, types.ErrQuotaExceeded, e.Code)
	assert.False(t, e.Retryable)

	e = MapHTTPError(400, "response was blocked by safety settings", "gemini", h)
	assert.Equal(t, types.ErrContentFiltered, e.Code)

	e = MapHTTPError(400, "maximum context length is 128000 tokens", "openai", h)
	assert.Equal(t, types.ErrInputTooLarge, e.Code)

	e = MapHTTPError(400, "missing field", "openai", h)
	assert.Equal(t, types.ErrAPI, e.Code)
	assert.False(t, e.Retryable)

	e = MapHTTPError(502, "bad gateway", "copilot", h)
	assert.Equal(t, types.ErrAPI, e.Code)
	assert.True(t, e.Retryable)

	e = MapHTTPError(529, "overloaded", "anthropic", h)
	assert.True(t, e.Retryable)
}

func TestParseRetryAfter(t *testing.T) {
	d, ok := ParseRetryAfter("30")
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d, ok = ParseRetryAfter(future)
	assert.True(t, ok)
	assert.InDelta(t, 90, d.Seconds(), 5)

	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	d, ok = ParseRetryAfter(past)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	_, ok = ParseRetryAfter("")
	assert.False(t, ok)
	_, ok = ParseRetryAfter("soon")
	assert.False(t, ok)
}

func TestParseRateLimitHeaders(t *testing.T) {
	assert.Nil(t, ParseRateLimitHeaders(http.Header{}))

	h := http.Header{}
	h.Set("x-ratelimit-remaining-requests", "12")
	h.Set("x-ratelimit-remaining-tokens", "90000")
	h.Set("x-ratelimit-reset-requests", "6m0s")
	info := ParseRateLimitHeaders(h)
	require.NotNil(t, info)
	assert.Equal(t, 12, info.RemainingRequests)
	assert.Equal(t, 90000, info.RemainingTokens)
	assert.InDelta(t, 6*60, time.Until(info.ResetAt).Seconds(), 5)

	ah := http.Header{}
	ah.Set("anthropic-ratelimit-requests-remaining", "40")
	ah.Set("anthropic-ratelimit-requests-reset", time.Now().Add(time.Minute).Format(time.RFC3339))
	info = ParseRateLimitHeaders(ah)
	require.NotNil(t, info)
	assert.Equal(t, 40, info.RemainingRequests)
	assert.False(t, info.ResetAt.IsZero())
}

func TestReadErrorMessage(t *testing.T) {
	msg := ReadErrorMessage(strings.NewReader(`{"error":{"message":"model not found","type":"invalid_request_error"}}`))
	assert.Equal(t, "model not found (type: invalid_request_error)", msg)

	msg = ReadErrorMessage(strings.NewReader("plain text failure"))
	assert.Equal(t, "plain text failure", msg)
}

func TestModelTable(t *testing.T) {
	table := NewModelTable([]ModelSpec{
		{ID: "claude-3-5-sonnet-20241022", Aliases: []string{"claude-3-5-sonnet"}, ContextWindow: 200000, DefaultMaxOutput: 8192},
	})

	full, ok := table.Resolve("claude-3-5-sonnet")
	assert.True(t, ok)
	assert.Equal(t, "claude-3-5-sonnet-20241022", full)

	full, ok = table.Resolve("claude-3-5-sonnet-20241022")
	assert.True(t, ok)
	assert.Equal(t, "claude-3-5-sonnet-20241022", full)

	_, ok = table.Resolve("gpt-4o")
	assert.False(t, ok)

	assert.Equal(t, 200000, table.Window("claude-3-5-sonnet"))
	assert.Equal(t, 0, table.Window("unknown"))
}

func TestModelCache(t *testing.T) {
	cache := NewModelCache(time.Hour)
	models := []llm.ModelInfo{{ID: "m1"}}

	_, ok := cache.Get("id-a")
	assert.False(t, ok)

	cache.Put("id-a", models)
	got, ok := cache.Get("id-a")
	assert.True(t, ok)
	assert.Len(t, got, 1)

	// A different auth identity misses.
	_, ok = cache.Get("id-b")
	assert.False(t, ok)
}

func TestIdentityKeyDoesNotContainSecret(t *testing.T) {
	secret := "sk-ant-REDACTED"
	key := IdentityKey(secret)
	assert.NotContains(t, key, secret)
	assert.NotEqual(t, IdentityKey("other"), key)
	assert.Equal(t, IdentityKey(secret), key, "deterministic")
}
