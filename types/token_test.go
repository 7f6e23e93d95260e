package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenRefreshBoundaries(t *testing.T) {
	now := time.Now()
	tok := func(secondsFromNow int64) *TokenInfo {
		return &TokenInfo{Type: TokenTypeOAuth, AccessToken: "x", ExpiresAt: now.Unix() + secondsFromNow, Provider: "anthropic"}
	}

	assert.False(t, tok(61).staleAt(now), "61s remaining must not trigger refresh")
	assert.True(t, tok(60).staleAt(now), "exactly 60s remaining triggers refresh")
	assert.True(t, tok(59).staleAt(now), "59s remaining triggers refresh")

	assert.False(t, tok(1).expiredAt(now))
	assert.True(t, tok(0).expiredAt(now))
	assert.True(t, tok(-10).expiredAt(now))
}

func TestTokenNoExpiry(t *testing.T) {
	tok := &TokenInfo{Type: TokenTypeAPIKey, AccessToken: "key", Provider: "openai"}
	assert.False(t, tok.IsExpired())
	assert.False(t, tok.NeedsRefresh())
}

func TestTokenRedacted(t *testing.T) {
	tok := TokenInfo{Type: TokenTypeOAuth, AccessToken: "secret", RefreshToken: "secret2", Provider: "gemini", ExpiresAt: 42}
	red := tok.Redacted()
	assert.Equal(t, "[redacted]", red.AccessToken)
	assert.Equal(t, "[redacted]", red.RefreshToken)
	assert.Equal(t, "gemini", red.Provider)
	assert.EqualValues(t, 42, red.ExpiresAt)
	assert.Equal(t, "secret", tok.AccessToken, "original untouched")
}

func TestUsageNormalize(t *testing.T) {
	u := TokenUsage{InputTokens: 100, OutputTokens: 50, CachedInputTokens: 25}
	u.Normalize()
	assert.Equal(t, 175, u.TotalTokens)
}
