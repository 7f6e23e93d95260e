package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// UserAgent is the stable client identity sent on every outbound request.
const UserAgent = "lorekeeper-gateway/1.0"

// TokenSource supplies bearer tokens to OAuth-backed adapters.
// oauth.Gate.Bound satisfies it.
type TokenSource interface {
	// AccessToken returns a currently valid access token, refreshing if
	// needed.
	AccessToken(ctx context.Context) (string, error)
	// HandleUnauthorized reports a 401 received with rejected and returns a
	// replacement token for exactly one retry.
	HandleUnauthorized(ctx context.Context, rejected string) (string, error)
}

// MapHTTPError maps an upstream HTTP status to the gateway error taxonomy.
// Shared by every adapter.
func MapHTTPError(status int, msg, provider string, header http.Header) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrNotAuthenticated, msg).
			WithHTTPStatus(status).WithProvider(provider)
	case http.StatusRequestEntityTooLarge:
		return types.NewError(types.ErrInputTooLarge, msg).
			WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		e := types.NewError(types.ErrRateLimited, msg).
			WithHTTPStatus(status).WithProvider(provider)
		if d, ok := ParseRetryAfter(header.Get("Retry-After")); ok {
			e.RetryAfter = d
		}
		return e
	case http.StatusBadRequest, http.StatusForbidden:
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "quota") || strings.Contains(lower, "billing") ||
			strings.Contains(lower, "credit"):
			e := types.NewError(types.ErrQuotaExceeded, msg).
				WithHTTPStatus(status).WithProvider(provider)
			if d, ok := ParseRetryAfter(header.Get("Retry-After")); ok {
				e.ResetAt = time.Now().Add(d)
			}
			return e
		case strings.Contains(lower, "content_filter") || strings.Contains(lower, "safety") ||
			strings.Contains(lower, "blocked"):
			return types.NewError(types.ErrContentFiltered, msg).
				WithHTTPStatus(status).WithProvider(provider)
		case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens") ||
			strings.Contains(lower, "maximum context"):
			return types.NewError(types.ErrInputTooLarge, msg).
				WithHTTPStatus(status).WithProvider(provider)
		default:
			return types.NewError(types.ErrAPI, msg).
				WithHTTPStatus(status).WithProvider(provider)
		}
	case 529: // overloaded, used by Anthropic
		return types.NewError(types.ErrAPI, msg).
			WithHTTPStatus(status).WithProvider(provider).WithRetryable(true)
	default:
		return types.NewError(types.ErrAPI, msg).
			WithHTTPStatus(status).WithProvider(provider)
	}
}

// ReadErrorMessage extracts a human-readable message from an error response
// body, falling back to the raw text. Bodies are capped so a misbehaving
// upstream cannot balloon memory.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// ParseRetryAfter parses a Retry-After header in either delta-seconds or
// HTTP-date form.
func ParseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// ParseRateLimitHeaders extracts provider rate-limit state from response
// headers. Returns nil when no recognized header is present.
func ParseRateLimitHeaders(h http.Header) *llm.RateLimitInfo {
	info := &llm.RateLimitInfo{RemainingRequests: -1, RemainingTokens: -1}
	found := false

	for _, key := range []string{"x-ratelimit-remaining-requests", "anthropic-ratelimit-requests-remaining"} {
		if v := h.Get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				info.RemainingRequests = n
				found = true
			}
		}
	}
	for _, key := range []string{"x-ratelimit-remaining-tokens", "anthropic-ratelimit-tokens-remaining"} {
		if v := h.Get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				info.RemainingTokens = n
				found = true
			}
		}
	}
	for _, key := range []string{"x-ratelimit-reset-requests", "anthropic-ratelimit-requests-reset"} {
		if v := h.Get(key); v != "" {
			if at, err := time.Parse(time.RFC3339, v); err == nil {
				info.ResetAt = at
				found = true
			} else if d, ok := parseResetDuration(v); ok {
				info.ResetAt = time.Now().Add(d)
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return info
}

// parseResetDuration handles OpenAI's "6m12s" / "320ms" reset format.
func parseResetDuration(v string) (time.Duration, bool) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// ChooseModel resolves the effective model: request, then configured
// default, then the adapter's fallback.
func ChooseModel(req *llm.ChatRequest, defaultModel, fallbackModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallbackModel
}

// ModelCache caches a provider's model list keyed by auth identity, with a
// TTL. A changed identity (new API key, refreshed OAuth account) invalidates
// the cache immediately.
type ModelCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	key     string
	models  []llm.ModelInfo
	fetched time.Time
}

// DefaultModelCacheTTL is how long an enumeration result stays fresh.
const DefaultModelCacheTTL = 10 * time.Minute

// NewModelCache creates a cache with the given TTL (0 means the default).
func NewModelCache(ttl time.Duration) *ModelCache {
	if ttl <= 0 {
		ttl = DefaultModelCacheTTL
	}
	return &ModelCache{ttl: ttl}
}

// Get returns the cached list if it is fresh and the identity matches.
func (c *ModelCache) Get(identityKey string) ([]llm.ModelInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != identityKey || time.Since(c.fetched) > c.ttl || c.models == nil {
		return nil, false
	}
	out := make([]llm.ModelInfo, len(c.models))
	copy(out, c.models)
	return out, true
}

// Put stores a freshly fetched list under the identity.
func (c *ModelCache) Put(identityKey string, models []llm.ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = identityKey
	c.models = models
	c.fetched = time.Now()
}

// IdentityKey derives a cache key from a credential without retaining the
// secret bytes.
func IdentityKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
