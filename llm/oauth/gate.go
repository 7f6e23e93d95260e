package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/greyhelm/lorekeeper/internal/tlsutil"
	"github.com/greyhelm/lorekeeper/llm/auth"
	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Client identity sent on OAuth and Copilot requests. Copilot's endpoints
// require editor headers matching a real editor client.
const (
	userAgent           = "GitHubCopilotChat/0.22.4"
	editorVersion       = "vscode/1.96.2"
	editorPluginVersion = "copilot-chat/0.22.4"
)

// Gate owns credential access for all OAuth-backed providers: it caches
// tokens, serializes refresh per provider, and implements the
// refresh-once-then-fail discipline on 401s.
type Gate struct {
	store  auth.Store
	client *http.Client
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*types.TokenInfo

	// refreshGroup collapses concurrent refreshes so one expiry event
	// produces exactly one refresh HTTP call.
	refreshGroup singleflight.Group

	// endpoints per provider, for refresh.
	endpoints map[string]Endpoints
}

// NewGate creates a Gate over the given token store.
func NewGate(store auth.Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		store:     store,
		client:    tlsutil.SecureHTTPClient(refreshTimeout),
		logger:    logger,
		cache:     make(map[string]*types.TokenInfo),
		endpoints: make(map[string]Endpoints),
	}
	for _, cfg := range []Endpoints{ClaudeEndpoints, GeminiEndpoints, CopilotEndpoints} {
		g.endpoints[cfg.Provider] = cfg
	}
	return g
}

// SetHTTPClient overrides the HTTP client (tests).
func (g *Gate) SetHTTPClient(c *http.Client) { g.client = c }

// SetEndpoints overrides a provider's endpoint set (tests, enterprise hosts).
func (g *Gate) SetEndpoints(cfg Endpoints) { g.endpoints[cfg.Provider] = cfg }

// AccessToken returns a currently valid access token for the provider,
// refreshing first when the stored token is within the refresh skew.
func (g *Gate) AccessToken(ctx context.Context, provider string) (string, error) {
	tok, err := g.currentToken(ctx, provider)
	if err != nil {
		return "", err
	}
	if !tok.NeedsRefresh() {
		return tok.AccessToken, nil
	}
	refreshed, err := g.refresh(ctx, provider)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// HandleUnauthorized is called by an adapter that received a 401 using
// rejectedToken. It forces one refresh — unless a concurrent refresher has
// already replaced the token — and returns the new token. Callers retry the
// request once and surface NotAuthenticated on a second 401.
func (g *Gate) HandleUnauthorized(ctx context.Context, provider, rejectedToken string) (string, error) {
	v, err, _ := g.refreshGroup.Do(provider, func() (any, error) {
		tok, err := g.store.Load(ctx, provider)
		if err != nil {
			if err == auth.ErrNotFound {
				return nil, types.NewError(types.ErrNotAuthenticated,
					fmt.Sprintf("no stored credential for %s", provider)).WithProvider(provider)
			}
			return nil, types.NewError(types.ErrNotAuthenticated, "reload credential failed").
				WithProvider(provider).WithCause(err)
		}
		// Another refresher already replaced the rejected token.
		if tok.AccessToken != rejectedToken && !tok.IsExpired() {
			g.cacheToken(tok)
			return tok, nil
		}
		refreshed, err := g.doRefresh(ctx, provider, tok)
		if err != nil {
			return nil, err
		}
		if err := g.storeToken(ctx, refreshed); err != nil {
			return nil, err
		}
		return refreshed, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*types.TokenInfo).AccessToken, nil
}

// currentToken returns the cached token, falling back to the store.
func (g *Gate) currentToken(ctx context.Context, provider string) (*types.TokenInfo, error) {
	g.mu.RLock()
	tok := g.cache[provider]
	g.mu.RUnlock()
	if tok != nil {
		return tok, nil
	}

	tok, err := g.store.Load(ctx, provider)
	if err != nil {
		if err == auth.ErrNotFound {
			return nil, types.NewError(types.ErrNotAuthenticated,
				fmt.Sprintf("no stored credential for %s", provider)).WithProvider(provider)
		}
		return nil, types.NewError(types.ErrNotAuthenticated,
			fmt.Sprintf("load credential for %s failed", provider)).WithProvider(provider).WithCause(err)
	}

	g.mu.Lock()
	g.cache[provider] = tok
	g.mu.Unlock()
	return tok, nil
}

// refresh performs at most one refresh HTTP call per expiry event. After
// acquiring the flight it re-reads the store: another refresher may already
// have completed.
func (g *Gate) refresh(ctx context.Context, provider string) (*types.TokenInfo, error) {
	v, err, _ := g.refreshGroup.Do(provider, func() (any, error) {
		// Re-read: a concurrent refresher may have won the race before we
		// entered the flight.
		tok, err := g.store.Load(ctx, provider)
		if err != nil {
			if err == auth.ErrNotFound {
				return nil, types.NewError(types.ErrNotAuthenticated,
					fmt.Sprintf("no stored credential for %s", provider)).WithProvider(provider)
			}
			return nil, types.NewError(types.ErrNotAuthenticated, "reload credential failed").
				WithProvider(provider).WithCause(err)
		}
		if !tok.NeedsRefresh() {
			g.cacheToken(tok)
			return tok, nil
		}

		refreshed, err := g.doRefresh(ctx, provider, tok)
		if err != nil {
			return nil, err
		}
		if err := g.storeToken(ctx, refreshed); err != nil {
			return nil, err
		}
		return refreshed, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.TokenInfo), nil
}

// doRefresh exchanges the refresh token (or, for copilot, re-runs the
// GitHub→Copilot exchange) for a fresh access token.
func (g *Gate) doRefresh(ctx context.Context, provider string, tok *types.TokenInfo) (*types.TokenInfo, error) {
	if provider == "copilot" {
		// Copilot tokens are minted from the long-lived GitHub token.
		gh, err := g.currentToken(ctx, "github")
		if err != nil {
			return nil, types.NewError(types.ErrNotAuthenticated,
				"copilot refresh needs a github credential").WithProvider(provider)
		}
		cfg := g.endpoints[provider]
		return g.exchangeCopilotToken(ctx, cfg.ExchangeURL, gh.AccessToken)
	}

	if tok.RefreshToken == "" {
		g.clearToken(ctx, provider)
		return nil, types.NewError(types.ErrTokenExpired,
			fmt.Sprintf("%s token expired and no refresh token is stored", provider)).WithProvider(provider)
	}

	cfg, ok := g.endpoints[provider]
	if !ok {
		return nil, types.NewError(types.ErrNotAuthenticated,
			fmt.Sprintf("no oauth endpoints for %s", provider)).WithProvider(provider)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tok.RefreshToken)
	form.Set("client_id", cfg.ClientID)

	tr, err := g.postTokenForm(ctx, cfg.TokenURL, form)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrTokenExpired {
			// invalid_grant: the refresh token is dead; force re-auth.
			g.clearToken(ctx, provider)
		}
		return nil, err
	}

	refreshed := &types.TokenInfo{
		Type:         types.TokenTypeOAuth,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Provider:     provider,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tok.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		refreshed.ExpiresAt = time.Now().Unix() + tr.ExpiresIn
	}

	g.logger.Info("token refreshed",
		zap.String("provider", provider),
		zap.Int64("expires_at", refreshed.ExpiresAt))
	return refreshed, nil
}

// Status reports whether a provider has a stored credential and when it
// expires.
func (g *Gate) Status(ctx context.Context, provider string) (authenticated bool, expiresAt int64) {
	tok, err := g.currentToken(ctx, provider)
	if err != nil {
		return false, 0
	}
	return !tok.IsExpired() || tok.RefreshToken != "" || provider == "copilot", tok.ExpiresAt
}

// Logout removes the stored credential and drops the cache entry.
func (g *Gate) Logout(ctx context.Context, provider string) error {
	g.clearToken(ctx, provider)
	return nil
}

func (g *Gate) cacheToken(tok *types.TokenInfo) {
	g.mu.Lock()
	g.cache[tok.Provider] = tok
	g.mu.Unlock()
}

func (g *Gate) storeToken(ctx context.Context, tok *types.TokenInfo) error {
	if err := g.store.Save(ctx, tok.Provider, tok); err != nil {
		return types.NewError(types.ErrNotAuthenticated, "persist credential failed").
			WithProvider(tok.Provider).WithCause(err)
	}
	g.cacheToken(tok)
	return nil
}

func (g *Gate) clearToken(ctx context.Context, provider string) {
	g.mu.Lock()
	delete(g.cache, provider)
	g.mu.Unlock()
	if err := g.store.Remove(ctx, provider); err != nil {
		g.logger.Warn("clear credential failed",
			zap.String("provider", provider), zap.Error(err))
	}
}

// tokenResponse is the common shape of OAuth token endpoint replies.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// postTokenForm posts a token-endpoint request, retrying network failures
// with exponential backoff and jitter. invalid_grant is terminal.
func (g *Gate) postTokenForm(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	var out tokenResponse
	delay := 500 * time.Millisecond
	const attempts = 3

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			jittered := delay + time.Duration(rand.Int63n(int64(delay)/2))
			select {
			case <-ctx.Done():
				return nil, types.NewError(types.ErrCancelled, "token request cancelled").WithCause(ctx.Err())
			case <-time.After(jittered):
			}
			delay *= 2
		}

		err := g.postForm(ctx, endpoint, form, &out)
		if err != nil {
			if types.IsRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		switch out.Error {
		case "":
			if out.AccessToken == "" {
				return nil, types.NewError(types.ErrMalformed, "token endpoint returned no access token")
			}
			return &out, nil
		case "invalid_grant":
			return nil, types.NewError(types.ErrTokenExpired, "refresh token rejected (invalid_grant)")
		case "authorization_pending", "slow_down", "expired_token", "access_denied":
			// Device-flow poll outcomes travel in-band; hand back to caller.
			return &out, nil
		default:
			return nil, types.NewError(types.ErrNotAuthenticated,
				fmt.Sprintf("token endpoint error: %s", out.Error))
		}
	}
	return nil, lastErr
}

// postForm posts a form-encoded request and decodes the JSON reply into out.
func (g *Gate) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return types.NewError(types.ErrMalformed, "build token request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrNetwork, "token endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return types.NewError(types.ErrAPI,
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)).
			WithHTTPStatus(resp.StatusCode)
	}
	// 4xx replies still carry a JSON error body (authorization_pending etc.).
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.NewError(types.ErrNetwork, "read token response").WithCause(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return types.NewError(types.ErrMalformed, "decode token response").WithCause(err)
	}
	return nil
}
