package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/greyhelm/lorekeeper/llm/auth"
	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, tokenURL string) (*Gate, auth.Store) {
	t.Helper()
	store := auth.NewMemoryStore()
	gate := NewGate(store, nil)
	gate.SetEndpoints(Endpoints{
		Provider: "anthropic",
		TokenURL: tokenURL,
		ClientID: "test-client",
	})
	return gate, store
}

func TestAccessTokenFreshTokenSkipsRefresh(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	gate, store := newTestGate(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "anthropic", &types.TokenInfo{
		Type:        types.TokenTypeOAuth,
		AccessToken: "fresh",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		Provider:    "anthropic",
	}))

	got, err := gate.AccessToken(ctx, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.EqualValues(t, 0, calls.Load())
}

func TestAccessTokenMissingCredential(t *testing.T) {
	gate, _ := newTestGate(t, "http://unused.invalid")
	_, err := gate.AccessToken(context.Background(), "anthropic")
	assert.Equal(t, types.ErrNotAuthenticated, types.GetErrorCode(err))
	assert.True(t, types.RequiresReauth(err))
}

// Twenty concurrent callers over a stale token must produce exactly one
// refresh HTTP call, and every caller must see the refreshed token.
func TestRefreshUnderContention(t *testing.T) {
	var refreshCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-1", r.Form.Get("refresh_token"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	gate, store := newTestGate(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "anthropic", &types.TokenInfo{
		Type:         types.TokenTypeOAuth,
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(30 * time.Second).Unix(), // within skew
		Provider:     "anthropic",
	}))

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := gate.AccessToken(ctx, "anthropic")
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, refreshCalls.Load(), "exactly one refresh per expiry event")
	for _, tok := range results {
		assert.Equal(t, "at-2", tok)
	}

	stored, err := store.Load(ctx, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "at-2", stored.AccessToken)
	assert.Equal(t, "rt-2", stored.RefreshToken)
}

func TestRefreshInvalidGrantClearsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer srv.Close()

	gate, store := newTestGate(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "anthropic", &types.TokenInfo{
		Type:         types.TokenTypeOAuth,
		AccessToken:  "stale",
		RefreshToken: "dead",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
		Provider:     "anthropic",
	}))

	_, err := gate.AccessToken(ctx, "anthropic")
	require.Error(t, err)
	assert.Equal(t, types.ErrTokenExpired, types.GetErrorCode(err))

	// Credential is cleared so the next attempt demands re-auth.
	_, err = store.Load(ctx, "anthropic")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestHandleUnauthorizedForcesRefresh(t *testing.T) {
	var refreshCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-forced",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	gate, store := newTestGate(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "anthropic", &types.TokenInfo{
		Type:         types.TokenTypeOAuth,
		AccessToken:  "at-rejected",
		RefreshToken: "rt-1",
		// Token looks fresh but the provider 401'd it.
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		Provider:  "anthropic",
	}))

	// A 401 on a fresh-looking token still forces one refresh.
	tok, err := gate.HandleUnauthorized(ctx, "anthropic", "at-rejected")
	require.NoError(t, err)
	assert.Equal(t, "at-forced", tok)
	assert.EqualValues(t, 1, refreshCalls.Load())

	// A 401 on a token someone else already replaced does not refresh again.
	tok, err = gate.HandleUnauthorized(ctx, "anthropic", "at-rejected")
	require.NoError(t, err)
	assert.Equal(t, "at-forced", tok)
	assert.EqualValues(t, 1, refreshCalls.Load())
}

func TestLogoutRemovesCredential(t *testing.T) {
	gate, store := newTestGate(t, "http://unused.invalid")
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "anthropic", &types.TokenInfo{
		Type:        types.TokenTypeOAuth,
		AccessToken: "x",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		Provider:    "anthropic",
	}))

	ok, _ := gate.Status(ctx, "anthropic")
	assert.True(t, ok)

	require.NoError(t, gate.Logout(ctx, "anthropic"))
	ok, _ = gate.Status(ctx, "anthropic")
	assert.False(t, ok)
}
