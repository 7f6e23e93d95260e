package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
)

// AuthorizeSession is the state of one in-flight PKCE authorization.
type AuthorizeSession struct {
	URL          string    `json:"url"`
	State        string    `json:"state"`
	PKCEVerifier string    `json:"pkce_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// pkceSessionTTL bounds how long a begun authorization stays redeemable.
const pkceSessionTTL = 10 * time.Minute

// PKCEFlow runs the redirect-based authorization-code flow with PKCE
// (S256). The caller opens Session.URL in the user's browser and feeds the
// redirect's code and state back into CompleteAuthorize.
type PKCEFlow struct {
	gate *Gate
	cfg  Endpoints

	mu       sync.Mutex
	sessions map[string]*AuthorizeSession // keyed by state
}

// NewPKCEFlow creates a PKCE flow bound to the gate's token store.
func NewPKCEFlow(gate *Gate, cfg Endpoints) *PKCEFlow {
	return &PKCEFlow{gate: gate, cfg: cfg, sessions: make(map[string]*AuthorizeSession)}
}

// BeginAuthorize generates a verifier and state and returns the browser URL.
func (f *PKCEFlow) BeginAuthorize() (*AuthorizeSession, error) {
	verifier, err := randomURLSafe(64)
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	state, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	challenge := sha256.Sum256([]byte(verifier))
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", f.cfg.ClientID)
	q.Set("redirect_uri", f.cfg.RedirectURI)
	q.Set("scope", strings.Join(f.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", base64.RawURLEncoding.EncodeToString(challenge[:]))
	q.Set("code_challenge_method", "S256")

	sess := &AuthorizeSession{
		URL:          f.cfg.AuthorizeURL + "?" + q.Encode(),
		State:        state,
		PKCEVerifier: verifier,
		CreatedAt:    time.Now(),
	}

	f.mu.Lock()
	f.pruneLocked()
	f.sessions[state] = sess
	f.mu.Unlock()

	f.gate.logger.Info("authorization started",
		zap.String("provider", f.cfg.Provider),
		zap.String("flow", "pkce"))
	return sess, nil
}

// CompleteAuthorize validates the redirect state, exchanges the code at the
// token endpoint, and persists the resulting credential.
func (f *PKCEFlow) CompleteAuthorize(ctx context.Context, code, state string) (*types.TokenInfo, error) {
	f.mu.Lock()
	sess, ok := f.sessions[state]
	if ok {
		delete(f.sessions, state)
	}
	f.mu.Unlock()

	if !ok || time.Since(sess.CreatedAt) > pkceSessionTTL {
		return nil, types.NewError(types.ErrNotAuthenticated, "unknown or expired authorization state")
	}
	if subtle.ConstantTimeCompare([]byte(sess.State), []byte(state)) != 1 {
		return nil, types.NewError(types.ErrNotAuthenticated, "authorization state mismatch")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", f.cfg.ClientID)
	form.Set("redirect_uri", f.cfg.RedirectURI)
	form.Set("code_verifier", sess.PKCEVerifier)

	tr, err := f.gate.postTokenForm(ctx, f.cfg.TokenURL, form)
	if err != nil {
		return nil, err
	}

	tok := &types.TokenInfo{
		Type:         types.TokenTypeOAuth,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Provider:     f.cfg.Provider,
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Unix() + tr.ExpiresIn
	}

	if err := f.gate.storeToken(ctx, tok); err != nil {
		return nil, err
	}

	f.gate.logger.Info("authorization complete",
		zap.String("provider", f.cfg.Provider),
		zap.String("flow", "pkce"),
		zap.Int64("expires_at", tok.ExpiresAt))
	return tok, nil
}

// pruneLocked drops expired sessions. Caller holds f.mu.
func (f *PKCEFlow) pruneLocked() {
	cutoff := time.Now().Add(-pkceSessionTTL)
	for state, sess := range f.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(f.sessions, state)
		}
	}
}

// randomURLSafe returns n random bytes base64url-encoded without padding.
func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
