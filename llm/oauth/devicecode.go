package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
)

// DeviceSession is the state of one in-flight device-code authorization.
// The caller displays UserCode and VerificationURI and polls at least every
// Interval seconds.
type DeviceSession struct {
	DeviceCode      string        `json:"device_code"`
	UserCode        string        `json:"user_code"`
	VerificationURI string        `json:"verification_uri"`
	Interval        time.Duration `json:"interval"`
	ExpiresIn       time.Duration `json:"expires_in"`
	StartedAt       time.Time     `json:"started_at"`
}

// PollState enumerates device-code poll outcomes.
type PollState string

const (
	PollPending  PollState = "pending"
	PollSlowDown PollState = "slow_down"
	PollSuccess  PollState = "success"
	PollExpired  PollState = "expired"
	PollDenied   PollState = "denied"
)

// PollResult is one poll outcome. Interval carries the adjusted poll
// interval on SlowDown; Token is set on Success.
type PollResult struct {
	State    PollState        `json:"state"`
	Interval time.Duration    `json:"interval,omitempty"`
	Token    *types.TokenInfo `json:"token,omitempty"`
}

// DeviceFlow runs the GitHub device-code flow and, on success, the second
// exchange that turns the GitHub access token into a Copilot credential.
// Transitions are monotonic: Idle → Polling → (Success | Expired | Denied),
// with Polling → Polling allowed only with an adjusted interval.
type DeviceFlow struct {
	gate *Gate
	cfg  Endpoints

	mu       sync.Mutex
	sessions map[string]*DeviceSession // keyed by device code
}

// NewDeviceFlow creates a device flow bound to the gate's token store.
func NewDeviceFlow(gate *Gate, cfg Endpoints) *DeviceFlow {
	return &DeviceFlow{gate: gate, cfg: cfg, sessions: make(map[string]*DeviceSession)}
}

// Begin requests a device and user code pair from GitHub.
func (f *DeviceFlow) Begin(ctx context.Context) (*DeviceSession, error) {
	form := url.Values{}
	form.Set("client_id", f.cfg.ClientID)
	form.Set("scope", strings.Join(f.cfg.Scopes, " "))

	var out struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		Interval        int    `json:"interval"`
		ExpiresIn       int    `json:"expires_in"`
	}
	if err := f.gate.postForm(ctx, f.cfg.DeviceCodeURL, form, &out); err != nil {
		return nil, err
	}

	interval := time.Duration(out.Interval) * time.Second
	if interval < defaultDeviceInterval {
		interval = defaultDeviceInterval
	}
	sess := &DeviceSession{
		DeviceCode:      out.DeviceCode,
		UserCode:        out.UserCode,
		VerificationURI: out.VerificationURI,
		Interval:        interval,
		ExpiresIn:       time.Duration(out.ExpiresIn) * time.Second,
		StartedAt:       time.Now(),
	}

	f.mu.Lock()
	f.sessions[sess.DeviceCode] = sess
	f.mu.Unlock()

	f.gate.logger.Info("device authorization started",
		zap.String("provider", f.cfg.Provider),
		zap.String("verification_uri", sess.VerificationURI),
		zap.Duration("interval", sess.Interval))
	return sess, nil
}

// Poll checks the authorization once. On slow_down the session's interval is
// bumped by an additive step and returned; the caller must not poll faster.
// On success the GitHub token is stored, exchanged for a Copilot token, and
// the combined credential persisted.
func (f *DeviceFlow) Poll(ctx context.Context, deviceCode string) (*PollResult, error) {
	f.mu.Lock()
	sess, ok := f.sessions[deviceCode]
	f.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrNotAuthenticated, "unknown device code")
	}
	if time.Since(sess.StartedAt) > sess.ExpiresIn {
		f.drop(deviceCode)
		return &PollResult{State: PollExpired}, nil
	}

	form := url.Values{}
	form.Set("client_id", f.cfg.ClientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		Error       string `json:"error"`
		Interval    int    `json:"interval"`
	}
	if err := f.gate.postForm(ctx, f.cfg.TokenURL, form, &out); err != nil {
		return nil, err
	}

	switch out.Error {
	case "authorization_pending":
		return &PollResult{State: PollPending, Interval: sess.Interval}, nil
	case "slow_down":
		f.mu.Lock()
		sess.Interval += slowDownStep
		if out.Interval > 0 && time.Duration(out.Interval)*time.Second > sess.Interval {
			sess.Interval = time.Duration(out.Interval) * time.Second
		}
		interval := sess.Interval
		f.mu.Unlock()
		return &PollResult{State: PollSlowDown, Interval: interval}, nil
	case "expired_token":
		f.drop(deviceCode)
		return &PollResult{State: PollExpired}, nil
	case "access_denied":
		f.drop(deviceCode)
		return &PollResult{State: PollDenied}, nil
	case "":
		// Authorized.
	default:
		f.drop(deviceCode)
		return nil, types.NewError(types.ErrNotAuthenticated,
			fmt.Sprintf("device authorization failed: %s", out.Error))
	}

	githubTok := &types.TokenInfo{
		Type:        types.TokenTypeOAuth,
		AccessToken: out.AccessToken,
		Provider:    "github",
	}
	if err := f.gate.storeToken(ctx, githubTok); err != nil {
		return nil, err
	}

	copilotTok, err := f.gate.exchangeCopilotToken(ctx, f.cfg.ExchangeURL, out.AccessToken)
	if err != nil {
		return nil, err
	}
	if err := f.gate.storeToken(ctx, copilotTok); err != nil {
		return nil, err
	}

	f.drop(deviceCode)
	f.gate.logger.Info("device authorization complete",
		zap.String("provider", f.cfg.Provider),
		zap.Int64("expires_at", copilotTok.ExpiresAt))
	return &PollResult{State: PollSuccess, Token: copilotTok}, nil
}

func (f *DeviceFlow) drop(deviceCode string) {
	f.mu.Lock()
	delete(f.sessions, deviceCode)
	f.mu.Unlock()
}

// exchangeCopilotToken trades a GitHub access token for a Copilot access
// token. The endpoint is internal to GitHub and may change; every reference
// to it goes through this single function.
func (g *Gate) exchangeCopilotToken(ctx context.Context, exchangeURL, githubToken string) (*types.TokenInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exchangeURL, nil)
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "build copilot exchange request").WithCause(err)
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Editor-Plugin-Version", editorPluginVersion)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrNetwork, "copilot token exchange failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, types.NewError(types.ErrNotAuthenticated,
			"github token rejected by copilot exchange").WithHTTPStatus(resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewError(types.ErrAPI,
			fmt.Sprintf("copilot exchange returned status %d: %s", resp.StatusCode, string(body))).
			WithHTTPStatus(resp.StatusCode)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrMalformed, "decode copilot exchange response").WithCause(err)
	}
	if out.Token == "" {
		return nil, types.NewError(types.ErrMalformed, "copilot exchange returned empty token")
	}

	return &types.TokenInfo{
		Type:        types.TokenTypeOAuth,
		AccessToken: out.Token,
		ExpiresAt:   out.ExpiresAt,
		Provider:    "copilot",
	}, nil
}
