// Package openaicompat is the shared base for OpenAI-shaped chat APIs.
// The openai and copilot adapters embed it and override only what differs:
// name, base URL, headers, auth source, and model tables.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/greyhelm/lorekeeper/internal/tlsutil"
	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/llm/providers"
	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
)

// Config configures an OpenAI-compatible adapter.
type Config struct {
	ProviderName string
	Base         providers.BaseConfig

	// TokenSource supplies bearer tokens for OAuth-backed variants
	// (copilot). When nil, Base.APIKey authenticates.
	TokenSource providers.TokenSource

	// DefaultModel and FallbackModel select the model when the request
	// names none.
	DefaultModel  string
	FallbackModel string

	// EndpointPath defaults to "/v1/chat/completions"; ModelsEndpoint to
	// "/v1/models".
	EndpointPath   string
	ModelsEndpoint string

	// BuildHeaders overrides the default bearer-auth headers.
	BuildHeaders func(req *http.Request, credential string)

	// Models is the adapter's known capability matrix.
	Models *providers.ModelTable

	Caps llm.Capabilities

	// Observer receives rate-limit state parsed from responses.
	Observer providers.RateLimitObserver

	// CountTokens estimates request input tokens; wired by the adapter to
	// its tokenizer.
	CountTokens func(req *llm.ChatRequest) (int, error)
}

// Provider is the shared OpenAI-compatible implementation.
type Provider struct {
	cfg        Config
	client     *http.Client
	streamHTTP *http.Client
	logger     *zap.Logger
	modelCache *providers.ModelCache
}

// New creates an adapter with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Base.Normalize()
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if cfg.Models == nil {
		cfg.Models = providers.NewModelTable(nil)
	}
	return &Provider{
		cfg:        cfg,
		client:     tlsutil.SecureHTTPClient(cfg.Base.Timeout),
		streamHTTP: tlsutil.StreamingHTTPClient(cfg.Base.ConnectTimeout, cfg.Base.HeaderTimeout),
		logger:     logger.With(zap.String("provider", cfg.ProviderName)),
		modelCache: providers.NewModelCache(cfg.Base.ModelListTTL),
	}
}

func (p *Provider) Name() string                  { return p.cfg.ProviderName }
func (p *Provider) Capabilities() llm.Capabilities { return p.cfg.Caps }

func (p *Provider) ResolveModel(alias string) (string, bool) {
	return p.cfg.Models.Resolve(alias)
}

func (p *Provider) MaxContextWindow(model string) int {
	return p.cfg.Models.Window(model)
}

func (p *Provider) CountTokens(req *llm.ChatRequest) (int, error) {
	if p.cfg.CountTokens == nil {
		return 0, fmt.Errorf("no token counter configured for %s", p.cfg.ProviderName)
	}
	return p.cfg.CountTokens(req)
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.Base.BaseURL, "/") + path
}

// credential resolves the bearer credential for one call.
func (p *Provider) credential(ctx context.Context) (string, error) {
	if p.cfg.TokenSource != nil {
		return p.cfg.TokenSource.AccessToken(ctx)
	}
	if p.cfg.Base.APIKey == "" {
		return "", types.NewError(types.ErrNotAuthenticated,
			fmt.Sprintf("no API key configured for %s", p.cfg.ProviderName)).
			WithProvider(p.cfg.ProviderName)
	}
	return p.cfg.Base.APIKey, nil
}

func (p *Provider) applyHeaders(req *http.Request, credential string) {
	if p.cfg.BuildHeaders != nil {
		p.cfg.BuildHeaders(req, credential)
		return
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", providers.UserAgent)
}

func (p *Provider) publishRateLimits(h http.Header) {
	if p.cfg.Observer == nil {
		return
	}
	if info := providers.ParseRateLimitHeaders(h); info != nil {
		p.cfg.Observer(p.cfg.ProviderName, *info)
	}
}

// doWithAuthRetry issues the request, retrying exactly once through the
// token source after a 401. The caller owns the returned response body.
func (p *Provider) doWithAuthRetry(ctx context.Context, client *http.Client, build func(credential string) (*http.Request, error)) (*http.Response, error) {
	cred, err := p.credential(ctx)
	if err != nil {
		return nil, err
	}
	req, err := build(cred)
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "build request").
			WithProvider(p.cfg.ProviderName).WithCause(err)
	}
	p.applyHeaders(req, cred)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "request cancelled").
				WithProvider(p.cfg.ProviderName).WithCause(ctx.Err())
		}
		return nil, types.NewError(types.ErrNetwork, "request failed").
			WithProvider(p.cfg.ProviderName).WithCause(err)
	}

	if resp.StatusCode != http.StatusUnauthorized || p.cfg.TokenSource == nil {
		return resp, nil
	}
	resp.Body.Close()

	fresh, err := p.cfg.TokenSource.HandleUnauthorized(ctx, cred)
	if err != nil {
		return nil, err
	}
	req, err = build(fresh)
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "build request").
			WithProvider(p.cfg.ProviderName).WithCause(err)
	}
	p.applyHeaders(req, fresh)

	resp, err = client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrNetwork, "request failed after reauth").
			WithProvider(p.cfg.ProviderName).WithCause(err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, types.NewError(types.ErrTokenExpired,
			"provider rejected refreshed credential").WithProvider(p.cfg.ProviderName)
	}
	return resp, nil
}

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	resp, err := p.doWithAuthRetry(ctx, p.client, func(cred string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.cfg.ModelsEndpoint), nil)
	})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check: status=%d msg=%s", p.cfg.ProviderName, resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels enumerates models, cached by auth identity with a TTL. On
// enumeration failure the hard-coded table is returned.
func (p *Provider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	cred, err := p.credential(ctx)
	if err != nil {
		return p.cfg.Models.Fallback(p.cfg.ProviderName, p.cfg.Caps), nil
	}
	key := providers.IdentityKey(cred)
	if cached, ok := p.modelCache.Get(key); ok {
		return cached, nil
	}

	resp, err := p.doWithAuthRetry(ctx, p.client, func(c string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.cfg.ModelsEndpoint), nil)
	})
	if err != nil {
		return p.cfg.Models.Fallback(p.cfg.ProviderName, p.cfg.Caps), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p.cfg.Models.Fallback(p.cfg.ProviderName, p.cfg.Caps), nil
	}

	var listed struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return p.cfg.Models.Fallback(p.cfg.ProviderName, p.cfg.Caps), nil
	}

	out := make([]llm.ModelInfo, 0, len(listed.Data))
	for _, m := range listed.Data {
		out = append(out, llm.ModelInfo{
			ID:           m.ID,
			OwnedBy:      m.OwnedBy,
			Capabilities: p.cfg.Caps,
		})
	}
	p.modelCache.Put(key, out)
	return out, nil
}

// Completion performs a buffered chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body := buildWireRequest(req, providers.ChooseModel(req, p.cfg.DefaultModel, p.cfg.FallbackModel), false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "encode request").
			WithProvider(p.cfg.ProviderName).WithCause(err)
	}

	start := time.Now()
	resp, err := p.doWithAuthRetry(ctx, p.client, func(cred string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.EndpointPath), bytes.NewReader(payload))
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	p.publishRateLimits(resp.Header)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.cfg.ProviderName, resp.Header)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrMalformed, "decode response").
			WithProvider(p.cfg.ProviderName).WithCause(err)
	}
	out := toChatResponse(wire, p.cfg.ProviderName)
	out.Latency = time.Since(start)
	return out, nil
}

// Stream performs a streaming chat completion over SSE.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body := buildWireRequest(req, providers.ChooseModel(req, p.cfg.DefaultModel, p.cfg.FallbackModel), true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "encode request").
			WithProvider(p.cfg.ProviderName).WithCause(err)
	}

	resp, err := p.doWithAuthRetry(ctx, p.streamHTTP, func(cred string) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.EndpointPath), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "text/event-stream")
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	p.publishRateLimits(resp.Header)

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.cfg.ProviderName, resp.Header)
	}

	return ParseSSE(ctx, resp.Body, p.cfg.ProviderName), nil
}
