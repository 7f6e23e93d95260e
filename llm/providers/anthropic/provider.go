// Package anthropic implements the Claude Messages API adapter. The wire
// format is Anthropic's own: system prompt out of band, block-structured
// content, and an event-typed SSE stream.
package anthropic

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
	"github.com/greyhelm/lorekeeper/llm/tokenizer"
	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
)

const (
	apiVersion     = "2023-06-01"
	defaultBaseURL = "https://api.anthropic.com"
)

// Config configures the Claude adapter. When a TokenSource is present the
// adapter authenticates with an OAuth bearer token; otherwise APIKey goes
// out as x-api-key.
type Config struct {
	providers.BaseConfig `yaml:",inline"`
	AnthropicVersion     string `json:"anthropic_version,omitempty" yaml:"anthropic_version,omitempty"`
}

// Models is the known capability matrix, also the enumeration fallback.
var Models = providers.NewModelTable([]providers.ModelSpec{
	{ID: "claude-3-5-sonnet-20241022", Aliases: []string{"claude-3-5-sonnet", "sonnet"}, ContextWindow: 200000, DefaultMaxOutput: 8192},
	{ID: "claude-3-5-haiku-20241022", Aliases: []string{"claude-3-5-haiku", "haiku"}, ContextWindow: 200000, DefaultMaxOutput: 8192},
	{ID: "claude-3-opus-20240229", Aliases: []string{"claude-3-opus", "opus"}, ContextWindow: 200000, DefaultMaxOutput: 4096},
})

// Provider is the Claude adapter.
type Provider struct {
	cfg        Config
	source     providers.TokenSource
	observer   providers.RateLimitObserver
	client     *http.Client
	streamHTTP *http.Client
	logger     *zap.Logger
	counter    tokenizer.Counter
	modelCache *providers.ModelCache
}

// New creates the Claude adapter. source may be nil for API-key auth.
func New(cfg Config, source providers.TokenSource, observer providers.RateLimitObserver, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseConfig.Normalize()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = apiVersion
	}
	return &Provider{
		cfg:        cfg,
		source:     source,
		observer:   observer,
		client:     tlsutil.SecureHTTPClient(cfg.Timeout),
		streamHTTP: tlsutil.StreamingHTTPClient(cfg.ConnectTimeout, cfg.HeaderTimeout),
		logger:     logger.With(zap.String("provider", "anthropic")),
		counter:    tokenizer.NewEstimator(3.5, tokenizer.ImageTokensAnthropic),
		modelCache: providers.NewModelCache(cfg.ModelListTTL),
	}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming:           true,
		Tools:               true,
		Vision:              true,
		SystemPromptCaching: true,
	}
}

func (p *Provider) ResolveModel(alias string) (string, bool) { return Models.Resolve(alias) }
func (p *Provider) MaxContextWindow(model string) int        { return Models.Window(model) }

func (p *Provider) CountTokens(req *llm.ChatRequest) (int, error) {
	return p.counter.CountRequest(req)
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) credential(ctx context.Context) (string, error) {
	if p.source != nil {
		return p.source.AccessToken(ctx)
	}
	if p.cfg.APIKey == "" {
		return "", types.NewError(types.ErrNotAuthenticated, "no anthropic credential configured").
			WithProvider("anthropic")
	}
	return p.cfg.APIKey, nil
}

func (p *Provider) applyHeaders(req *http.Request, cred string) {
	if p.source != nil {
		req.Header.Set("Authorization", "Bearer "+cred)
	} else {
		req.Header.Set("x-api-key", cred)
	}
	req.Header.Set("anthropic-version", p.cfg.AnthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", providers.UserAgent)
}

// do issues the request, retrying exactly once through the token source
// after a 401.
func (p *Provider) do(ctx context.Context, client *http.Client, method, path string, payload []byte) (*http.Response, error) {
	build := func(cred string) (*http.Request, error) {
		var body *bytes.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		} else {
			body = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.endpoint(path), body)
		if err != nil {
			return nil, err
		}
		p.applyHeaders(req, cred)
		return req, nil
	}

	cred, err := p.credential(ctx)
	if err != nil {
		return nil, err
	}
	req, err := build(cred)
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "build request").WithProvider("anthropic").WithCause(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "request cancelled").
				WithProvider("anthropic").WithCause(ctx.Err())
		}
		return nil, types.NewError(types.ErrNetwork, "request failed").
			WithProvider("anthropic").WithCause(err)
	}
	if resp.StatusCode != http.StatusUnauthorized || p.source == nil {
		return resp, nil
	}
	resp.Body.Close()

	fresh, err := p.source.HandleUnauthorized(ctx, cred)
	if err != nil {
		return nil, err
	}
	req, err = build(fresh)
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "build request").WithProvider("anthropic").WithCause(err)
	}
	resp, err = client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrNetwork, "request failed after reauth").
			WithProvider("anthropic").WithCause(err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, types.NewError(types.ErrTokenExpired, "provider rejected refreshed credential").
			WithProvider("anthropic")
	}
	return resp, nil
}

func (p *Provider) publishRateLimits(h http.Header) {
	if p.observer == nil {
		return
	}
	if info := providers.ParseRateLimitHeaders(h); info != nil {
		p.observer("anthropic", *info)
	}
}

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	resp, err := p.do(ctx, p.client, http.MethodGet, "/v1/models", nil)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("anthropic health check: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels enumerates models, cached by auth identity.
func (p *Provider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	caps := p.Capabilities()
	cred, err := p.credential(ctx)
	if err != nil {
		return Models.Fallback("anthropic", caps), nil
	}
	key := providers.IdentityKey(cred)
	if cached, ok := p.modelCache.Get(key); ok {
		return cached, nil
	}

	resp, err := p.do(ctx, p.client, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return Models.Fallback("anthropic", caps), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Models.Fallback("anthropic", caps), nil
	}

	var listed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return Models.Fallback("anthropic", caps), nil
	}
	out := make([]llm.ModelInfo, 0, len(listed.Data))
	for _, m := range listed.Data {
		out = append(out, llm.ModelInfo{ID: m.ID, OwnedBy: "anthropic", Capabilities: caps})
	}
	p.modelCache.Put(key, out)
	return out, nil
}

// Completion performs a buffered messages call.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "claude-3-5-sonnet-20241022")
	if full, ok := Models.Resolve(model); ok {
		model = full
	}
	payload, err := json.Marshal(buildWireRequest(req, model, false))
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "encode request").WithProvider("anthropic").WithCause(err)
	}

	start := time.Now()
	resp, err := p.do(ctx, p.client, http.MethodPost, "/v1/messages", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	p.publishRateLimits(resp.Header)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, "anthropic", resp.Header)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrMalformed, "decode response").WithProvider("anthropic").WithCause(err)
	}
	out := toChatResponse(wire)
	out.Latency = time.Since(start)
	return out, nil
}

// Stream performs a streaming messages call over the event-typed SSE
// dialect.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "claude-3-5-sonnet-20241022")
	if full, ok := Models.Resolve(model); ok {
		model = full
	}
	payload, err := json.Marshal(buildWireRequest(req, model, true))
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "encode request").WithProvider("anthropic").WithCause(err)
	}

	resp, err := p.do(ctx, p.streamHTTP, http.MethodPost, "/v1/messages", payload)
	if err != nil {
		return nil, err
	}
	p.publishRateLimits(resp.Header)

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, "anthropic", resp.Header)
	}

	return parseEventStream(ctx, resp.Body), nil
}
