// Package gemini implements the Google Gemini adapter. Requests go to
// generateContent / streamGenerateContent; the streaming response is a JSON
// array delivered incrementally, so the parser decodes element by element
// and tolerates partial frames.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Config configures the Gemini adapter. With a TokenSource the adapter
// sends an OAuth bearer token; otherwise the API key goes out as
// x-goog-api-key.
type Config struct {
	providers.BaseConfig `yaml:",inline"`
}

// Models is the known capability matrix, also the enumeration fallback.
var Models = providers.NewModelTable([]providers.ModelSpec{
	{ID: "gemini-1.5-pro", Aliases: []string{"gemini-pro"}, ContextWindow: 2097152, DefaultMaxOutput: 8192},
	{ID: "gemini-1.5-flash", Aliases: []string{"gemini-flash"}, ContextWindow: 1048576, DefaultMaxOutput: 8192},
	{ID: "gemini-2.0-flash", ContextWindow: 1048576, DefaultMaxOutput: 8192},
})

// Provider is the Gemini adapter.
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

// New creates the Gemini adapter. source may be nil for API-key auth.
func New(cfg Config, source providers.TokenSource, observer providers.RateLimitObserver, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseConfig.Normalize()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Provider{
		cfg:        cfg,
		source:     source,
		observer:   observer,
		client:     tlsutil.SecureHTTPClient(cfg.Timeout),
		streamHTTP: tlsutil.StreamingHTTPClient(cfg.ConnectTimeout, cfg.HeaderTimeout),
		logger:     logger.With(zap.String("provider", "gemini")),
		counter:    tokenizer.NewEstimator(4.0, tokenizer.ImageTokensGemini),
		modelCache: providers.NewModelCache(cfg.ModelListTTL),
	}
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, Tools: true, Vision: true}
}

func (p *Provider) ResolveModel(alias string) (string, bool) { return Models.Resolve(alias) }
func (p *Provider) MaxContextWindow(model string) int        { return Models.Window(model) }

func (p *Provider) CountTokens(req *llm.ChatRequest) (int, error) {
	return p.counter.CountRequest(req)
}

func (p *Provider) credential(ctx context.Context) (string, error) {
	if p.source != nil {
		return p.source.AccessToken(ctx)
	}
	if p.cfg.APIKey == "" {
		return "", types.NewError(types.ErrNotAuthenticated, "no gemini credential configured").
			WithProvider("gemini")
	}
	return p.cfg.APIKey, nil
}

func (p *Provider) applyHeaders(req *http.Request, cred string) {
	if p.source != nil {
		req.Header.Set("Authorization", "Bearer "+cred)
	} else {
		req.Header.Set("x-goog-api-key", cred)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", providers.UserAgent)
}

func (p *Provider) do(ctx context.Context, client *http.Client, method, path string, payload []byte) (*http.Response, error) {
	build := func(cred string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method,
			strings.TrimRight(p.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
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
		return nil, types.NewError(types.ErrMalformed, "build request").WithProvider("gemini").WithCause(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "request cancelled").
				WithProvider("gemini").WithCause(ctx.Err())
		}
		return nil, types.NewError(types.ErrNetwork, "request failed").
			WithProvider("gemini").WithCause(err)
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
		return nil, types.NewError(types.ErrMalformed, "build request").WithProvider("gemini").WithCause(err)
	}
	resp, err = client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrNetwork, "request failed after reauth").
			WithProvider("gemini").WithCause(err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, types.NewError(types.ErrTokenExpired, "provider rejected refreshed credential").
			WithProvider("gemini")
	}
	return resp, nil
}

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	resp, err := p.do(ctx, p.client, http.MethodGet, "/v1beta/models", nil)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("gemini health check: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels enumerates models, cached by auth identity.
func (p *Provider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	caps := p.Capabilities()
	cred, err := p.credential(ctx)
	if err != nil {
		return Models.Fallback("google", caps), nil
	}
	key := providers.IdentityKey(cred)
	if cached, ok := p.modelCache.Get(key); ok {
		return cached, nil
	}

	resp, err := p.do(ctx, p.client, http.MethodGet, "/v1beta/models", nil)
	if err != nil {
		return Models.Fallback("google", caps), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Models.Fallback("google", caps), nil
	}

	var listed struct {
		Models []struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return Models.Fallback("google", caps), nil
	}
	out := make([]llm.ModelInfo, 0, len(listed.Models))
	for _, m := range listed.Models {
		out = append(out, llm.ModelInfo{
			ID:           strings.TrimPrefix(m.Name, "models/"),
			OwnedBy:      "google",
			Capabilities: caps,
		})
	}
	p.modelCache.Put(key, out)
	return out, nil
}

// Completion performs a buffered generateContent call.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "gemini-1.5-flash")
	if full, ok := Models.Resolve(model); ok {
		model = full
	}
	payload, err := json.Marshal(buildWireRequest(req))
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "encode request").WithProvider("gemini").WithCause(err)
	}

	start := time.Now()
	path := fmt.Sprintf("/v1beta/models/%s:generateContent", model)
	resp, err := p.do(ctx, p.client, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, "gemini", resp.Header)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrMalformed, "decode response").WithProvider("gemini").WithCause(err)
	}
	out := toChatResponse(wire, model)
	out.Latency = time.Since(start)
	return out, nil
}

// Stream performs a streamGenerateContent call. The body is one JSON array
// whose elements arrive incrementally.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "gemini-1.5-flash")
	if full, ok := Models.Resolve(model); ok {
		model = full
	}
	payload, err := json.Marshal(buildWireRequest(req))
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "encode request").WithProvider("gemini").WithCause(err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:streamGenerateContent", model)
	resp, err := p.do(ctx, p.streamHTTP, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, "gemini", resp.Header)
	}

	return parseJSONArrayStream(ctx, resp.Body, model), nil
}
