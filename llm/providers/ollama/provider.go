// Package ollama implements the local Ollama adapter. Ollama speaks
// newline-delimited JSON on /api/chat: one object per line, the final
// object carrying done=true. No authentication is involved; the adapter is
// the emergency floor of the degradation cascade.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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

const defaultBaseURL = "http://localhost:11434"

// Config configures the Ollama adapter.
type Config struct {
	providers.BaseConfig `yaml:",inline"`
}

// Models is a minimal fallback table; the live /api/tags listing is
// authoritative for a local install.
var Models = providers.NewModelTable([]providers.ModelSpec{
	{ID: "llama3.1", ContextWindow: 131072, DefaultMaxOutput: 4096},
	{ID: "llama3.2", ContextWindow: 131072, DefaultMaxOutput: 4096},
	{ID: "mistral", ContextWindow: 32768, DefaultMaxOutput: 4096},
	{ID: "qwen2.5", ContextWindow: 32768, DefaultMaxOutput: 4096},
})

// Provider is the Ollama adapter.
type Provider struct {
	cfg        Config
	client     *http.Client
	streamHTTP *http.Client
	logger     *zap.Logger
	counter    tokenizer.Counter
	modelCache *providers.ModelCache
}

// New creates the Ollama adapter.
func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseConfig.Normalize()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Provider{
		cfg:        cfg,
		client:     tlsutil.SecureHTTPClient(cfg.Timeout),
		streamHTTP: tlsutil.StreamingHTTPClient(cfg.ConnectTimeout, cfg.HeaderTimeout),
		logger:     logger.With(zap.String("provider", "ollama")),
		counter:    tokenizer.NewEstimator(4.0, tokenizer.ImageTokensDefault),
		modelCache: providers.NewModelCache(cfg.ModelListTTL),
	}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, Tools: true, Vision: true}
}

func (p *Provider) ResolveModel(alias string) (string, bool) {
	if _, ok := Models.Resolve(alias); ok {
		return alias, true
	}
	// Local installs name models freely ("llama3.1:8b-instruct-q5"); accept
	// anything tag-shaped rather than forcing the table.
	if strings.Contains(alias, ":") {
		return alias, true
	}
	return "", false
}

func (p *Provider) MaxContextWindow(model string) int {
	if w := Models.Window(model); w > 0 {
		return w
	}
	return 8192
}

func (p *Provider) CountTokens(req *llm.ChatRequest) (int, error) {
	return p.counter.CountRequest(req)
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

// HealthCheck probes the version endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/api/version"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("ollama health check: status=%d", resp.StatusCode)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels lists locally installed models via /api/tags.
func (p *Provider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	caps := p.Capabilities()
	if cached, ok := p.modelCache.Get("local"); ok {
		return cached, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/api/tags"), nil)
	if err != nil {
		return Models.Fallback("ollama", caps), nil
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Models.Fallback("ollama", caps), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Models.Fallback("ollama", caps), nil
	}

	var listed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return Models.Fallback("ollama", caps), nil
	}
	out := make([]llm.ModelInfo, 0, len(listed.Models))
	for _, m := range listed.Models {
		out = append(out, llm.ModelInfo{ID: m.Name, OwnedBy: "ollama", Capabilities: caps})
	}
	p.modelCache.Put("local", out)
	return out, nil
}

func (p *Provider) post(ctx context.Context, client *http.Client, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/api/chat"), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "build request").WithProvider("ollama").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", providers.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "request cancelled").
				WithProvider("ollama").WithCause(ctx.Err())
		}
		return nil, types.NewError(types.ErrNetwork, "ollama unreachable").
			WithProvider("ollama").WithCause(err)
	}
	return resp, nil
}

// Completion performs a buffered chat call.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "llama3.1")
	payload, err := json.Marshal(buildWireRequest(req, model, false))
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "encode request").WithProvider("ollama").WithCause(err)
	}

	start := time.Now()
	resp, err := p.post(ctx, p.client, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, "ollama", resp.Header)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrMalformed, "decode response").WithProvider("ollama").WithCause(err)
	}
	out := toChatResponse(wire)
	out.Latency = time.Since(start)
	return out, nil
}

// Stream performs a streaming chat call over newline-delimited JSON.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "llama3.1")
	payload, err := json.Marshal(buildWireRequest(req, model, true))
	if err != nil {
		return nil, types.NewError(types.ErrMalformed, "encode request").WithProvider("ollama").WithCause(err)
	}

	resp, err := p.post(ctx, p.streamHTTP, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, "ollama", resp.Header)
	}

	return parseNDJSONStream(ctx, resp.Body, model), nil
}

// parseNDJSONStream converts one-JSON-object-per-line output into the
// uniform chunk sequence. The final line carries done=true plus usage
// counts.
func parseNDJSONStream(ctx context.Context, body io.ReadCloser, model string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, 64)
	go func() {
		defer body.Close()
		defer close(ch)

		emit := func(chunk llm.StreamChunk) bool {
			chunk.Provider = "ollama"
			chunk.Model = model
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		callSeq := 0
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var frame wireResponse
			if err := json.Unmarshal([]byte(line), &frame); err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(llm.ErrorChunk(types.NewError(types.ErrStreamParse,
					"bad NDJSON line").WithProvider("ollama").WithCause(err)))
				return
			}
			if frame.Error != "" {
				emit(llm.ErrorChunk(types.NewError(types.ErrAPI, frame.Error).WithProvider("ollama")))
				return
			}

			if frame.Message != nil {
				if frame.Message.Content != "" {
					if !emit(llm.DeltaChunk(frame.Message.Content, 0)) {
						return
					}
				}
				for _, tc := range frame.Message.ToolCalls {
					callSeq++
					args := string(tc.Function.Arguments)
					if args == "" {
						args = "{}"
					}
					c := llm.ToolCallDeltaChunk(
						fmt.Sprintf("call_%s_%d", tc.Function.Name, callSeq),
						tc.Function.Name, args)
					if !emit(c) {
						return
					}
				}
			}

			if frame.Done {
				reason := llm.FinishStop
				if frame.DoneReason == "length" {
					reason = llm.FinishLength
				} else if callSeq > 0 {
					reason = llm.FinishToolUse
				}
				if !emit(llm.FinishChunk(reason, 0)) {
					return
				}
				usage := llm.TokenUsage{
					InputTokens:  frame.PromptEvalCount,
					OutputTokens: frame.EvalCount,
				}
				usage.Normalize()
				if !emit(llm.UsageChunk(usage)) {
					return
				}
				emit(llm.DoneChunk())
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(llm.ErrorChunk(types.NewError(types.ErrNetwork,
				"stream read failed").WithProvider("ollama").WithCause(err)))
			return
		}
		emit(llm.ErrorChunk(types.NewError(types.ErrStreamParse,
			"stream ended before done frame").WithProvider("ollama")))
	}()
	return ch
}
