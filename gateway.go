// Package lorekeeper is the LLM routing and multi-provider gateway core of
// the lorekeeper desktop TTRPG assistant. The Gateway facade wires the
// token store, OAuth gate, provider adapters, streaming engine, health
// tracker, and router into the command surface the application layer
// consumes.
package lorekeeper

import (
	"context"
	"fmt"
	"time"

	"github.com/greyhelm/lorekeeper/config"
	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/llm/auth"
	"github.com/greyhelm/lorekeeper/llm/budget"
	"github.com/greyhelm/lorekeeper/llm/health"
	"github.com/greyhelm/lorekeeper/llm/idempotency"
	"github.com/greyhelm/lorekeeper/llm/ledger"
	"github.com/greyhelm/lorekeeper/llm/oauth"
	"github.com/greyhelm/lorekeeper/llm/pricing"
	"github.com/greyhelm/lorekeeper/llm/providers"
	"github.com/greyhelm/lorekeeper/llm/providers/anthropic"
	"github.com/greyhelm/lorekeeper/llm/providers/copilot"
	"github.com/greyhelm/lorekeeper/llm/providers/gemini"
	"github.com/greyhelm/lorekeeper/llm/providers/ollama"
	"github.com/greyhelm/lorekeeper/llm/providers/openai"
	"github.com/greyhelm/lorekeeper/llm/ratelimit"
	"github.com/greyhelm/lorekeeper/llm/router"
	"github.com/greyhelm/lorekeeper/llm/streaming"
	"github.com/greyhelm/lorekeeper/types"
	"github.com/google/uuid"
	"github.com/greyhelm/lorekeeper/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Gateway is the application-facing facade over the gateway core.
type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	store    auth.Store
	gate     *oauth.Gate
	pkce     map[string]*oauth.PKCEFlow   // anthropic, gemini
	device   map[string]*oauth.DeviceFlow // copilot
	registry *llm.ProviderRegistry
	tracker  *health.Tracker
	limits   *ratelimit.Gate
	budgets  *budget.Manager
	prices   *pricing.Table
	engine   *streaming.Engine
	book     *ledger.Ledger
	router   *router.Router

	promReg *prometheus.Registry
	metrics *metrics.Collector
}

// Option customizes gateway construction.
type Option func(*Gateway)

// WithTokenStore replaces the configured token store (embedding hosts,
// tests).
func WithTokenStore(store auth.Store) Option {
	return func(g *Gateway) { g.store = store }
}

// WithLogger replaces the logger built from config.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New builds a gateway from configuration. Enabled providers are
// constructed and registered; OAuth flows are prepared for the providers
// that use them.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	g := &Gateway{
		cfg:      cfg,
		registry: llm.NewProviderRegistry(),
		tracker:  health.NewTracker(),
		pkce:     make(map[string]*oauth.PKCEFlow),
		device:   make(map[string]*oauth.DeviceFlow),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.logger == nil {
		logger, err := buildLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		g.logger = logger
	}
	g.limits = ratelimit.NewGate(g.logger)
	// Each gateway gets its own registry so embedding hosts and tests stay
	// hermetic; MetricsRegistry exposes it for scraping.
	g.promReg = prometheus.NewRegistry()
	g.metrics = metrics.NewCollector("lorekeeper", g.promReg)

	if g.store == nil {
		store, err := buildStore(cfg, g.logger)
		if err != nil {
			return nil, err
		}
		g.store = store
	}
	g.gate = oauth.NewGate(g.store, g.logger)
	g.pkce["anthropic"] = oauth.NewPKCEFlow(g.gate, oauth.ClaudeEndpoints)
	g.pkce["gemini"] = oauth.NewPKCEFlow(g.gate, oauth.GeminiEndpoints)
	g.device["copilot"] = oauth.NewDeviceFlow(g.gate, oauth.CopilotEndpoints)

	// COPILOT_GITHUB_TOKEN seeds the github credential so the copilot
	// exchange can mint tokens without an interactive device flow.
	if seed := config.GithubTokenFromEnv(); seed != "" {
		tok := &types.TokenInfo{Type: types.TokenTypeOAuth, AccessToken: seed, Provider: "github"}
		if err := g.store.Save(context.Background(), "github", tok); err != nil {
			g.logger.Warn("seed github token failed", zap.Error(err))
		}
	}

	var err error
	if cfg.PricingPath != "" {
		g.prices, err = pricing.LoadFile(cfg.PricingPath)
	} else {
		g.prices, err = pricing.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	g.budgets, err = budget.NewManager(cfg.BudgetPath, g.logger)
	if err != nil {
		return nil, err
	}
	for scope, amount := range cfg.BudgetLimits {
		g.budgets.SetLimit(budget.Scope(scope), amount)
	}

	if cfg.LedgerPath != "" {
		g.book, err = ledger.Open(cfg.LedgerPath, g.logger)
		if err != nil {
			g.logger.Warn("ledger unavailable, continuing without it", zap.Error(err))
			g.book = nil
		}
	}

	g.engine = streaming.NewEngine(cfg.Timeouts.StreamStall, g.logger)

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		if err := g.ConfigureProvider(name, pc); err != nil {
			return nil, err
		}
	}

	g.router = router.New(router.Config{
		MaxFailoverAttempts: cfg.Routing.MaxFailoverAttempts,
		SessionID:           uuid.NewString(),
		Degradation: router.DegradationPolicy{
			EnableContextReduction: cfg.Degradation.EnableContextReduction,
			EnableEmergencyFloor:   cfg.Degradation.EnableEmergencyFloor,
			FloorProvider:          cfg.Degradation.FloorProvider,
		},
	}, router.Deps{
		Registry: g.registry,
		Tracker:  g.tracker,
		Gate:     g.limits,
		Budgets:  g.budgets,
		Prices:   g.prices,
		Idem:     idempotency.NewMemoryManager(g.logger),
		Streams:  g.engine,
		Ledger:   g.book,
		Logger:   g.logger,
	})
	g.router.SetStrategy(strategyFromConfig(cfg.Routing))

	return g, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func buildStore(cfg *config.Config, logger *zap.Logger) (auth.Store, error) {
	switch cfg.TokenStore {
	case "memory":
		return auth.NewMemoryStore(), nil
	case "keychain":
		// The OS keyring binding is supplied by the host application via
		// WithTokenStore; without one the file store is the safe default.
		return auth.NewFileStore(cfg.TokenDir, logger)
	default:
		return auth.NewFileStore(cfg.TokenDir, logger)
	}
}

func strategyFromConfig(rc config.RoutingConfig) router.Strategy {
	s := router.Strategy{
		Kind:            router.StrategyKind(rc.Strategy),
		Priority:        rc.Priority,
		LBMode:          router.LBMode(rc.LBMode),
		Weights:         rc.Weights,
		TaskPreferences: rc.TaskPreferences,
		Composite: router.CompositeWeights{
			Cost:        rc.CompositeCost,
			Latency:     rc.CompositeLatency,
			Quality:     rc.CompositeQuality,
			Reliability: rc.CompositeReliability,
		},
	}
	switch s.Kind {
	case router.StrategyPriorityList, router.StrategyCostOptimized,
		router.StrategyLatencyOptimized, router.StrategyQualityOptimized,
		router.StrategyReliability, router.StrategyLoadBalanced,
		router.StrategyAdaptive, router.StrategyComposite:
		return s
	default:
		return router.DefaultStrategy()
	}
}

// ConfigureProvider builds and registers one adapter. Reconfiguring an
// existing provider replaces it.
func (g *Gateway) ConfigureProvider(name string, pc config.ProviderConfig) error {
	base := providers.BaseConfig{
		APIKey:         pc.APIKey,
		BaseURL:        pc.BaseURL,
		Model:          pc.Model,
		Timeout:        g.cfg.Timeouts.NonStreaming,
		ConnectTimeout: g.cfg.Timeouts.Connect,
		HeaderTimeout:  g.cfg.Timeouts.Headers,
	}
	observer := func(provider string, info llm.RateLimitInfo) {
		g.tracker.PublishRateLimit(provider, info)
	}

	var p llm.Provider
	switch name {
	case "anthropic":
		var source providers.TokenSource
		if pc.AuthType == "oauth" {
			source = g.gate.Bound("anthropic")
		}
		p = anthropic.New(anthropic.Config{BaseConfig: base}, source, observer, g.logger)
	case "openai":
		p = openai.New(openai.Config{BaseConfig: base}, observer, g.logger)
	case "gemini":
		var source providers.TokenSource
		if pc.AuthType == "oauth" {
			source = g.gate.Bound("gemini")
		}
		p = gemini.New(gemini.Config{BaseConfig: base}, source, observer, g.logger)
	case "copilot":
		p = copilot.New(copilot.Config{BaseConfig: base}, g.gate.Bound("copilot"), observer, g.logger)
	case "ollama":
		p = ollama.New(ollama.Config{BaseConfig: base}, g.logger)
	default:
		return fmt.Errorf("unknown provider %q", name)
	}

	g.registry.Register(p)
	if pc.RequestsPerMinute > 0 || pc.TokensPerMinute > 0 {
		g.limits.Configure(name, ratelimit.Limits{
			RequestsPerMinute: pc.RequestsPerMinute,
			TokensPerMinute:   pc.TokensPerMinute,
		})
	}
	g.logger.Info("provider configured",
		zap.String("provider", name),
		zap.String("auth_type", pc.AuthType))
	return nil
}

// --- chat surface ---

// Chat dispatches a buffered request through the router.
func (g *Gateway) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := g.router.Chat(ctx, req)
	if err != nil {
		g.metrics.ObserveRequest("", req.Model, string(types.GetErrorCode(err)), time.Since(start))
		return nil, err
	}
	g.metrics.ObserveRequest(resp.Provider, resp.Model, "ok", resp.Latency)
	g.metrics.ObserveTokens(resp.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

// StreamChat opens a streaming request and returns its stream id plus the
// chunk channel.
func (g *Gateway) StreamChat(ctx context.Context, req *llm.ChatRequest) (string, <-chan llm.StreamChunk, error) {
	id, ch, err := g.router.StreamChat(ctx, req)
	if err != nil {
		return "", nil, err
	}
	if provider, ok := g.engine.Provider(id); ok {
		g.metrics.StreamStarted(provider)
		go func() {
			// The gauge drops when the stream leaves the registry.
			for {
				if _, still := g.engine.Provider(id); !still {
					g.metrics.StreamEnded(provider)
					return
				}
				time.Sleep(250 * time.Millisecond)
			}
		}()
	}
	return id, ch, nil
}

// CancelStream aborts an active stream. Returns false for unknown ids.
func (g *Gateway) CancelStream(streamID string) bool {
	provider, known := g.engine.Provider(streamID)
	ok := g.engine.Cancel(streamID)
	if ok && known {
		g.metrics.ObserveCancel(provider)
	}
	return ok
}

// MetricsRegistry exposes the gateway's Prometheus registry for scraping.
func (g *Gateway) MetricsRegistry() *prometheus.Registry {
	return g.promReg
}

// ActiveStreams lists in-flight stream ids.
func (g *Gateway) ActiveStreams() []string {
	return g.engine.ActiveStreams()
}

// --- introspection surface ---

// CheckHealth probes every registered provider.
func (g *Gateway) CheckHealth(ctx context.Context) map[string]health.Status {
	out := make(map[string]health.Status)
	for _, name := range g.registry.List() {
		p, _ := g.registry.Get(name)
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		st, err := p.HealthCheck(probeCtx)
		cancel()
		healthy := err == nil && st != nil && st.Healthy
		g.metrics.ObserveHealthCheck(name, healthy)
		if !healthy {
			g.tracker.RecordError(name, types.NewError(types.ErrNetwork, "health probe failed"))
		} else {
			g.tracker.RecordSuccess(name, st.Latency)
		}
		out[name] = g.tracker.Status(name)
	}
	return out
}

// ModelListing is one row of ListModels: identity, capabilities, pricing.
type ModelListing struct {
	llm.ModelInfo
	Pricing *pricing.Entry `json:"pricing,omitempty"`
}

// ListModels enumerates a provider's models with pricing attached.
func (g *Gateway) ListModels(ctx context.Context, provider string) ([]ModelListing, error) {
	p, ok := g.registry.Get(provider)
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", provider)
	}
	models, err := p.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ModelListing, 0, len(models))
	for _, m := range models {
		row := ModelListing{ModelInfo: m}
		if entry, ok := g.prices.Lookup(provider, m.ID); ok {
			row.Pricing = entry
		}
		out = append(out, row)
	}
	return out, nil
}

// RouterStats snapshots per-provider health counters.
func (g *Gateway) RouterStats() map[string]health.Stats {
	return g.router.Stats()
}

// RouterCosts reports budget consumption per scope.
func (g *Gateway) RouterCosts() map[budget.Scope]budget.ScopeStatus {
	return g.budgets.Status()
}

// SetRoutingStrategy replaces the active strategy.
func (g *Gateway) SetRoutingStrategy(s router.Strategy) {
	g.router.SetStrategy(s)
}

// EstimateRequestCost brackets a request's cost before dispatch.
func (g *Gateway) EstimateRequestCost(req *llm.ChatRequest) (pricing.CostEstimate, error) {
	return g.router.EstimateCost(req)
}

// OnBudgetWarning registers the budget warning event callback.
func (g *Gateway) OnBudgetWarning(fn func(budget.Event)) {
	g.budgets.OnWarn(fn)
}

// --- oauth surface ---

// OAuthStart is the result of StartOAuth: a browser URL for PKCE
// providers, or the device-code bundle for copilot.
type OAuthStart struct {
	// PKCE fields.
	URL   string `json:"url,omitempty"`
	State string `json:"state,omitempty"`

	// Device-code fields.
	DeviceCode      string        `json:"device_code,omitempty"`
	UserCode        string        `json:"user_code,omitempty"`
	VerificationURI string        `json:"verification_uri,omitempty"`
	Interval        time.Duration `json:"interval,omitempty"`
	ExpiresIn       time.Duration `json:"expires_in,omitempty"`
}

// StartOAuth begins the provider's flow.
func (g *Gateway) StartOAuth(ctx context.Context, provider string) (*OAuthStart, error) {
	if flow, ok := g.pkce[provider]; ok {
		sess, err := flow.BeginAuthorize()
		if err != nil {
			return nil, err
		}
		return &OAuthStart{URL: sess.URL, State: sess.State}, nil
	}
	if flow, ok := g.device[provider]; ok {
		sess, err := flow.Begin(ctx)
		if err != nil {
			return nil, err
		}
		return &OAuthStart{
			DeviceCode:      sess.DeviceCode,
			UserCode:        sess.UserCode,
			VerificationURI: sess.VerificationURI,
			Interval:        sess.Interval,
			ExpiresIn:       sess.ExpiresIn,
		}, nil
	}
	return nil, fmt.Errorf("provider %q has no oauth flow", provider)
}

// CompleteOAuth finishes a PKCE flow with the redirect's code and state.
func (g *Gateway) CompleteOAuth(ctx context.Context, provider, code, state string) error {
	flow, ok := g.pkce[provider]
	if !ok {
		return fmt.Errorf("provider %q has no pkce flow", provider)
	}
	_, err := flow.CompleteAuthorize(ctx, code, state)
	return err
}

// PollOAuth polls a device-code flow once.
func (g *Gateway) PollOAuth(ctx context.Context, provider, deviceCode string) (*oauth.PollResult, error) {
	flow, ok := g.device[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q has no device flow", provider)
	}
	return flow.Poll(ctx, deviceCode)
}

// OAuthStatus reports a provider's authentication state.
type OAuthStatus struct {
	Authenticated  bool   `json:"authenticated"`
	ExpiresAt      int64  `json:"expires_at,omitempty"`
	StorageBackend string `json:"storage_backend"`
}

// Status reports whether a provider holds a usable credential.
func (g *Gateway) Status(ctx context.Context, provider string) OAuthStatus {
	ok, expiresAt := g.gate.Status(ctx, provider)
	return OAuthStatus{
		Authenticated:  ok,
		ExpiresAt:      expiresAt,
		StorageBackend: g.cfg.TokenStore,
	}
}

// Logout clears a provider's stored credential.
func (g *Gateway) Logout(ctx context.Context, provider string) error {
	return g.gate.Logout(ctx, provider)
}
