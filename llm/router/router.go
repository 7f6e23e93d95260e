// Package router selects a provider for each request under the configured
// strategy, enforces budgets and admission limits, fails over on retryable
// errors, and debits actual cost on completion.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/llm/budget"
	"github.com/greyhelm/lorekeeper/llm/health"
	"github.com/greyhelm/lorekeeper/llm/idempotency"
	"github.com/greyhelm/lorekeeper/llm/ledger"
	"github.com/greyhelm/lorekeeper/llm/pricing"
	"github.com/greyhelm/lorekeeper/llm/ratelimit"
	"github.com/greyhelm/lorekeeper/llm/streaming"
	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
)

// Config tunes router behavior.
type Config struct {
	// MaxFailoverAttempts bounds re-selection per request. Default 3.
	MaxFailoverAttempts int `json:"max_failover_attempts" yaml:"max_failover_attempts"`

	// AdmissionDeadline bounds the wait at the rate-limit gate. Default 30s.
	AdmissionDeadline time.Duration `json:"admission_deadline" yaml:"admission_deadline"`

	// RateLimitEpsilon: providers rate-limited past now+epsilon are not
	// candidates. Default 1s.
	RateLimitEpsilon time.Duration `json:"rate_limit_epsilon" yaml:"rate_limit_epsilon"`

	// SessionID tags ledger rows.
	SessionID string `json:"session_id" yaml:"session_id"`

	// Degradation policies; each step must be explicitly enabled.
	Degradation DegradationPolicy `json:"degradation" yaml:"degradation"`
}

func (c *Config) normalize() {
	if c.MaxFailoverAttempts <= 0 {
		c.MaxFailoverAttempts = 3
	}
	if c.AdmissionDeadline <= 0 {
		c.AdmissionDeadline = 30 * time.Second
	}
	if c.RateLimitEpsilon <= 0 {
		c.RateLimitEpsilon = time.Second
	}
}

// Router is the dispatch core.
type Router struct {
	cfg      Config
	registry *llm.ProviderRegistry
	tracker  *health.Tracker
	gate     *ratelimit.Gate
	budgets  *budget.Manager
	prices   *pricing.Table
	idem     idempotency.Manager
	streams  *streaming.Engine
	book     *ledger.Ledger
	logger   *zap.Logger

	mu       sync.RWMutex
	strategy Strategy

	adaptive *adaptiveTable
	rr       roundRobin
}

// Deps carries the router's collaborators.
type Deps struct {
	Registry *llm.ProviderRegistry
	Tracker  *health.Tracker
	Gate     *ratelimit.Gate
	Budgets  *budget.Manager
	Prices   *pricing.Table
	Idem     idempotency.Manager
	Streams  *streaming.Engine
	Ledger   *ledger.Ledger
	Logger   *zap.Logger
}

// New creates a router.
func New(cfg Config, deps Deps) *Router {
	cfg.normalize()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Router{
		cfg:      cfg,
		registry: deps.Registry,
		tracker:  deps.Tracker,
		gate:     deps.Gate,
		budgets:  deps.Budgets,
		prices:   deps.Prices,
		idem:     deps.Idem,
		streams:  deps.Streams,
		book:     deps.Ledger,
		logger:   deps.Logger,
		strategy: DefaultStrategy(),
		adaptive: newAdaptiveTable(),
	}
}

// SetStrategy replaces the active strategy.
func (r *Router) SetStrategy(s Strategy) {
	r.mu.Lock()
	r.strategy = s
	r.mu.Unlock()
	r.logger.Info("routing strategy changed", zap.String("kind", string(s.Kind)))
}

// Strategy reads the active strategy.
func (r *Router) Strategy() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// candidate pairs a provider with its scoring inputs.
type candidate struct {
	provider llm.Provider
	name     string
	order    int // stable tie-break index
	stats    health.Stats
	model    string // resolved model for this provider
}

// candidates computes the eligible provider set for a request, excluding
// names in skip.
func (r *Router) candidates(req *llm.ChatRequest, skip map[string]bool) []candidate {
	var out []candidate
	now := time.Now()
	for order, name := range r.registry.List() {
		if skip[name] {
			continue
		}
		p, ok := r.registry.Get(name)
		if !ok {
			continue
		}

		caps := p.Capabilities()
		if req.NeedsTools() && !caps.Tools {
			continue
		}
		if req.NeedsVision() && !caps.Vision {
			continue
		}
		if req.Stream && !caps.Streaming {
			continue
		}

		model := req.Model
		if model != "" {
			full, ok := p.ResolveModel(model)
			if !ok {
				continue
			}
			model = full
		}

		stats := r.tracker.Snapshot(name)
		switch stats.Status.Kind {
		case health.StatusUnavailable:
			continue
		case health.StatusRateLimited, health.StatusQuotaExceeded:
			if stats.Status.Until.After(now.Add(r.cfg.RateLimitEpsilon)) {
				continue
			}
		}

		out = append(out, candidate{provider: p, name: name, order: order, stats: stats, model: model})
	}
	return out
}

// rank orders candidates by the active strategy; lower score is better,
// ties broken by the stable provider order.
func (r *Router) rank(cands []candidate, req *llm.ChatRequest) []candidate {
	strategy := r.Strategy()
	task := ""
	if req.Hint != nil {
		task = req.Hint.TaskCategory
	}

	score := func(c candidate) float64 {
		switch strategy.Kind {
		case StrategyPriorityList:
			for i, name := range strategy.Priority {
				if name == c.name {
					return float64(i)
				}
			}
			return float64(len(strategy.Priority) + c.order)

		case StrategyCostOptimized:
			return r.expectedCost(c, req)

		case StrategyLatencyOptimized:
			if c.stats.P95 == 0 {
				return 0 // unmeasured providers get a chance
			}
			return c.stats.P95.Seconds()

		case StrategyQualityOptimized:
			return qualityRank(strategy.TaskPreferences, task, c)

		case StrategyReliability:
			return 1.0 - reliabilityOf(c.stats)

		case StrategyLoadBalanced:
			switch strategy.LBMode {
			case LBLeastInFlight:
				return float64(c.stats.InFlight)
			case LBWeighted:
				w := strategy.Weights[c.name]
				if w <= 0 {
					w = 0.01
				}
				return float64(c.stats.InFlight+1) / w
			default:
				return 0 // round-robin handled below
			}

		case StrategyAdaptive:
			return 1.0 - r.adaptive.score(task, c.name)

		case StrategyComposite:
			return r.compositeScore(strategy.Composite, c, req, task)

		default:
			return float64(c.order)
		}
	}

	if strategy.Kind == StrategyLoadBalanced && (strategy.LBMode == LBRoundRobin || strategy.LBMode == "") {
		// Rotate the stable ordering instead of scoring.
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].order < cands[j].order })
		if len(cands) > 1 {
			start := r.rr.next(len(cands))
			rotated := make([]candidate, 0, len(cands))
			rotated = append(rotated, cands[start:]...)
			rotated = append(rotated, cands[:start]...)
			return rotated
		}
		return cands
	}

	type scored struct {
		candidate
		s float64
	}
	ranked := make([]scored, 0, len(cands))
	for _, c := range cands {
		ranked = append(ranked, scored{c, score(c)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].s != ranked[j].s {
			return ranked[i].s < ranked[j].s
		}
		return ranked[i].order < ranked[j].order
	})
	out := make([]candidate, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.candidate)
	}
	return out
}

func qualityRank(prefs map[string][]string, task string, c candidate) float64 {
	table, ok := prefs[task]
	if !ok {
		table = prefs[""]
	}
	for i, entry := range table {
		provider, model, found := strings.Cut(entry, "/")
		if provider != c.name {
			continue
		}
		if !found || model == "" || model == c.model || c.model == "" {
			return float64(i)
		}
	}
	return float64(len(table) + c.order)
}

func (r *Router) expectedCost(c candidate, req *llm.ChatRequest) float64 {
	model := c.model
	if model == "" {
		model, _ = c.provider.ResolveModel(req.Model)
	}
	entry, ok := r.prices.Lookup(c.name, model)
	if !ok {
		// Unpriced models sort last among priced ones.
		return 1e6
	}
	tokens, err := c.provider.CountTokens(req)
	if err != nil {
		tokens = 1000
	}
	return entry.Estimate(tokens, req.MaxTokens).Expected
}

func (r *Router) compositeScore(w CompositeWeights, c candidate, req *llm.ChatRequest, task string) float64 {
	total := w.Cost + w.Latency + w.Quality + w.Reliability
	if total <= 0 {
		return float64(c.order)
	}
	costScore := normalize(r.expectedCost(c, req), 1.0)
	latencyScore := normalize(c.stats.P95.Seconds(), 30.0)
	qualityScore := 1.0 - r.adaptive.score(task, c.name)
	reliabilityScore := 1.0 - reliabilityOf(c.stats)
	return (w.Cost*costScore + w.Latency*latencyScore +
		w.Quality*qualityScore + w.Reliability*reliabilityScore) / total
}

// ReportOutcome feeds the adaptive table from a completion outcome.
func (r *Router) ReportOutcome(task, provider string, success bool, latency time.Duration) {
	r.adaptive.observe(task, provider, success, normalize(latency.Seconds(), 30.0))
}

// EstimateCost brackets a request's cost on its best candidate.
func (r *Router) EstimateCost(req *llm.ChatRequest) (pricing.CostEstimate, error) {
	cands := r.rank(r.candidates(req, nil), req)
	for _, c := range cands {
		var entry *pricing.Entry
		if c.model != "" {
			if e, ok := r.prices.Lookup(c.name, c.model); ok {
				entry = e
			}
		} else if rows := r.prices.Entries(c.name); len(rows) > 0 {
			entry = &rows[0]
		}
		if entry == nil {
			continue
		}
		tokens, err := c.provider.CountTokens(req)
		if err != nil {
			continue
		}
		return entry.Estimate(tokens, req.MaxTokens), nil
	}
	return pricing.CostEstimate{}, types.NewError(types.ErrNoProvider,
		"no priced candidate can serve the request")
}

// Chat dispatches a non-streaming request: idempotency replay, budget
// gate, candidate iteration with failover on retryable errors, then cost
// debit and memoization.
func (r *Router) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}

	var idemKey string
	if req.IdempotencyKey != "" && r.idem != nil {
		idemKey = idempotency.HashKey("chat", req.IdempotencyKey)
		if data, hit, err := r.idem.Get(ctx, idemKey); err == nil && hit {
			var cached llm.ChatResponse
			if json.Unmarshal(data, &cached) == nil {
				r.logger.Debug("idempotent replay", zap.String("key", req.IdempotencyKey))
				return &cached, nil
			}
		}
	}

	cands := r.rank(r.candidates(req, nil), req)
	if len(cands) == 0 {
		return nil, types.NewError(types.ErrNoProvider, "no provider can serve the request")
	}

	skip := make(map[string]bool)
	var lastErr error
	attempts := 0

	for attempts < r.cfg.MaxFailoverAttempts {
		if len(cands) == 0 {
			break
		}
		c := cands[0]
		cands = cands[1:]
		attempts++

		resp, err := r.dispatchOnce(ctx, c, req)
		if err == nil {
			if idemKey != "" {
				if cacheErr := r.idem.Set(ctx, idemKey, resp, idempotency.DefaultTTL); cacheErr != nil {
					r.logger.Warn("idempotency cache store failed", zap.Error(cacheErr))
				}
			}
			return resp, nil
		}

		lastErr = err
		if !types.IsRetryable(err) {
			return nil, err
		}
		skip[c.name] = true
		r.logger.Warn("provider failed, failing over",
			zap.String("provider", c.name),
			zap.String("code", string(types.GetErrorCode(err))))
		if len(cands) == 0 {
			cands = r.rank(r.candidates(req, skip), req)
		}
	}

	if lastErr != nil {
		return r.degradedChat(ctx, req, lastErr)
	}
	return nil, types.NewError(types.ErrNoProvider, "all candidates exhausted")
}

// dispatchOnce runs the budget gate, admission gate, and one provider call.
func (r *Router) dispatchOnce(ctx context.Context, c candidate, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	effective, entry, err := r.applyBudget(c, req)
	if err != nil {
		return nil, err
	}

	tokens, tokErr := c.provider.CountTokens(effective)
	if tokErr != nil {
		tokens = 1000
	}
	if window := c.provider.MaxContextWindow(c.model); window > 0 && tokens > window {
		e := types.NewError(types.ErrInputTooLarge,
			fmt.Sprintf("request needs ~%d tokens; %s window is %d", tokens, c.model, window))
		e.TokenLimit = window
		e.TokenActual = tokens
		return nil, e
	}

	deadline := time.Now().Add(r.cfg.AdmissionDeadline)
	if err := r.gate.Acquire(ctx, c.name, tokens, deadline); err != nil {
		return nil, err
	}

	r.tracker.IncInFlight(c.name)
	start := time.Now()
	resp, err := c.provider.Completion(ctx, effective)
	latency := time.Since(start)
	r.tracker.DecInFlight(c.name)

	task := ""
	if req.Hint != nil {
		task = req.Hint.TaskCategory
	}

	if err != nil {
		var typed *types.Error
		if te, ok := err.(*types.Error); ok {
			typed = te
		} else {
			typed = types.NewError(types.ErrNetwork, "provider call failed").WithCause(err)
		}
		r.tracker.RecordError(c.name, typed)
		if typed.Code == types.ErrRateLimited && typed.RetryAfter > 0 {
			r.gate.Throttle(c.name, time.Now().Add(typed.RetryAfter))
		}
		r.ReportOutcome(task, c.name, false, latency)
		return nil, typed
	}

	r.tracker.RecordSuccess(c.name, latency)
	r.ReportOutcome(task, c.name, true, latency)
	resp.Latency = latency

	r.settle(c.name, resp, entry, latency)
	return resp, nil
}

// applyBudget runs the pre-dispatch budget check: threshold bands first
// (warn, downgrade, reject), then the hard-limit projection check on the
// request that will actually dispatch. It returns the (possibly
// model-downgraded) request and the pricing entry used for settlement.
func (r *Router) applyBudget(c candidate, req *llm.ChatRequest) (*llm.ChatRequest, *pricing.Entry, error) {
	model := c.model
	entry, priced := r.prices.Lookup(c.name, model)
	if r.budgets == nil {
		return req, entry, nil
	}

	projection := func(e *pricing.Entry) float64 {
		if e == nil {
			return 0
		}
		tokens, err := c.provider.CountTokens(req)
		if err != nil {
			tokens = 1000
		}
		return e.Estimate(tokens, req.MaxTokens).Max
	}

	decision := r.budgets.Check()
	if decision.Action == budget.ActionReject {
		return nil, entry, decision.RejectError()
	}

	effective := req
	if decision.Action == budget.ActionDowngrade && !req.ModelPinned && priced {
		if alt, ok := r.prices.CheaperAlternative(c.name, model); ok {
			r.logger.Warn("budget downgrade",
				zap.String("provider", c.name),
				zap.String("from", model),
				zap.String("to", alt.Model))
			downgraded := *req
			downgraded.Model = alt.Model
			effective = &downgraded
			entry = alt
			priced = true
		}
	}

	if priced {
		if fit := r.budgets.Fits(projection(entry)); fit.Action == budget.ActionReject {
			return nil, entry, fit.RejectError()
		}
	}
	return effective, entry, nil
}

// settle debits actual cost and records the ledger row.
func (r *Router) settle(provider string, resp *llm.ChatResponse, entry *pricing.Entry, latency time.Duration) {
	cost := 0.0
	if entry != nil {
		cost = entry.Cost(resp.Usage)
	} else if e, ok := r.prices.Lookup(provider, resp.Model); ok {
		cost = e.Cost(resp.Usage)
	}
	if r.budgets != nil && cost > 0 {
		r.budgets.Debit(cost)
	}
	if r.book != nil {
		if err := r.book.Record(r.cfg.SessionID, provider, resp.Model, resp.Usage, cost, latency); err != nil {
			r.logger.Warn("ledger record failed", zap.Error(err))
		}
	}
}

// StreamChat dispatches a streaming request. Provider selection and
// failover happen only before the stream opens; once any chunk has been
// produced, errors surface in-stream and the request is never silently
// restarted.
func (r *Router) StreamChat(ctx context.Context, req *llm.ChatRequest) (string, <-chan llm.StreamChunk, error) {
	if err := req.Validate(); err != nil {
		return "", nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}
	streamReq := *req
	streamReq.Stream = true

	cands := r.rank(r.candidates(&streamReq, nil), &streamReq)
	if len(cands) == 0 {
		return "", nil, types.NewError(types.ErrNoProvider, "no provider can serve the request")
	}

	skip := make(map[string]bool)
	var lastErr error
	attempts := 0

	for attempts < r.cfg.MaxFailoverAttempts && len(cands) > 0 {
		c := cands[0]
		cands = cands[1:]
		attempts++

		effective, entry, err := r.applyBudget(c, &streamReq)
		if err != nil {
			return "", nil, err
		}

		tokens, tokErr := c.provider.CountTokens(effective)
		if tokErr != nil {
			tokens = 1000
		}
		deadline := time.Now().Add(r.cfg.AdmissionDeadline)
		if err := r.gate.Acquire(ctx, c.name, tokens, deadline); err != nil {
			lastErr = err
			skip[c.name] = true
			continue
		}

		r.tracker.IncInFlight(c.name)
		id, src, err := r.streams.Open(ctx, c.provider, effective, r.streamObserver(c, entry))
		if err != nil {
			r.tracker.DecInFlight(c.name)
			var typed *types.Error
			if te, ok := err.(*types.Error); ok {
				typed = te
			} else {
				typed = types.NewError(types.ErrNetwork, "stream open failed").WithCause(err)
			}
			r.tracker.RecordError(c.name, typed)
			lastErr = typed
			if !types.IsRetryable(typed) {
				return "", nil, typed
			}
			skip[c.name] = true
			if len(cands) == 0 {
				cands = r.rank(r.candidates(&streamReq, skip), &streamReq)
			}
			continue
		}

		return id, src, nil
	}

	if lastErr != nil {
		return "", nil, lastErr
	}
	return "", nil, types.NewError(types.ErrNoProvider, "all candidates exhausted")
}

// streamObserver builds the synchronous chunk observer the engine invokes:
// it accumulates usage and, on the terminal chunk, records health outcome
// and settles cost. The observer runs on the pump goroutine, one chunk at a
// time, so its state needs no locking.
func (r *Router) streamObserver(c candidate, entry *pricing.Entry) streaming.Observer {
	var usage llm.TokenUsage
	model := c.model
	start := time.Now()
	done := false

	return func(chunk llm.StreamChunk) {
		if done {
			return
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		switch chunk.Kind {
		case llm.ChunkUsage:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		case llm.ChunkError:
			done = true
			latency := time.Since(start)
			r.tracker.DecInFlight(c.name)
			r.tracker.RecordError(c.name, chunk.Err)
			r.ReportOutcome("", c.name, false, latency)
		case llm.ChunkDone:
			done = true
			latency := time.Since(start)
			r.tracker.DecInFlight(c.name)
			r.tracker.RecordSuccess(c.name, latency)
			r.ReportOutcome("", c.name, true, latency)
			if usage.TotalTokens > 0 {
				resp := &llm.ChatResponse{Model: model, Usage: usage}
				r.settle(c.name, resp, entry, latency)
			}
		}
	}
}

// Stats exposes tracker snapshots for the application layer.
func (r *Router) Stats() map[string]health.Stats {
	return r.tracker.AllStats()
}
