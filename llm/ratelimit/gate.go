// Package ratelimit implements the per-provider admission gate: token
// buckets for requests-per-minute and tokens-per-minute, set from each
// provider's configured limits. Provider rate-limit headers do not retune
// the buckets; a 429 with Retry-After holds the request bucket through
// Throttle. Waiters carry a deadline; a waiter whose deadline expires fails
// with RateLimited instead of queueing forever.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limits configures one provider's admission budget. Zero values mean
// unlimited for that dimension.
type Limits struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
}

type providerGate struct {
	requests *rate.Limiter // nil means unlimited
	tokens   *rate.Limiter
}

// Gate is the process-wide admission gate.
type Gate struct {
	mu        sync.RWMutex
	providers map[string]*providerGate
	logger    *zap.Logger
}

// NewGate creates an empty gate; unconfigured providers admit freely.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{providers: make(map[string]*providerGate), logger: logger}
}

// Configure sets a provider's limits, replacing any previous buckets.
func (g *Gate) Configure(provider string, limits Limits) {
	pg := &providerGate{}
	if limits.RequestsPerMinute > 0 {
		burst := limits.RequestsPerMinute / 6
		if burst < 1 {
			burst = 1
		}
		pg.requests = rate.NewLimiter(rate.Limit(float64(limits.RequestsPerMinute)/60.0), burst)
	}
	if limits.TokensPerMinute > 0 {
		burst := limits.TokensPerMinute / 6
		if burst < 1 {
			burst = 1
		}
		pg.tokens = rate.NewLimiter(rate.Limit(float64(limits.TokensPerMinute)/60.0), burst)
	}
	g.mu.Lock()
	g.providers[provider] = pg
	g.mu.Unlock()
}

// Acquire blocks until the provider admits a request of the estimated token
// size, or the deadline/context expires. The returned error is
// RateLimited when the wait cannot complete in time.
func (g *Gate) Acquire(ctx context.Context, provider string, estimatedTokens int, deadline time.Time) error {
	g.mu.RLock()
	pg := g.providers[provider]
	g.mu.RUnlock()
	if pg == nil {
		return nil
	}

	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if pg.requests != nil {
		if err := pg.requests.Wait(ctx); err != nil {
			return admissionError(ctx, provider, err)
		}
	}
	if pg.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > pg.tokens.Burst() {
			// A request larger than the burst can never pass WaitN; admit it
			// at the burst size so oversized prompts degrade to pacing
			// rather than deadlocking.
			n = pg.tokens.Burst()
		}
		if err := pg.tokens.WaitN(ctx, n); err != nil {
			return admissionError(ctx, provider, err)
		}
	}
	return nil
}

func admissionError(ctx context.Context, provider string, err error) error {
	if ctx.Err() == context.Canceled {
		return types.NewError(types.ErrCancelled, "admission wait cancelled").
			WithProvider(provider).WithCause(err)
	}
	return types.NewError(types.ErrRateLimited,
		fmt.Sprintf("admission deadline expired for %s", provider)).
		WithProvider(provider).WithCause(err)
}

// Throttle temporarily drains a provider's request bucket until the given
// time, used when a 429 arrives with Retry-After.
func (g *Gate) Throttle(provider string, until time.Time) {
	g.mu.RLock()
	pg := g.providers[provider]
	g.mu.RUnlock()
	if pg == nil || pg.requests == nil {
		return
	}
	wait := time.Until(until)
	if wait <= 0 {
		return
	}
	// Reserve burst-sized blocks until the next admission lies past the
	// retry window.
	now := time.Now()
	burst := pg.requests.Burst()
	for {
		r := pg.requests.ReserveN(now, burst)
		if !r.OK() || r.DelayFrom(now) >= wait {
			break
		}
	}
	g.logger.Debug("provider throttled",
		zap.String("provider", provider),
		zap.Duration("for", wait))
}
