// Package health tracks per-provider rolling counters: success and error
// rates over a sliding five-minute window, latency percentiles via a
// log-bucket histogram, in-flight gauges, and rate-limit state published by
// the adapters. The tracker is a message sink — adapters and the router
// write events in, the router reads status snapshots out — which keeps the
// router/adapter/tracker triangle acyclic.
package health

import (
	"sync"
	"time"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

const (
	windowBuckets  = 10               // 5 minutes of
	bucketDuration = 30 * time.Second // 30-second buckets
	hourMinutes    = 60
)

// StatusKind enumerates derived provider statuses.
type StatusKind string

const (
	StatusAvailable     StatusKind = "available"
	StatusDegraded      StatusKind = "degraded"
	StatusRateLimited   StatusKind = "rate_limited"
	StatusQuotaExceeded StatusKind = "quota_exceeded"
	StatusUnavailable   StatusKind = "unavailable"
)

// Status is the advisory status the router consumes.
type Status struct {
	Kind   StatusKind `json:"kind"`
	Until  time.Time  `json:"until,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Stats is a read snapshot of one provider's rolling counters.
type Stats struct {
	Provider     string                    `json:"provider"`
	SuccessCount int64                     `json:"success_count"`
	ErrorCount   int64                     `json:"error_count"`
	ErrorsByKind map[types.ErrorCode]int64 `json:"errors_by_kind,omitempty"`
	SuccessRate  float64                   `json:"success_rate"`
	P50           time.Duration `json:"p50"`
	P95           time.Duration `json:"p95"`
	P99           time.Duration `json:"p99"`
	InFlight      int           `json:"in_flight"`
	UptimeFraction float64      `json:"uptime_fraction"`
	RateLimit     *llm.RateLimitInfo `json:"rate_limit,omitempty"`
	Status        Status        `json:"status"`
}

type bucket struct {
	start     time.Time
	success   int64
	errors    map[types.ErrorCode]int64
	histogram logHistogram
}

type minuteCell struct {
	minute  int64
	success int64
	failure int64
}

type providerState struct {
	buckets [windowBuckets]bucket

	hour [hourMinutes]minuteCell

	inFlight int

	rateLimitedUntil time.Time
	quotaUntil       time.Time
	lastRetryAfter   time.Duration
	lastAuthFailure  time.Time
	rateLimit        *llm.RateLimitInfo

	consecutiveFatal int
}

// Tracker is the process-wide health sink.
type Tracker struct {
	mu        sync.Mutex
	providers map[string]*providerState
	now       func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		providers: make(map[string]*providerState),
		now:       time.Now,
	}
}

func (t *Tracker) state(provider string) *providerState {
	st, ok := t.providers[provider]
	if !ok {
		st = &providerState{}
		t.providers[provider] = st
	}
	return st
}

// currentBucket rotates the window and returns the live bucket.
func (t *Tracker) currentBucket(st *providerState) *bucket {
	now := t.now()
	idx := int(now.Unix()/int64(bucketDuration.Seconds())) % windowBuckets
	b := &st.buckets[idx]
	start := now.Truncate(bucketDuration)
	if !b.start.Equal(start) {
		*b = bucket{start: start, errors: make(map[types.ErrorCode]int64)}
	}
	if b.errors == nil {
		b.errors = make(map[types.ErrorCode]int64)
	}
	return b
}

func (t *Tracker) minuteCell(st *providerState) *minuteCell {
	now := t.now()
	minute := now.Unix() / 60
	cell := &st.hour[minute%hourMinutes]
	if cell.minute != minute {
		*cell = minuteCell{minute: minute}
	}
	return cell
}

// RecordSuccess records one successful request and its latency.
func (t *Tracker) RecordSuccess(provider string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(provider)
	b := t.currentBucket(st)
	b.success++
	b.histogram.observe(latency)
	t.minuteCell(st).success++
	st.consecutiveFatal = 0
}

// RecordError records one failed request by taxonomy kind. Rate-limit and
// quota errors also arm the corresponding status windows.
func (t *Tracker) RecordError(provider string, err *types.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(provider)
	b := t.currentBucket(st)
	code := types.ErrMalformed
	if err != nil {
		code = err.Code
	}
	b.errors[code]++
	t.minuteCell(st).failure++

	now := t.now()
	switch code {
	case types.ErrRateLimited:
		retryAfter := err.RetryAfter
		if retryAfter <= 0 {
			retryAfter = 30 * time.Second
		}
		st.lastRetryAfter = retryAfter
		st.rateLimitedUntil = now.Add(retryAfter)
	case types.ErrQuotaExceeded:
		until := err.ResetAt
		if until.IsZero() {
			until = now.Add(time.Hour)
		}
		st.quotaUntil = until
	case types.ErrNotAuthenticated, types.ErrTokenExpired:
		st.lastAuthFailure = now
	}

	if err != nil && !err.Retryable {
		st.consecutiveFatal++
	} else {
		st.consecutiveFatal = 0
	}
}

// PublishRateLimit stores rate-limit header state parsed by an adapter.
func (t *Tracker) PublishRateLimit(provider string, info llm.RateLimitInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(provider)
	st.rateLimit = &info
	if info.RemainingRequests == 0 && !info.ResetAt.IsZero() {
		st.rateLimitedUntil = info.ResetAt
	}
}

// IncInFlight and DecInFlight maintain the in-flight gauge.
func (t *Tracker) IncInFlight(provider string) {
	t.mu.Lock()
	t.state(provider).inFlight++
	t.mu.Unlock()
}

func (t *Tracker) DecInFlight(provider string) {
	t.mu.Lock()
	st := t.state(provider)
	if st.inFlight > 0 {
		st.inFlight--
	}
	t.mu.Unlock()
}

// InFlight reads the gauge.
func (t *Tracker) InFlight(provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(provider).inFlight
}

// windowTotals sums the live buckets.
func (t *Tracker) windowTotals(st *providerState) (success, errs int64, byKind map[types.ErrorCode]int64, hist logHistogram) {
	cutoff := t.now().Add(-windowBuckets * bucketDuration)
	byKind = make(map[types.ErrorCode]int64)
	for i := range st.buckets {
		b := &st.buckets[i]
		if b.start.IsZero() || b.start.Before(cutoff) {
			continue
		}
		success += b.success
		for k, v := range b.errors {
			byKind[k] += v
			errs += v
		}
		hist.merge(&b.histogram)
	}
	return success, errs, byKind, hist
}

func (t *Tracker) uptimeFraction(st *providerState) float64 {
	nowMinute := t.now().Unix() / 60
	var observed, up int
	for i := range st.hour {
		c := &st.hour[i]
		if c.minute == 0 || nowMinute-c.minute >= hourMinutes {
			continue
		}
		total := c.success + c.failure
		if total == 0 {
			continue
		}
		observed++
		if float64(c.success)/float64(total) >= 0.5 {
			up++
		}
	}
	if observed == 0 {
		return 1.0
	}
	return float64(up) / float64(observed)
}

// Snapshot returns a consistent read of one provider's counters.
func (t *Tracker) Snapshot(provider string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(provider)
	return t.snapshotLocked(provider, st)
}

func (t *Tracker) snapshotLocked(provider string, st *providerState) Stats {
	success, errs, byKind, hist := t.windowTotals(st)
	total := success + errs
	rate := 1.0
	if total > 0 {
		rate = float64(success) / float64(total)
	}
	out := Stats{
		Provider:       provider,
		SuccessCount:   success,
		ErrorCount:     errs,
		ErrorsByKind:   byKind,
		SuccessRate:    rate,
		P50:            hist.percentile(0.50),
		P95:            hist.percentile(0.95),
		P99:            hist.percentile(0.99),
		InFlight:       st.inFlight,
		UptimeFraction: t.uptimeFraction(st),
		RateLimit:      st.rateLimit,
	}
	out.Status = t.deriveLocked(st, total, rate, &out)
	return out
}

// AllStats snapshots every tracked provider.
func (t *Tracker) AllStats() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stats, len(t.providers))
	for name, st := range t.providers {
		out[name] = t.snapshotLocked(name, st)
	}
	return out
}

// Status derives the advisory status for a provider.
func (t *Tracker) Status(provider string) Status {
	return t.Snapshot(provider).Status
}

func (t *Tracker) deriveLocked(st *providerState, total int64, rate float64, stats *Stats) Status {
	now := t.now()
	if st.rateLimitedUntil.After(now) {
		return Status{Kind: StatusRateLimited, Until: st.rateLimitedUntil, Reason: "retry-after in effect"}
	}
	if st.quotaUntil.After(now) {
		return Status{Kind: StatusQuotaExceeded, Until: st.quotaUntil, Reason: "provider quota exhausted"}
	}
	if st.consecutiveFatal >= 5 {
		return Status{Kind: StatusUnavailable, Reason: "five consecutive non-retryable failures"}
	}
	if total == 0 {
		return Status{Kind: StatusAvailable}
	}
	if rate < 0.50 {
		return Status{Kind: StatusUnavailable, Reason: "success rate below 50%"}
	}
	if rate < 0.95 {
		return Status{Kind: StatusDegraded, Reason: "success rate below 95%"}
	}
	// P95 more than twice the rolling median marks latency degradation.
	if stats.P50 > 0 && stats.P95 > 2*stats.P50 {
		return Status{Kind: StatusDegraded, Reason: "p95 latency above 2x median"}
	}
	return Status{Kind: StatusAvailable}
}
