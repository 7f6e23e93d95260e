package health

import (
	"testing"
	"time"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
)

func TestStatusAvailableByDefault(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, StatusAvailable, tr.Status("anthropic").Kind)
}

func TestStatusFromSuccessRate(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 96; i++ {
		tr.RecordSuccess("openai", 100*time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		tr.RecordError("openai", types.NewError(types.ErrNetwork, "boom"))
	}
	assert.Equal(t, StatusAvailable, tr.Status("openai").Kind, "96% success is available")

	tr2 := NewTracker()
	for i := 0; i < 70; i++ {
		tr2.RecordSuccess("openai", 100*time.Millisecond)
	}
	for i := 0; i < 30; i++ {
		tr2.RecordError("openai", types.NewError(types.ErrNetwork, "boom"))
	}
	assert.Equal(t, StatusDegraded, tr2.Status("openai").Kind, "70% success is degraded")

	tr3 := NewTracker()
	for i := 0; i < 3; i++ {
		tr3.RecordSuccess("openai", 100*time.Millisecond)
	}
	for i := 0; i < 7; i++ {
		tr3.RecordError("openai", types.NewError(types.ErrNetwork, "boom"))
	}
	assert.Equal(t, StatusUnavailable, tr3.Status("openai").Kind, "30% success is unavailable")
}

func TestRateLimitedStatusExpires(t *testing.T) {
	tr := NewTracker()
	base := time.Now()
	tr.now = func() time.Time { return base }

	err := types.NewError(types.ErrRateLimited, "429").WithRetryAfter(30 * time.Second)
	tr.RecordError("anthropic", err)

	st := tr.Status("anthropic")
	assert.Equal(t, StatusRateLimited, st.Kind)
	assert.WithinDuration(t, base.Add(30*time.Second), st.Until, time.Second)

	// After the window passes, the single error no longer dominates.
	tr.now = func() time.Time { return base.Add(31 * time.Second) }
	tr.RecordSuccess("anthropic", 50*time.Millisecond)
	st = tr.Status("anthropic")
	assert.NotEqual(t, StatusRateLimited, st.Kind)
}

func TestQuotaExceededStatus(t *testing.T) {
	tr := NewTracker()
	reset := time.Now().Add(2 * time.Hour)
	err := types.NewError(types.ErrQuotaExceeded, "quota")
	err.ResetAt = reset
	tr.RecordError("gemini", err)

	st := tr.Status("gemini")
	assert.Equal(t, StatusQuotaExceeded, st.Kind)
	assert.WithinDuration(t, reset, st.Until, time.Second)
}

func TestConsecutiveFatalFailures(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 5; i++ {
		tr.RecordError("copilot", types.NewError(types.ErrAPI, "bad request"))
	}
	assert.Equal(t, StatusUnavailable, tr.Status("copilot").Kind)

	// A success resets the streak. Enough successes keep the window's
	// success rate at 6/11, above the Unavailable threshold, so only an
	// unreset streak of five could make the provider Unavailable.
	tr2 := NewTracker()
	for i := 0; i < 4; i++ {
		tr2.RecordError("copilot", types.NewError(types.ErrAPI, "bad request"))
	}
	for i := 0; i < 6; i++ {
		tr2.RecordSuccess("copilot", 10*time.Millisecond)
	}
	tr2.RecordError("copilot", types.NewError(types.ErrAPI, "bad request"))
	assert.NotEqual(t, StatusUnavailable, tr2.Status("copilot").Kind)
}

func TestLatencyPercentiles(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 90; i++ {
		tr.RecordSuccess("ollama", 100*time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		tr.RecordSuccess("ollama", 3*time.Second)
	}
	stats := tr.Snapshot("ollama")
	assert.Greater(t, stats.P95, stats.P50)
	assert.GreaterOrEqual(t, stats.P99, stats.P95)
	assert.Less(t, stats.P50, 300*time.Millisecond)
	assert.Greater(t, stats.P95, time.Second)
}

func TestInFlightGauge(t *testing.T) {
	tr := NewTracker()
	tr.IncInFlight("openai")
	tr.IncInFlight("openai")
	assert.Equal(t, 2, tr.InFlight("openai"))
	tr.DecInFlight("openai")
	assert.Equal(t, 1, tr.InFlight("openai"))
	tr.DecInFlight("openai")
	tr.DecInFlight("openai")
	assert.Equal(t, 0, tr.InFlight("openai"), "gauge never goes negative")
}

func TestPublishRateLimit(t *testing.T) {
	tr := NewTracker()
	reset := time.Now().Add(time.Minute)
	tr.PublishRateLimit("anthropic", llm.RateLimitInfo{
		RemainingRequests: 0,
		RemainingTokens:   1000,
		ResetAt:           reset,
	})
	st := tr.Status("anthropic")
	assert.Equal(t, StatusRateLimited, st.Kind, "zero remaining requests arms the rate-limit window")

	stats := tr.Snapshot("anthropic")
	assert.NotNil(t, stats.RateLimit)
	assert.Equal(t, 0, stats.RateLimit.RemainingRequests)
}

func TestErrorsByKind(t *testing.T) {
	tr := NewTracker()
	tr.RecordError("openai", types.NewError(types.ErrNetwork, "a"))
	tr.RecordError("openai", types.NewError(types.ErrNetwork, "b"))
	tr.RecordError("openai", types.NewError(types.ErrContentFiltered, "c"))

	stats := tr.Snapshot("openai")
	assert.EqualValues(t, 2, stats.ErrorsByKind[types.ErrNetwork])
	assert.EqualValues(t, 1, stats.ErrorsByKind[types.ErrContentFiltered])
	assert.EqualValues(t, 3, stats.ErrorCount)
}

func TestHistogramPercentileBounds(t *testing.T) {
	var h logHistogram
	assert.Equal(t, time.Duration(0), h.percentile(0.95), "empty histogram")

	h.observe(10 * time.Millisecond)
	p := h.percentile(0.5)
	assert.Greater(t, p, 5*time.Millisecond)
	assert.Less(t, p, 20*time.Millisecond)
}
