// Package metrics provides internal Prometheus collectors for the gateway.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns the gateway's Prometheus metric families.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensUsed      *prometheus.CounterVec
	costUSD         *prometheus.CounterVec

	streamsActive   *prometheus.GaugeVec
	streamChunks    *prometheus.CounterVec
	streamCancels   *prometheus.CounterVec

	healthCheckTotal *prometheus.CounterVec
	rateLimitWaits   *prometheus.HistogramVec
	failoversTotal   *prometheus.CounterVec
}

// NewCollector registers the gateway metric families with the given
// registerer (nil means the default registry).
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total number of LLM requests",
			},
			[]string{"provider", "model", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "LLM request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_used_total",
				Help:      "Total number of tokens used",
			},
			[]string{"provider", "model", "direction"},
		),
		costUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_cost_usd_total",
				Help:      "Accumulated request cost in USD",
			},
			[]string{"provider", "model"},
		),
		streamsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "llm_streams_active",
				Help:      "Number of currently active streams",
			},
			[]string{"provider"},
		),
		streamChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_stream_chunks_total",
				Help:      "Total stream chunks delivered",
			},
			[]string{"provider"},
		),
		streamCancels: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_stream_cancellations_total",
				Help:      "Total streams cancelled by the caller",
			},
			[]string{"provider"},
		),
		healthCheckTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_health_checks_total",
				Help:      "Health check probe outcomes",
			},
			[]string{"provider", "outcome"},
		),
		rateLimitWaits: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_rate_limit_wait_seconds",
				Help:      "Time spent waiting on the admission gate",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"provider"},
		),
		failoversTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_failovers_total",
				Help:      "Requests re-routed after a retryable provider failure",
			},
			[]string{"from", "to"},
		),
	}
}

// ObserveRequest records one completed (or failed) request.
func (c *Collector) ObserveRequest(provider, model, status string, d time.Duration) {
	c.requestsTotal.WithLabelValues(provider, model, status).Inc()
	c.requestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// ObserveTokens records token consumption for a completed request.
func (c *Collector) ObserveTokens(provider, model string, input, output int) {
	c.tokensUsed.WithLabelValues(provider, model, "input").Add(float64(input))
	c.tokensUsed.WithLabelValues(provider, model, "output").Add(float64(output))
}

// ObserveCost records the debited cost of a completed request.
func (c *Collector) ObserveCost(provider, model string, usd float64) {
	c.costUSD.WithLabelValues(provider, model).Add(usd)
}

// StreamStarted / StreamEnded adjust the active-stream gauge.
func (c *Collector) StreamStarted(provider string) {
	c.streamsActive.WithLabelValues(provider).Inc()
}

func (c *Collector) StreamEnded(provider string) {
	c.streamsActive.WithLabelValues(provider).Dec()
}

// ObserveChunk counts one delivered stream chunk.
func (c *Collector) ObserveChunk(provider string) {
	c.streamChunks.WithLabelValues(provider).Inc()
}

// ObserveCancel counts one caller-initiated stream cancellation.
func (c *Collector) ObserveCancel(provider string) {
	c.streamCancels.WithLabelValues(provider).Inc()
}

// ObserveHealthCheck records a probe outcome ("ok" or "failed").
func (c *Collector) ObserveHealthCheck(provider string, healthy bool) {
	outcome := "ok"
	if !healthy {
		outcome = "failed"
	}
	c.healthCheckTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveRateLimitWait records time spent queued at the admission gate.
func (c *Collector) ObserveRateLimitWait(provider string, d time.Duration) {
	c.rateLimitWaits.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveFailover records a re-route from one provider to another.
func (c *Collector) ObserveFailover(from, to string) {
	c.failoversTotal.WithLabelValues(from, to).Inc()
}
