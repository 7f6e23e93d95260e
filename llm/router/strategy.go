package router

import (
	"sync"

	"github.com/greyhelm/lorekeeper/llm/health"
)

// StrategyKind enumerates the routing strategies.
type StrategyKind string

const (
	StrategyPriorityList     StrategyKind = "priority_list"
	StrategyCostOptimized    StrategyKind = "cost_optimized"
	StrategyLatencyOptimized StrategyKind = "latency_optimized"
	StrategyQualityOptimized StrategyKind = "quality_optimized"
	StrategyReliability      StrategyKind = "reliability_focused"
	StrategyLoadBalanced     StrategyKind = "load_balanced"
	StrategyAdaptive         StrategyKind = "adaptive"
	StrategyComposite        StrategyKind = "weighted_composite"
)

// LBMode selects the load-balancing flavor.
type LBMode string

const (
	LBRoundRobin    LBMode = "round_robin"
	LBLeastInFlight LBMode = "least_in_flight"
	LBWeighted      LBMode = "weighted"
)

// CompositeWeights weight the scoring dimensions of WeightedComposite.
type CompositeWeights struct {
	Cost        float64 `json:"cost" yaml:"cost"`
	Latency     float64 `json:"latency" yaml:"latency"`
	Quality     float64 `json:"quality" yaml:"quality"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
}

// Strategy is the active routing policy. Exactly the fields for its Kind
// are meaningful.
type Strategy struct {
	Kind StrategyKind `json:"kind" yaml:"kind"`

	// PriorityList: providers in preference order.
	Priority []string `json:"priority,omitempty" yaml:"priority,omitempty"`

	// LoadBalanced settings.
	LBMode  LBMode             `json:"lb_mode,omitempty" yaml:"lb_mode,omitempty"`
	Weights map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`

	// QualityOptimized: task category → preferred "provider/model" entries,
	// best first. The empty category is the fallback table.
	TaskPreferences map[string][]string `json:"task_preferences,omitempty" yaml:"task_preferences,omitempty"`

	// WeightedComposite weights.
	Composite CompositeWeights `json:"composite,omitempty" yaml:"composite,omitempty"`
}

// DefaultStrategy balances load across whatever is healthy.
func DefaultStrategy() Strategy {
	return Strategy{Kind: StrategyLoadBalanced, LBMode: LBLeastInFlight}
}

// adaptiveTable is the learned per-task provider scoring table. Outcomes
// feed an exponentially weighted score per (task, provider); higher is
// better.
type adaptiveTable struct {
	mu     sync.RWMutex
	scores map[string]map[string]float64 // task → provider → score
}

const adaptiveAlpha = 0.2

func newAdaptiveTable() *adaptiveTable {
	return &adaptiveTable{scores: make(map[string]map[string]float64)}
}

// observe folds one completion outcome into the table. reward is 1 for a
// success, 0 for a failure, discounted by normalized latency.
func (a *adaptiveTable) observe(task, provider string, success bool, latencyScore float64) {
	reward := 0.0
	if success {
		reward = 1.0 - 0.3*latencyScore
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	byProvider, ok := a.scores[task]
	if !ok {
		byProvider = make(map[string]float64)
		a.scores[task] = byProvider
	}
	prev, seen := byProvider[provider]
	if !seen {
		prev = 0.5 // optimistic prior so new providers get tried
	}
	byProvider[provider] = prev + adaptiveAlpha*(reward-prev)
}

// score reads the learned score, falling back to the untasked table and
// the optimistic prior.
func (a *adaptiveTable) score(task, provider string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if byProvider, ok := a.scores[task]; ok {
		if s, ok := byProvider[provider]; ok {
			return s
		}
	}
	if byProvider, ok := a.scores[""]; ok {
		if s, ok := byProvider[provider]; ok {
			return s
		}
	}
	return 0.5
}

// roundRobin hands out candidate indexes in arrival order.
type roundRobin struct {
	mu sync.Mutex
	n  uint64
}

func (r *roundRobin) next(size int) int {
	if size == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := int(r.n % uint64(size))
	r.n++
	return idx
}

// normalize maps a value into [0,1] against an observed maximum.
func normalize(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	n := v / max
	if n > 1 {
		return 1
	}
	return n
}

// reliabilityOf is a shared helper for composite scoring.
func reliabilityOf(stats health.Stats) float64 {
	return stats.UptimeFraction*0.5 + stats.SuccessRate*0.5
}
