package router

import (
	"context"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
)

// Summarizer is the external collaborator that shrinks a conversation when
// the context-reduction step runs. The router never summarizes itself.
type Summarizer interface {
	// Reduce returns a shorter message sequence preserving the leading
	// system message and the request's intent.
	Reduce(ctx context.Context, msgs []llm.Message) ([]llm.Message, error)
}

// DegradationPolicy enables the steps of the degradation cascade. Model
// downgrade is driven by the budget thresholds; the remaining steps run
// when normal dispatch (including failover) has been exhausted.
type DegradationPolicy struct {
	// EnableContextReduction invokes the Summarizer and retries once.
	EnableContextReduction bool `json:"enable_context_reduction" yaml:"enable_context_reduction"`

	// EnableEmergencyFloor dispatches to FloorProvider as the last resort.
	EnableEmergencyFloor bool   `json:"enable_emergency_floor" yaml:"enable_emergency_floor"`
	FloorProvider        string `json:"floor_provider,omitempty" yaml:"floor_provider,omitempty"`

	// Summarizer is wired by the application layer when context reduction
	// is enabled.
	Summarizer Summarizer `json:"-" yaml:"-"`
}

// degradedChat runs the enabled cascade steps after normal dispatch
// failed with lastErr. Returns the original error when no step applies or
// every step fails.
func (r *Router) degradedChat(ctx context.Context, req *llm.ChatRequest, lastErr error) (*llm.ChatResponse, error) {
	policy := r.cfg.Degradation

	if policy.EnableContextReduction && policy.Summarizer != nil {
		reduced, err := policy.Summarizer.Reduce(ctx, req.Messages)
		if err == nil && len(reduced) > 0 {
			r.logger.Info("degradation: retrying with reduced context",
				zap.Int("from_messages", len(req.Messages)),
				zap.Int("to_messages", len(reduced)))
			shrunk := *req
			shrunk.Messages = reduced
			if resp, err := r.chatOnceAcrossCandidates(ctx, &shrunk); err == nil {
				return resp, nil
			}
		} else if err != nil {
			r.logger.Warn("degradation: summarizer failed", zap.Error(err))
		}
	}

	if policy.EnableEmergencyFloor && policy.FloorProvider != "" {
		if p, ok := r.registry.Get(policy.FloorProvider); ok {
			r.logger.Warn("degradation: falling back to floor provider",
				zap.String("provider", policy.FloorProvider))
			floorReq := *req
			floorReq.Model = "" // the floor serves its own default model
			floorReq.ModelPinned = false
			c := candidate{provider: p, name: p.Name(), stats: r.tracker.Snapshot(p.Name())}
			if resp, err := r.dispatchOnce(ctx, c, &floorReq); err == nil {
				return resp, nil
			}
		}
	}

	return nil, lastErr
}

// chatOnceAcrossCandidates is one selection pass without degradation,
// used by the cascade to avoid recursing into itself.
func (r *Router) chatOnceAcrossCandidates(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	cands := r.rank(r.candidates(req, nil), req)
	if len(cands) == 0 {
		return nil, types.NewError(types.ErrNoProvider, "no provider can serve the request")
	}
	var lastErr error
	for _, c := range cands {
		resp, err := r.dispatchOnce(ctx, c, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}
