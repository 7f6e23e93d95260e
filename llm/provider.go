package llm

import (
	"context"
	"time"

	"github.com/greyhelm/lorekeeper/types"
)

// Re-export core types so adapter packages and callers work against a single
// import path.
type (
	Message     = types.Message
	Role        = types.Role
	ContentPart = types.ContentPart
	ToolCall    = types.ToolCall
	ToolSchema  = types.ToolSchema
	ToolChoice  = types.ToolChoice
	TokenUsage  = types.TokenUsage
	TokenInfo   = types.TokenInfo
	Error       = types.Error
	ErrorCode   = types.ErrorCode
)

const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleTool      = types.RoleTool
)

// RouteHint is an optional caller-supplied routing hint.
type RouteHint struct {
	// TaskCategory names the kind of work ("narration", "rules_lookup",
	// "summarization", ...) for quality-optimized routing.
	TaskCategory string `json:"task_category,omitempty"`
	// MaxLatency is a soft latency requirement.
	MaxLatency time.Duration `json:"max_latency,omitempty"`
	// Priority orders waiters at the rate-limit admission gate.
	Priority int `json:"priority,omitempty"`
}

// ChatRequest is the normalized request submitted to the router.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`
	// ModelPinned forbids the router from substituting a cheaper model
	// during budget downgrade; Model alone is a preference.
	ModelPinned bool         `json:"model_pinned,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float32      `json:"temperature,omitempty"`
	TopP        float32      `json:"top_p,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	ToolChoice  *ToolChoice  `json:"tool_choice,omitempty"`
	Stream      bool         `json:"stream,omitempty"`

	// IdempotencyKey deduplicates identical requests for a bounded time.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Hint *RouteHint `json:"hint,omitempty"`
}

// Validate checks the request message-shape invariants.
func (r *ChatRequest) Validate() error {
	return types.ValidateMessages(r.Messages)
}

// NeedsTools reports whether the request declares tool schemas.
func (r *ChatRequest) NeedsTools() bool { return len(r.Tools) > 0 }

// NeedsVision reports whether any message carries image content.
func (r *ChatRequest) NeedsVision() bool {
	for _, m := range r.Messages {
		if m.HasImages() {
			return true
		}
	}
	return false
}

// FinishReason is the normalized reason a completion ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolUse       FinishReason = "tool_use"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// ChatResponse is the normalized non-streaming response.
type ChatResponse struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        TokenUsage   `json:"usage"`

	// Latency is the gateway-measured wall clock; ProviderLatency is the
	// latency the provider reported, when available.
	Latency         time.Duration `json:"latency"`
	ProviderLatency time.Duration `json:"provider_latency,omitempty"`
}

// Text returns the flattened text content of the response.
func (r *ChatResponse) Text() string { return r.Message.Text() }

// ModelInfo describes one model available from a provider.
type ModelInfo struct {
	ID           string       `json:"id"`
	Aliases      []string     `json:"aliases,omitempty"`
	OwnedBy      string       `json:"owned_by,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities are the per-adapter feature flags the router filters on.
type Capabilities struct {
	Streaming           bool `json:"streaming"`
	Tools               bool `json:"tools"`
	Vision              bool `json:"vision"`
	SystemPromptCaching bool `json:"system_prompt_caching"`
}

// HealthStatus is the result of a lightweight provider probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// RateLimitInfo is parsed from provider rate-limit headers after each call
// and published to the health tracker.
type RateLimitInfo struct {
	RemainingRequests int       `json:"remaining_requests"`
	RemainingTokens   int       `json:"remaining_tokens"`
	ResetAt           time.Time `json:"reset_at"`
}

// Provider is the unified adapter interface. One implementation exists per
// backend; the set is closed (anthropic, openai, copilot, gemini, ollama).
type Provider interface {
	// Name returns the provider's stable identifier.
	Name() string

	// Completion sends a buffered chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream sends a streaming chat request. The returned channel is closed
	// after the terminal chunk; chunk order reflects provider order.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a lightweight reachability probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// ListModels enumerates available models, cached by auth identity.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Capabilities reports the adapter's feature flags.
	Capabilities() Capabilities

	// ResolveModel expands a model alias to the full identifier and reports
	// whether the name is known to this adapter.
	ResolveModel(alias string) (string, bool)

	// MaxContextWindow returns the model's context window in tokens.
	MaxContextWindow(model string) int

	// CountTokens estimates the request's input tokens for admission and
	// budget checks.
	CountTokens(req *ChatRequest) (int, error)
}
