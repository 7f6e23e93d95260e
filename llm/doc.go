// Package llm provides the unified provider abstraction for the lorekeeper
// gateway: the adapter interface every backend implements, the normalized
// request/response contract, and the stream chunk variants delivered by the
// streaming engine.
//
// Subpackages:
//
//   - providers: one adapter per backend (anthropic, openai, copilot,
//     gemini, ollama) plus the shared openaicompat base
//   - auth: pluggable token stores
//   - oauth: PKCE and device-code flows with refresh discipline
//   - streaming: the stream registry, cancellation, and stall detection
//   - health: per-provider rolling health and latency tracking
//   - ratelimit: the per-provider admission gate
//   - router: strategy-driven provider selection and failover
//   - budget, pricing, tokenizer, idempotency, ledger: cost control
package llm
