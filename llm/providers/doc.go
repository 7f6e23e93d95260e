// Package providers contains the per-backend adapter implementations and
// the wire-level helpers they share: HTTP error mapping, Retry-After
// parsing, rate-limit header extraction, and the model-list cache.
//
// Each adapter lives in its own subpackage (anthropic, openai, copilot,
// gemini, ollama). OpenAI-shaped backends embed the openaicompat base and
// override only what differs: name, base URL, headers, and model tables.
package providers
