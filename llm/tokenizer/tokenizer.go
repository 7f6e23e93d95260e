// Package tokenizer provides pre-flight token counting for admission and
// budget checks. OpenAI-family models use BPE-compatible counting via
// tiktoken to match the provider; other families use a character-class
// estimator accurate to within a few percent.
package tokenizer

import "github.com/greyhelm/lorekeeper/llm"

// Counter estimates the input tokens of a request before dispatch.
type Counter interface {
	// CountText counts tokens in a plain string.
	CountText(text string) (int, error)
	// CountRequest counts the full request: messages, tool schemas, and
	// image content per the provider's published rule.
	CountRequest(req *llm.ChatRequest) (int, error)
}

// Per-message structural overhead (role markers, separators) applied by
// both counters.
const messageOverhead = 4

// conversationOverhead covers the reply priming tokens.
const conversationOverhead = 3
