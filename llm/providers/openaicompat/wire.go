package openaicompat

import (
	"encoding/json"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// Wire types for the OpenAI chat completions shape.

type wireMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	StreamOpts  *streamOpts   `json:"stream_options,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason"`
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireDelta   `json:"delta,omitempty"`
}

type wireDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

// buildWireRequest converts the normalized request to the OpenAI shape.
// The system message travels in-band as the first message; images become
// image_url content parts (data URLs for inline payloads).
func buildWireRequest(req *llm.ChatRequest, model string, stream bool) wireRequest {
	out := wireRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Tools:       convertTools(req.Tools),
		Stream:      stream,
	}
	if stream {
		out.StreamOpts = &streamOpts{IncludeUsage: true}
	}
	if req.ToolChoice != nil {
		out.ToolChoice = convertToolChoice(*req.ToolChoice)
	}
	return out
}

func convertMessages(msgs []llm.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.Parts) > 0 {
			parts := make([]wireContentPart, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Kind {
				case types.ContentText:
					parts = append(parts, wireContentPart{Type: "text", Text: p.Text})
				case types.ContentImageURL, types.ContentImageData:
					parts = append(parts, wireContentPart{
						Type:     "image_url",
						ImageURL: &wireImageURL{URL: p.DataURL()},
					})
				}
			}
			wm.Content = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			wm.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func convertTools(tools []llm.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func convertToolChoice(tc llm.ToolChoice) any {
	switch tc.Mode {
	case types.ToolChoiceAuto:
		return "auto"
	case types.ToolChoiceAny:
		return "required"
	case types.ToolChoiceNone:
		return "none"
	case types.ToolChoiceNamed:
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		}
	default:
		return nil
	}
}

// mapFinishReason normalizes OpenAI finish reasons.
func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolUse
	case "content_filter":
		return llm.FinishContentFilter
	case "":
		return ""
	default:
		return llm.FinishStop
	}
}

func mapUsage(u *wireUsage) llm.TokenUsage {
	if u == nil {
		return llm.TokenUsage{}
	}
	out := llm.TokenUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedInputTokens = u.PromptTokensDetails.CachedTokens
		out.InputTokens -= out.CachedInputTokens
		if out.InputTokens < 0 {
			out.InputTokens = 0
		}
	}
	out.Normalize()
	return out
}

func toChatResponse(wire wireResponse, provider string) *llm.ChatResponse {
	out := &llm.ChatResponse{
		ID:       wire.ID,
		Provider: provider,
		Model:    wire.Model,
		Usage:    mapUsage(wire.Usage),
	}
	if len(wire.Choices) > 0 {
		c := wire.Choices[0]
		out.FinishReason = mapFinishReason(c.FinishReason)
		if c.Message != nil {
			msg := llm.Message{Role: llm.RoleAssistant}
			if s, ok := c.Message.Content.(string); ok {
				msg.Content = s
			}
			for _, tc := range c.Message.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				})
			}
			out.Message = msg
		}
	}
	return out
}
