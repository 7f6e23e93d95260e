package anthropic

import (
	"encoding/json"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// Wire types for the Messages API.

type wireRequest struct {
	Model         string        `json:"model"`
	System        string        `json:"system,omitempty"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   float32       `json:"temperature,omitempty"`
	TopP          float32       `json:"top_p,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Tools         []wireTool    `json:"tools,omitempty"`
	ToolChoice    any           `json:"tool_choice,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *wireImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

type wireResponse struct {
	ID         string      `json:"id"`
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

// defaultMaxTokens applies when the caller sets no output cap; the Messages
// API requires max_tokens.
const defaultMaxTokens = 4096

func buildWireRequest(req *llm.ChatRequest, model string, stream bool) wireRequest {
	system, rest := types.SplitSystem(req.Messages)
	out := wireRequest{
		Model:         model,
		System:        system,
		Messages:      convertMessages(rest),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Tools:         convertTools(req.Tools),
		Stream:        stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if req.ToolChoice != nil {
		out.ToolChoice = convertToolChoice(*req.ToolChoice)
	}
	return out
}

func convertMessages(msgs []llm.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleTool:
			// Tool results ride as user-role tool_result blocks.
			out = append(out, wireMessage{
				Role: "user",
				Content: []wireBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case types.RoleAssistant:
			blocks := make([]wireBlock, 0, 1+len(m.ToolCalls))
			if text := m.Text(); text != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, wireBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			out = append(out, wireMessage{Role: "assistant", Content: blocks})
		default:
			out = append(out, wireMessage{Role: "user", Content: convertParts(m)})
		}
	}
	return out
}

func convertParts(m llm.Message) []wireBlock {
	if len(m.Parts) == 0 {
		return []wireBlock{{Type: "text", Text: m.Content}}
	}
	blocks := make([]wireBlock, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case types.ContentText:
			blocks = append(blocks, wireBlock{Type: "text", Text: p.Text})
		case types.ContentImageData:
			blocks = append(blocks, wireBlock{Type: "image", Source: &wireImageSource{
				Type:      "base64",
				MediaType: p.MediaType,
				Data:      p.Data,
			}})
		case types.ContentImageURL:
			blocks = append(blocks, wireBlock{Type: "image", Source: &wireImageSource{
				Type: "url",
				URL:  p.URL,
			}})
		}
	}
	return blocks
}

func convertTools(tools []llm.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func convertToolChoice(tc llm.ToolChoice) any {
	switch tc.Mode {
	case types.ToolChoiceAuto:
		return map[string]string{"type": "auto"}
	case types.ToolChoiceAny:
		return map[string]string{"type": "any"}
	case types.ToolChoiceNone:
		return map[string]string{"type": "none"}
	case types.ToolChoiceNamed:
		return map[string]string{"type": "tool", "name": tc.Name}
	default:
		return nil
	}
}

func mapStopReason(reason string) llm.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolUse
	case "refusal":
		return llm.FinishContentFilter
	case "":
		return ""
	default:
		return llm.FinishStop
	}
}

func mapUsage(u wireUsage) llm.TokenUsage {
	out := llm.TokenUsage{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CachedInputTokens: u.CacheReadInputTokens,
	}
	out.Normalize()
	return out
}

func toChatResponse(wire wireResponse) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	return &llm.ChatResponse{
		ID:           wire.ID,
		Provider:     "anthropic",
		Model:        wire.Model,
		Message:      msg,
		FinishReason: mapStopReason(wire.StopReason),
		Usage:        mapUsage(wire.Usage),
	}
}
