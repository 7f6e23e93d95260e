package ollama

import (
	"encoding/json"
	"strconv"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// Wire types for /api/chat.

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Images    []string       `json:"images,omitempty"` // raw base64, no data-URL prefix
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
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

type wireOptions struct {
	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
	Options  *wireOptions  `json:"options,omitempty"`
}

type wireResponse struct {
	Model           string       `json:"model"`
	Message         *wireMessage `json:"message,omitempty"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason,omitempty"`
	PromptEvalCount int          `json:"prompt_eval_count,omitempty"`
	EvalCount       int          `json:"eval_count,omitempty"`
	Error           string       `json:"error,omitempty"`
}

func buildWireRequest(req *llm.ChatRequest, model string, stream bool) wireRequest {
	out := wireRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Stream:   stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = make([]wireTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			out.Tools = append(out.Tools, wireTool{
				Type: "function",
				Function: wireToolSpec{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
	}
	if req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 || len(req.Stop) > 0 {
		out.Options = &wireOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		}
	}
	return out
}

func convertMessages(msgs []llm.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Text()}
		for _, p := range m.Parts {
			if p.Kind == types.ContentImageData {
				wm.Images = append(wm.Images, p.Data)
			}
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				Function: wireFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toChatResponse(wire wireResponse) *llm.ChatResponse {
	out := &llm.ChatResponse{
		Provider: "ollama",
		Model:    wire.Model,
	}
	msg := llm.Message{Role: llm.RoleAssistant}
	if wire.Message != nil {
		msg.Content = wire.Message.Content
		for i, tc := range wire.Message.ToolCalls {
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        syntheticID(tc.Function.Name, i+1),
				Name:      tc.Function.Name,
				Arguments: args,
			})
		}
	}
	out.Message = msg
	switch {
	case wire.DoneReason == "length":
		out.FinishReason = llm.FinishLength
	case len(msg.ToolCalls) > 0:
		out.FinishReason = llm.FinishToolUse
	default:
		out.FinishReason = llm.FinishStop
	}
	out.Usage = llm.TokenUsage{
		InputTokens:  wire.PromptEvalCount,
		OutputTokens: wire.EvalCount,
	}
	out.Usage.Normalize()
	return out
}

func syntheticID(name string, seq int) string {
	return "call_" + name + "_" + strconv.Itoa(seq)
}
