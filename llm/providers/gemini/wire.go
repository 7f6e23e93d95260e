package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// Wire types for the generateContent API.

type wireRequest struct {
	Contents          []wireContent   `json:"contents"`
	SystemInstruction *wireContent    `json:"systemInstruction,omitempty"`
	Tools             []wireToolGroup `json:"tools,omitempty"`
	ToolConfig        *wireToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *wireGenConfig  `json:"generationConfig,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"` // "user" or "model"
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *wireInlineData   `json:"inlineData,omitempty"`
	FileData         *wireFileData     `json:"fileData,omitempty"`
	FunctionCall     *wireFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResp `json:"functionResponse,omitempty"`
}

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type wireFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type wireFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type wireToolGroup struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
}

type wireFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireToolConfig struct {
	FunctionCallingConfig wireFCC `json:"functionCallingConfig"`
}

type wireFCC struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type wireGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float32  `json:"temperature,omitempty"`
	TopP            float32  `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type wireUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason,omitempty"`
	Index        int         `json:"index,omitempty"`
}

type wireResponse struct {
	Candidates    []wireCandidate `json:"candidates"`
	UsageMetadata *wireUsage      `json:"usageMetadata,omitempty"`
	ResponseID    string          `json:"responseId,omitempty"`
}

func buildWireRequest(req *llm.ChatRequest) wireRequest {
	system, rest := types.SplitSystem(req.Messages)
	out := wireRequest{Contents: convertMessages(rest)}
	if system != "" {
		out.SystemInstruction = &wireContent{Parts: []wirePart{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]wireFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, wireFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		out.Tools = []wireToolGroup{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != nil {
		out.ToolConfig = convertToolChoice(*req.ToolChoice)
	}
	if req.MaxTokens > 0 || req.Temperature > 0 || req.TopP > 0 || len(req.Stop) > 0 {
		out.GenerationConfig = &wireGenConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}
	return out
}

func convertMessages(msgs []llm.Message) []wireContent {
	out := make([]wireContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleTool:
			out = append(out, wireContent{
				Role: "user",
				Parts: []wirePart{{FunctionResponse: &wireFunctionResp{
					Name:     m.Name,
					Response: json.RawMessage(m.Content),
				}}},
			})
		case types.RoleAssistant:
			parts := make([]wirePart, 0, 1+len(m.ToolCalls))
			if text := m.Text(); text != "" {
				parts = append(parts, wirePart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, wirePart{FunctionCall: &wireFunctionCall{
					Name: tc.Name,
					Args: tc.Arguments,
				}})
			}
			out = append(out, wireContent{Role: "model", Parts: parts})
		default:
			out = append(out, wireContent{Role: "user", Parts: convertParts(m)})
		}
	}
	return out
}

func convertParts(m llm.Message) []wirePart {
	if len(m.Parts) == 0 {
		return []wirePart{{Text: m.Content}}
	}
	parts := make([]wirePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case types.ContentText:
			parts = append(parts, wirePart{Text: p.Text})
		case types.ContentImageData:
			parts = append(parts, wirePart{InlineData: &wireInlineData{
				MimeType: p.MediaType,
				Data:     p.Data,
			}})
		case types.ContentImageURL:
			parts = append(parts, wirePart{FileData: &wireFileData{FileURI: p.URL}})
		}
	}
	return parts
}

func convertToolChoice(tc llm.ToolChoice) *wireToolConfig {
	switch tc.Mode {
	case types.ToolChoiceAuto:
		return &wireToolConfig{FunctionCallingConfig: wireFCC{Mode: "AUTO"}}
	case types.ToolChoiceAny:
		return &wireToolConfig{FunctionCallingConfig: wireFCC{Mode: "ANY"}}
	case types.ToolChoiceNone:
		return &wireToolConfig{FunctionCallingConfig: wireFCC{Mode: "NONE"}}
	case types.ToolChoiceNamed:
		return &wireToolConfig{FunctionCallingConfig: wireFCC{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{tc.Name},
		}}
	default:
		return nil
	}
}

func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "STOP":
		return llm.FinishStop
	case "MAX_TOKENS":
		return llm.FinishLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
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
		InputTokens:       u.PromptTokenCount - u.CachedContentTokenCount,
		OutputTokens:      u.CandidatesTokenCount,
		CachedInputTokens: u.CachedContentTokenCount,
	}
	if out.InputTokens < 0 {
		out.InputTokens = 0
	}
	out.Normalize()
	return out
}

func toChatResponse(wire wireResponse, model string) *llm.ChatResponse {
	out := &llm.ChatResponse{
		ID:       wire.ResponseID,
		Provider: "gemini",
		Model:    model,
		Usage:    mapUsage(wire.UsageMetadata),
	}
	if len(wire.Candidates) == 0 {
		return out
	}
	cand := wire.Candidates[0]
	msg := llm.Message{Role: llm.RoleAssistant}
	callSeq := 0
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			msg.Content += part.Text
		}
		if part.FunctionCall != nil {
			callSeq++
			args := part.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				// Gemini does not assign call ids; synthesize stable ones.
				ID:        syntheticCallID(part.FunctionCall.Name, callSeq),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	out.Message = msg
	out.FinishReason = mapFinishReason(cand.FinishReason)
	if len(msg.ToolCalls) > 0 && out.FinishReason == llm.FinishStop {
		out.FinishReason = llm.FinishToolUse
	}
	return out
}

func syntheticCallID(name string, seq int) string {
	return fmt.Sprintf("call_%s_%d", name, seq)
}
