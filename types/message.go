package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the variants of a ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentImageURL   ContentKind = "image_url"
	ContentImageData  ContentKind = "image_data"
	ContentToolResult ContentKind = "tool_result"
)

// ContentPart is one element of a heterogeneous message body.
// Exactly the fields for its Kind are populated.
type ContentPart struct {
	Kind ContentKind `json:"kind"`

	// Text content (ContentText).
	Text string `json:"text,omitempty"`

	// Image by URL (ContentImageURL).
	URL string `json:"url,omitempty"`

	// Inline image (ContentImageData): base64 payload plus media type,
	// rendered as a data URL for providers that require one.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// Tool result reference (ContentToolResult).
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ImageURLPart builds an image-by-URL content part.
func ImageURLPart(url string) ContentPart {
	return ContentPart{Kind: ContentImageURL, URL: url}
}

// ImageDataPart builds an inline base64 image content part.
func ImageDataPart(mediaType, data string) ContentPart {
	return ContentPart{Kind: ContentImageData, MediaType: mediaType, Data: data}
}

// DataURL renders an inline image part as an RFC 2397 data URL.
func (p ContentPart) DataURL() string {
	if p.Kind != ContentImageData {
		return p.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", p.MediaType, p.Data)
}

// ToolCall represents a tool invocation request from the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message represents one conversation turn.
// Content carries plain text; Parts carries a heterogeneous body. When both
// are set, Parts wins and Content is ignored by the adapters.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage creates a tool result message.
func NewToolMessage(toolCallID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, Name: name, ToolCallID: toolCallID}
}

// Text flattens the message body to plain text, concatenating text parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == ContentText {
			out += p.Text
		}
	}
	return out
}

// HasImages reports whether the message carries image content.
func (m Message) HasImages() bool {
	for _, p := range m.Parts {
		if p.Kind == ContentImageURL || p.Kind == ContentImageData {
			return true
		}
	}
	return false
}

// ValidateMessages enforces the request message-shape invariants:
// at most one system message, and only in first position; user/assistant
// turns may alternate or stack; tool messages are permitted only after an
// assistant message bearing tool calls.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return errors.New("messages must not be empty")
	}
	toolCallsOpen := false
	for i, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if i != 0 {
				return fmt.Errorf("system message must be first, found at index %d", i)
			}
		case RoleTool:
			if !toolCallsOpen {
				return fmt.Errorf("tool message at index %d has no preceding assistant tool calls", i)
			}
		case RoleUser:
			toolCallsOpen = false
		case RoleAssistant:
			toolCallsOpen = len(m.ToolCalls) > 0
		default:
			return fmt.Errorf("unknown role %q at index %d", m.Role, i)
		}
	}
	return nil
}

// SplitSystem separates an optional leading system message from the rest,
// for providers that carry the system prompt out of band.
func SplitSystem(msgs []Message) (system string, rest []Message) {
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		return msgs[0].Text(), msgs[1:]
	}
	return "", msgs
}
