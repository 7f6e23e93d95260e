package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMessages(t *testing.T) {
	tests := []struct {
		name    string
		msgs    []Message
		wantErr bool
	}{
		{
			name:    "empty",
			msgs:    nil,
			wantErr: true,
		},
		{
			name: "simple user turn",
			msgs: []Message{NewUserMessage("hello")},
		},
		{
			name: "system first",
			msgs: []Message{NewSystemMessage("be brief"), NewUserMessage("hi")},
		},
		{
			name:    "system not first",
			msgs:    []Message{NewUserMessage("hi"), NewSystemMessage("be brief")},
			wantErr: true,
		},
		{
			name: "tool after assistant tool calls",
			msgs: []Message{
				NewUserMessage("roll initiative"),
				{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "roll_dice", Arguments: []byte(`{}`)}}},
				NewToolMessage("t1", "roll_dice", "17"),
			},
		},
		{
			name: "tool without preceding tool calls",
			msgs: []Message{
				NewUserMessage("hi"),
				NewToolMessage("t1", "roll_dice", "17"),
			},
			wantErr: true,
		},
		{
			name: "tool after plain assistant",
			msgs: []Message{
				NewUserMessage("hi"),
				NewAssistantMessage("hello"),
				NewToolMessage("t1", "roll_dice", "17"),
			},
			wantErr: true,
		},
		{
			name: "stacked user messages",
			msgs: []Message{NewUserMessage("a"), NewUserMessage("b")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessages(tt.msgs)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitSystem(t *testing.T) {
	sys, rest := SplitSystem([]Message{NewSystemMessage("dm notes"), NewUserMessage("hi")})
	assert.Equal(t, "dm notes", sys)
	require.Len(t, rest, 1)
	assert.Equal(t, RoleUser, rest[0].Role)

	sys, rest = SplitSystem([]Message{NewUserMessage("hi")})
	assert.Empty(t, sys)
	assert.Len(t, rest, 1)
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleUser, Parts: []ContentPart{
		TextPart("describe "),
		ImageURLPart("https://example.com/map.png"),
		TextPart("this map"),
	}}
	assert.Equal(t, "describe this map", m.Text())
	assert.True(t, m.HasImages())

	plain := NewUserMessage("hello")
	assert.Equal(t, "hello", plain.Text())
	assert.False(t, plain.HasImages())
}

func TestImageDataURL(t *testing.T) {
	p := ImageDataPart("image/png", "aGVsbG8=")
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", p.DataURL())
}
