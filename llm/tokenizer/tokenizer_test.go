package tokenizer

import (
	"testing"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatorText(t *testing.T) {
	e := NewEstimator(4.0, 0)

	n, err := e.CountText("")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.CountText("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "non-empty text is at least one token")

	n, err = e.CountText("The goblin chieftain snarls and raises its rusty blade.")
	require.NoError(t, err)
	assert.InDelta(t, 14, n, 4)
}

func TestEstimatorRequest(t *testing.T) {
	e := NewEstimator(3.5, ImageTokensAnthropic)
	req := &llm.ChatRequest{
		Messages: []llm.Message{
			types.NewSystemMessage("You are a dungeon master."),
			{Role: llm.RoleUser, Parts: []types.ContentPart{
				types.TextPart("what is in this picture"),
				types.ImageDataPart("image/png", "aGVsbG8="),
			}},
		},
	}
	n, err := e.CountRequest(req)
	require.NoError(t, err)
	assert.Greater(t, n, ImageTokensAnthropic, "image charge dominates")
}

func TestEstimatorCountsToolSchemas(t *testing.T) {
	e := NewEstimator(4.0, 0)
	base := &llm.ChatRequest{Messages: []llm.Message{types.NewUserMessage("hi")}}
	withTools := &llm.ChatRequest{
		Messages: base.Messages,
		Tools: []llm.ToolSchema{{
			Name:        "roll_dice",
			Description: "Rolls dice using standard notation",
			Parameters:  []byte(`{"type":"object","properties":{"notation":{"type":"string"}}}`),
		}},
	}

	nBase, err := e.CountRequest(base)
	require.NoError(t, err)
	nTools, err := e.CountRequest(withTools)
	require.NoError(t, err)
	assert.Greater(t, nTools, nBase)
}

func TestBPECounterEncodingSelection(t *testing.T) {
	assert.Equal(t, "cl100k_base", NewBPECounter("gpt-4-turbo").encoding)
	assert.Equal(t, "cl100k_base", NewBPECounter("gpt-3.5-turbo").encoding)
	assert.Equal(t, "o200k_base", NewBPECounter("gpt-4o").encoding)
	assert.Equal(t, "o200k_base", NewBPECounter("gpt-5").encoding)
}
