package streaming

import (
	"testing"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAssembleText(t *testing.T) {
	chunks := []llm.StreamChunk{
		llm.DeltaChunk("The ", 0),
		llm.DeltaChunk("lich ", 0),
		llm.DeltaChunk("stirs.", 0),
		llm.FinishChunk(llm.FinishStop, 0),
		llm.UsageChunk(llm.TokenUsage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8}),
		llm.DoneChunk(),
	}
	resp, err := Assemble(chunks)
	require.NoError(t, err)
	assert.Equal(t, "The lich stirs.", resp.Text())
	assert.Equal(t, llm.FinishStop, resp.FinishReason)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestAssembleToolCalls(t *testing.T) {
	chunks := []llm.StreamChunk{
		llm.ToolCallDeltaChunk("call_1", "roll_dice", ""),
		llm.ToolCallDeltaChunk("call_1", "", `{"nota`),
		llm.ToolCallDeltaChunk("call_1", "", `tion":"2d8"}`),
		llm.FinishChunk(llm.FinishToolUse, 0),
		llm.DoneChunk(),
	}
	resp, err := Assemble(chunks)
	require.NoError(t, err)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "roll_dice", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"notation":"2d8"}`, string(resp.Message.ToolCalls[0].Arguments))
}

func TestAssembleEmptyArgumentsBecomesEmptyObject(t *testing.T) {
	chunks := []llm.StreamChunk{
		llm.ToolCallDeltaChunk("call_2", "end_combat", ""),
		llm.FinishChunk(llm.FinishToolUse, 0),
		llm.DoneChunk(),
	}
	resp, err := Assemble(chunks)
	require.NoError(t, err)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "{}", string(resp.Message.ToolCalls[0].Arguments))
}

func TestAssembleError(t *testing.T) {
	chunks := []llm.StreamChunk{
		llm.DeltaChunk("partial", 0),
		llm.ErrorChunk(types.NewError(types.ErrStreamStalled, "stalled")),
	}
	_, err := Assemble(chunks)
	require.Error(t, err)
	assert.Equal(t, types.ErrStreamStalled, types.GetErrorCode(err))
}

// Splitting a text into arbitrary delta fragments and assembling them must
// reproduce the original text, whatever the fragmentation.
func TestAssembleDeltaSplitProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringN(0, 200, 400).Draw(t, "text")

		var chunks []llm.StreamChunk
		rest := text
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "fragment")
			chunks = append(chunks, llm.DeltaChunk(rest[:n], 0))
			rest = rest[n:]
		}
		chunks = append(chunks, llm.FinishChunk(llm.FinishStop, 0), llm.DoneChunk())

		resp, err := Assemble(chunks)
		if err != nil {
			t.Fatalf("assemble failed: %v", err)
		}
		if resp.Text() != text {
			t.Fatalf("assembled %q, want %q", resp.Text(), text)
		}
	})
}
