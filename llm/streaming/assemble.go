package streaming

import (
	"encoding/json"
	"sort"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// Assemble folds a complete chunk sequence back into a ChatResponse:
// concatenated text deltas, tool-call argument fragments merged in order
// within each call id, and the trailing finish reason and usage. An error
// chunk aborts assembly and surfaces the error.
func Assemble(chunks []llm.StreamChunk) (*llm.ChatResponse, error) {
	out := &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant}}

	type callAcc struct {
		id    string
		name  string
		args  string
		order int
	}
	calls := make(map[string]*callAcc)
	seq := 0

	for _, c := range chunks {
		switch c.Kind {
		case llm.ChunkDelta:
			out.Message.Content += c.Text
		case llm.ChunkToolCallDelta:
			acc, ok := calls[c.ToolCallID]
			if !ok {
				acc = &callAcc{id: c.ToolCallID, order: seq}
				seq++
				calls[c.ToolCallID] = acc
			}
			if c.ToolName != "" {
				acc.name = c.ToolName
			}
			acc.args += c.ArgumentsFragment
		case llm.ChunkFinishReason:
			out.FinishReason = c.FinishReason
		case llm.ChunkUsage:
			if c.Usage != nil {
				out.Usage = *c.Usage
			}
		case llm.ChunkError:
			return nil, c.Err
		case llm.ChunkDone:
			// terminal
		}
		if c.Provider != "" {
			out.Provider = c.Provider
		}
		if c.Model != "" {
			out.Model = c.Model
		}
	}

	ordered := make([]*callAcc, 0, len(calls))
	for _, acc := range calls {
		ordered = append(ordered, acc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })
	for _, acc := range ordered {
		args := acc.args
		if args == "" {
			args = "{}"
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, types.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: json.RawMessage(args),
		})
	}
	return out, nil
}
