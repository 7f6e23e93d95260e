package gemini

import (
	"context"
	"encoding/json"
	"io"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// parseJSONArrayStream converts Gemini's streamed JSON array into the
// uniform chunk sequence. The body is one array (`[ {frame}, {frame} ]`)
// whose elements arrive incrementally; json.Decoder blocks on partial
// frames until the element completes, so chunk boundaries in the transport
// never corrupt parsing.
func parseJSONArrayStream(ctx context.Context, body io.ReadCloser, model string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, 64)
	go func() {
		defer body.Close()
		defer close(ch)

		emit := func(chunk llm.StreamChunk) bool {
			chunk.Provider = "gemini"
			chunk.Model = model
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		fail := func(code types.ErrorCode, msg string, cause error) {
			if ctx.Err() != nil {
				return
			}
			e := types.NewError(code, msg).WithProvider("gemini")
			if cause != nil {
				e = e.WithCause(cause)
			}
			emit(llm.ErrorChunk(e))
		}

		dec := json.NewDecoder(body)

		// Opening bracket of the array.
		tok, err := dec.Token()
		if err != nil {
			fail(types.ErrStreamParse, "missing stream array opening", err)
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			fail(types.ErrStreamParse, "stream did not open with an array", nil)
			return
		}

		var usage *llm.TokenUsage
		var finish llm.FinishReason
		callSeq := 0

		for dec.More() {
			var frame wireResponse
			if err := dec.Decode(&frame); err != nil {
				if err == io.ErrUnexpectedEOF || err == io.EOF {
					fail(types.ErrStreamParse, "stream truncated mid-frame", err)
				} else {
					fail(types.ErrStreamParse, "bad stream frame", err)
				}
				return
			}

			for _, cand := range frame.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						if !emit(llm.DeltaChunk(part.Text, cand.Index)) {
							return
						}
					}
					if part.FunctionCall != nil {
						callSeq++
						args := string(part.FunctionCall.Args)
						if args == "" {
							args = "{}"
						}
						c := llm.ToolCallDeltaChunk(
							syntheticCallID(part.FunctionCall.Name, callSeq),
							part.FunctionCall.Name, args)
						c.Index = cand.Index
						if !emit(c) {
							return
						}
					}
				}
				if cand.FinishReason != "" {
					finish = mapFinishReason(cand.FinishReason)
					if callSeq > 0 && finish == llm.FinishStop {
						finish = llm.FinishToolUse
					}
				}
			}
			if frame.UsageMetadata != nil {
				u := mapUsage(frame.UsageMetadata)
				usage = &u
			}
		}

		if finish == "" {
			finish = llm.FinishStop
		}
		if !emit(llm.FinishChunk(finish, 0)) {
			return
		}
		if usage != nil {
			if !emit(llm.UsageChunk(*usage)) {
				return
			}
		}
		emit(llm.DoneChunk())
	}()
	return ch
}
