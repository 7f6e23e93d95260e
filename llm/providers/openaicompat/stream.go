package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// ParseSSE converts an OpenAI-dialect SSE body (`data: {json}` frames ending
// with `data: [DONE]`) into the uniform chunk sequence. Chunk order follows
// provider order exactly; tool-call argument fragments keep their call id
// across frames.
func ParseSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, 64)
	go func() {
		defer body.Close()
		defer close(ch)

		emit := func(chunk llm.StreamChunk) bool {
			chunk.Provider = providerName
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		// Tool-call ids arrive only on the opening fragment; later
		// fragments carry just the choice-local index.
		toolIDs := make(map[int]string)

		reader := bufio.NewReader(body)
		sawFinish := false
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// Upstream closed without [DONE]; treat as truncation.
					emit(llm.ErrorChunk(types.NewError(types.ErrStreamParse,
						"stream ended without DONE frame").WithProvider(providerName)))
					return
				}
				if ctx.Err() != nil {
					return
				}
				emit(llm.ErrorChunk(types.NewError(types.ErrNetwork,
					"stream read failed").WithProvider(providerName).WithCause(err)))
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				if !sawFinish {
					emit(llm.FinishChunk(llm.FinishStop, 0))
				}
				emit(llm.DoneChunk())
				return
			}

			var frame wireResponse
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				emit(llm.ErrorChunk(types.NewError(types.ErrStreamParse,
					"bad SSE frame").WithProvider(providerName).WithCause(err)))
				return
			}

			for _, choice := range frame.Choices {
				if choice.Delta != nil {
					if choice.Delta.Content != "" {
						c := llm.DeltaChunk(choice.Delta.Content, choice.Index)
						c.Model = frame.Model
						if !emit(c) {
							return
						}
					}
					for _, tc := range choice.Delta.ToolCalls {
						if tc.ID != "" {
							toolIDs[tc.Index] = tc.ID
						}
						id := toolIDs[tc.Index]
						c := llm.ToolCallDeltaChunk(id, tc.Function.Name, tc.Function.Arguments)
						c.Index = choice.Index
						c.Model = frame.Model
						if !emit(c) {
							return
						}
					}
				}
				if choice.FinishReason != "" {
					sawFinish = true
					if !emit(llm.FinishChunk(mapFinishReason(choice.FinishReason), choice.Index)) {
						return
					}
				}
			}

			// Usage arrives on a trailing frame with empty choices when
			// stream_options.include_usage is set.
			if frame.Usage != nil {
				if !emit(llm.UsageChunk(mapUsage(frame.Usage))) {
					return
				}
			}
		}
	}()
	return ch
}
