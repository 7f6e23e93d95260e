package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// Event payloads for the Messages SSE dialect. Each frame is an
// `event: <type>` line followed by a `data: <json>` line.

type streamEvent struct {
	Type string `json:"type"`

	// message_start
	Message *struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	} `json:"message,omitempty"`

	// content_block_start
	Index        int `json:"index,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`

	// content_block_delta
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	// message_delta
	Usage *wireUsage `json:"usage,omitempty"`

	// error
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// parseEventStream converts the event-typed SSE dialect into the uniform
// chunk sequence, preserving provider order.
func parseEventStream(ctx context.Context, body io.ReadCloser) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, 64)
	go func() {
		defer body.Close()
		defer close(ch)

		emit := func(chunk llm.StreamChunk) bool {
			chunk.Provider = "anthropic"
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		// Per-block state: tool blocks stream their arguments as
		// input_json_delta fragments keyed by block index.
		type blockState struct {
			toolID   string
			toolName string
			isTool   bool
			sawJSON  bool
		}
		blocks := make(map[int]*blockState)

		var model string
		usage := llm.TokenUsage{}
		sawFinish := false

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "event:") {
				// The data payload repeats the event type; the event line
				// itself is advisory.
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				emit(llm.ErrorChunk(types.NewError(types.ErrStreamParse,
					"bad event frame").WithProvider("anthropic").WithCause(err)))
				return
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					model = ev.Message.Model
					usage.InputTokens = ev.Message.Usage.InputTokens
					usage.CachedInputTokens = ev.Message.Usage.CacheReadInputTokens
				}

			case "content_block_start":
				st := &blockState{}
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					st.isTool = true
					st.toolID = ev.ContentBlock.ID
					st.toolName = ev.ContentBlock.Name
					c := llm.ToolCallDeltaChunk(st.toolID, st.toolName, "")
					c.Index = ev.Index
					c.Model = model
					if !emit(c) {
						return
					}
				}
				blocks[ev.Index] = st

			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				st := blocks[ev.Index]
				switch ev.Delta.Type {
				case "text_delta":
					c := llm.DeltaChunk(ev.Delta.Text, ev.Index)
					c.Model = model
					if !emit(c) {
						return
					}
				case "input_json_delta":
					if st == nil {
						st = &blockState{isTool: true}
						blocks[ev.Index] = st
					}
					st.sawJSON = true
					c := llm.ToolCallDeltaChunk(st.toolID, "", ev.Delta.PartialJSON)
					c.Index = ev.Index
					c.Model = model
					if !emit(c) {
						return
					}
				}

			case "content_block_stop":
				// A tool block that never streamed arguments has the empty
				// object as its input.
				if st := blocks[ev.Index]; st != nil && st.isTool && !st.sawJSON {
					c := llm.ToolCallDeltaChunk(st.toolID, "", "{}")
					c.Index = ev.Index
					c.Model = model
					if !emit(c) {
						return
					}
				}

			case "message_delta":
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					sawFinish = true
					if !emit(llm.FinishChunk(mapStopReason(ev.Delta.StopReason), 0)) {
						return
					}
				}
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}

			case "message_stop":
				if !sawFinish {
					if !emit(llm.FinishChunk(llm.FinishStop, 0)) {
						return
					}
				}
				usage.Normalize()
				if !emit(llm.UsageChunk(usage)) {
					return
				}
				emit(llm.DoneChunk())
				return

			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				emit(llm.ErrorChunk(types.NewError(types.ErrAPI, msg).WithProvider("anthropic")))
				return

			case "ping":
				// keepalive
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(llm.ErrorChunk(types.NewError(types.ErrNetwork,
				"stream read failed").WithProvider("anthropic").WithCause(err)))
			return
		}
		// EOF without message_stop is a truncated stream.
		emit(llm.ErrorChunk(types.NewError(types.ErrStreamParse,
			"stream ended before message_stop").WithProvider("anthropic")))
	}()
	return ch
}
