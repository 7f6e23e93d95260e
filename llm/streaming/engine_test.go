package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider streams a fixed chunk script, optionally pacing each
// chunk, and honors context cancellation like a real adapter.
type scriptedProvider struct {
	name   string
	script []llm.StreamChunk
	pace   time.Duration
	// hang keeps the stream open after the script until cancellation,
	// simulating a stalled upstream.
	hang bool
}

func (p *scriptedProvider) Name() string                      { return p.name }
func (p *scriptedProvider) Capabilities() llm.Capabilities    { return llm.Capabilities{Streaming: true} }
func (p *scriptedProvider) ResolveModel(a string) (string, bool) { return a, true }
func (p *scriptedProvider) MaxContextWindow(string) int       { return 128000 }
func (p *scriptedProvider) CountTokens(*llm.ChatRequest) (int, error) { return 10, nil }
func (p *scriptedProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (p *scriptedProvider) ListModels(context.Context) ([]llm.ModelInfo, error) { return nil, nil }
func (p *scriptedProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range p.script {
			if p.pace > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.pace):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if p.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func textScript(words ...string) []llm.StreamChunk {
	var out []llm.StreamChunk
	for _, w := range words {
		out = append(out, llm.DeltaChunk(w, 0))
	}
	out = append(out, llm.FinishChunk(llm.FinishStop, 0))
	out = append(out, llm.DoneChunk())
	return out
}

func TestStreamCompletes(t *testing.T) {
	engine := NewEngine(time.Second, nil)
	p := &scriptedProvider{name: "anthropic", script: textScript("a ", "b ", "c")}

	id, ch, err := engine.Open(context.Background(), p, &llm.ChatRequest{}, nil)
	require.NoError(t, err)
	assert.Contains(t, engine.ActiveStreams(), id)

	var text string
	var last llm.StreamChunk
	for c := range ch {
		last = c
		if c.Kind == llm.ChunkDelta {
			text += c.Text
		}
	}
	assert.Equal(t, "a b c", text)
	assert.Equal(t, llm.ChunkDone, last.Kind)

	assert.Eventually(t, func() bool {
		return len(engine.ActiveStreams()) == 0
	}, time.Second, 10*time.Millisecond, "finished stream leaves the registry")
}

func TestCancelStopsDelivery(t *testing.T) {
	engine := NewEngine(time.Minute, nil)
	script := textScript("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")
	p := &scriptedProvider{name: "openai", script: script, pace: 20 * time.Millisecond}

	id, ch, err := engine.Open(context.Background(), p, &llm.ChatRequest{}, nil)
	require.NoError(t, err)

	// Receive three chunks, then cancel.
	for i := 0; i < 3; i++ {
		c := <-ch
		assert.Equal(t, llm.ChunkDelta, c.Kind)
	}
	require.True(t, engine.Cancel(id))

	// After Cancel returns: only the terminal Cancelled error may follow.
	var after []llm.StreamChunk
	for c := range ch {
		after = append(after, c)
	}
	for _, c := range after {
		assert.Equal(t, llm.ChunkError, c.Kind, "no data chunks after cancel")
	}
	require.NotEmpty(t, after)
	assert.Equal(t, types.ErrCancelled, after[len(after)-1].Err.Code)

	assert.NotContains(t, engine.ActiveStreams(), id)
	assert.False(t, engine.Cancel(id), "second cancel reports not-found")
}

func TestCancelUnknownStream(t *testing.T) {
	engine := NewEngine(time.Minute, nil)
	assert.False(t, engine.Cancel("no-such-stream"))
}

func TestStallTimeout(t *testing.T) {
	engine := NewEngine(50*time.Millisecond, nil)
	// One chunk, then silence far beyond the stall timeout.
	p := &scriptedProvider{
		name:   "gemini",
		script: []llm.StreamChunk{llm.DeltaChunk("x", 0)},
		hang:   true,
	}

	id, ch, err := engine.Open(context.Background(), p, &llm.ChatRequest{}, nil)
	require.NoError(t, err)

	var last llm.StreamChunk
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				assert.Equal(t, llm.ChunkError, last.Kind)
				assert.Equal(t, types.ErrStreamStalled, last.Err.Code)
				assert.NotContains(t, engine.ActiveStreams(), id)
				return
			}
			last = c
		case <-deadline:
			t.Fatal("stream did not terminate after stall")
		}
	}
}

func TestActiveStreamsTracksMultiple(t *testing.T) {
	engine := NewEngine(time.Minute, nil)
	p := &scriptedProvider{name: "ollama", script: textScript("w"), pace: 50 * time.Millisecond}

	id1, ch1, err := engine.Open(context.Background(), p, &llm.ChatRequest{}, nil)
	require.NoError(t, err)
	id2, ch2, err := engine.Open(context.Background(), p, &llm.ChatRequest{}, nil)
	require.NoError(t, err)

	active := engine.ActiveStreams()
	assert.ElementsMatch(t, []string{id1, id2}, active)

	prov, ok := engine.Provider(id1)
	assert.True(t, ok)
	assert.Equal(t, "ollama", prov)

	for range ch1 {
	}
	for range ch2 {
	}
}
