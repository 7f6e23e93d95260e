package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/llm/providers"
	"github.com/greyhelm/lorekeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(baseURL string) *Provider {
	return New(Config{BaseConfig: providers.BaseConfig{BaseURL: baseURL}}, nil)
}

func TestCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"])

		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.1",
			"message":           map[string]any{"role": "assistant", "content": "You find 30 gold pieces."},
			"done":              true,
			"prompt_eval_count": 18,
			"eval_count":        7,
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{types.NewUserMessage("loot the chest")},
	})
	require.NoError(t, err)

	assert.Equal(t, "You find 30 gold pieces.", resp.Text())
	assert.Equal(t, llm.FinishStop, resp.FinishReason)
	assert.Equal(t, 18, resp.Usage.InputTokens)
	assert.Equal(t, 25, resp.Usage.TotalTokens)
}

func TestStreamNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"model":"llama3.1","message":{"role":"assistant","content":"Torch"},"done":false}`,
			`{"model":"llama3.1","message":{"role":"assistant","content":"light flickers."},"done":false}`,
			`{"model":"llama3.1","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":10,"eval_count":4}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{types.NewUserMessage("describe")},
	})
	require.NoError(t, err)

	var text string
	var kinds []llm.ChunkKind
	for c := range ch {
		kinds = append(kinds, c.Kind)
		if c.Kind == llm.ChunkDelta {
			text += c.Text
		}
	}

	assert.Equal(t, "Torchlight flickers.", text)
	assert.Equal(t, []llm.ChunkKind{
		llm.ChunkDelta, llm.ChunkDelta, llm.ChunkFinishReason, llm.ChunkUsage, llm.ChunkDone,
	}, kinds)
}

func TestStreamZeroTokenResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"llama3.1","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{types.NewUserMessage("")},
	})
	require.NoError(t, err)

	var kinds []llm.ChunkKind
	for c := range ch {
		kinds = append(kinds, c.Kind)
	}
	// Empty delta stream still terminates with finish, usage, done.
	assert.Equal(t, []llm.ChunkKind{llm.ChunkFinishReason, llm.ChunkUsage, llm.ChunkDone}, kinds)
}

func TestStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model 'nonexistent' not found"}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{types.NewUserMessage("hi")},
		Model:    "nonexistent:latest",
	})
	require.NoError(t, err)

	var last llm.StreamChunk
	for c := range ch {
		last = c
	}
	assert.Equal(t, llm.ChunkError, last.Kind)
	assert.Equal(t, types.ErrAPI, last.Err.Code)
}

func TestResolveModelAcceptsLocalTags(t *testing.T) {
	p := newTestProvider("http://localhost:11434")

	_, ok := p.ResolveModel("llama3.1")
	assert.True(t, ok)
	full, ok := p.ResolveModel("llama3.1:8b-instruct-q5_K_M")
	assert.True(t, ok)
	assert.Equal(t, "llama3.1:8b-instruct-q5_K_M", full)
	_, ok = p.ResolveModel("gpt-4o")
	assert.False(t, ok)
}
