// Package streaming owns the gateway's active-stream registry: stream ids,
// cooperative cancellation, and stall detection. Adapters produce chunk
// channels; the engine wraps them so the application layer can cancel by id
// and enumerate what is in flight.
package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
	"go.uber.org/zap"
)

// DefaultStallTimeout aborts a stream that delivers no bytes for this long.
const DefaultStallTimeout = 60 * time.Second

// Observer sees every chunk of a stream synchronously, including the
// synthesized terminal chunk on cancellation or stall. Used by the router
// for health accounting and usage settlement without re-channeling the
// stream (which would break the cancellation ordering guarantee).
type Observer func(llm.StreamChunk)

// handle is the per-stream cancellation state. The mutex orders chunk
// delivery against Cancel: every data chunk is sent to the consumer while
// holding mu, and Cancel acquires mu after closing stop, so once Cancel
// returns no further data chunk can be delivered.
type handle struct {
	id       string
	provider string
	cancel   context.CancelFunc
	stop     chan struct{}

	mu        sync.Mutex
	cancelled bool
}

// Engine is the process-wide stream registry.
type Engine struct {
	stallTimeout time.Duration
	logger       *zap.Logger

	mu     sync.RWMutex
	active map[string]*handle
}

// NewEngine creates an engine. stallTimeout <= 0 means the default.
func NewEngine(stallTimeout time.Duration, logger *zap.Logger) *Engine {
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		stallTimeout: stallTimeout,
		logger:       logger,
		active:       make(map[string]*handle),
	}
}

// Open starts a provider stream and registers it. The returned channel is
// unbuffered — a chunk counts as delivered only once the consumer receives
// it — and is closed after the terminal chunk. observer may be nil.
func (e *Engine) Open(ctx context.Context, provider llm.Provider, req *llm.ChatRequest, observer Observer) (string, <-chan llm.StreamChunk, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	src, err := provider.Stream(streamCtx, req)
	if err != nil {
		cancel()
		return "", nil, err
	}

	h := &handle{
		id:       uuid.NewString(),
		provider: provider.Name(),
		cancel:   cancel,
		stop:     make(chan struct{}),
	}

	e.mu.Lock()
	e.active[h.id] = h
	e.mu.Unlock()

	out := make(chan llm.StreamChunk)
	go e.pump(streamCtx, h, src, out, observer)

	e.logger.Debug("stream opened",
		zap.String("stream_id", h.id),
		zap.String("provider", h.provider))
	return h.id, out, nil
}

// pump forwards chunks from the adapter to the consumer, enforcing the
// stall timeout and the cancellation contract.
func (e *Engine) pump(ctx context.Context, h *handle, src <-chan llm.StreamChunk, out chan<- llm.StreamChunk, observer Observer) {
	defer close(out)
	defer e.unregister(h.id)

	stall := time.NewTimer(e.stallTimeout)
	defer stall.Stop()

	observe := func(chunk llm.StreamChunk) {
		if observer != nil {
			observer(chunk)
		}
	}

	// terminate delivers a synthesized terminal chunk with a short grace
	// period so an absent consumer cannot wedge the pump.
	terminate := func(chunk llm.StreamChunk) {
		observe(chunk)
		grace := time.NewTimer(100 * time.Millisecond)
		defer grace.Stop()
		select {
		case out <- chunk:
		case <-grace.C:
		}
	}

	for {
		select {
		case <-h.stop:
			terminate(llm.ErrorChunk(types.NewError(types.ErrCancelled,
				"stream cancelled").WithProvider(h.provider)))
			return

		case <-ctx.Done():
			terminate(llm.ErrorChunk(types.NewError(types.ErrCancelled,
				"stream context cancelled").WithProvider(h.provider)))
			return

		case <-stall.C:
			h.cancel() // closes the underlying HTTP read loop
			terminate(llm.ErrorChunk(types.NewError(types.ErrStreamStalled,
				"no data for stall timeout").WithProvider(h.provider)))
			return

		case chunk, ok := <-src:
			if !ok {
				// Adapter closed without a terminal chunk: the producer saw
				// ctx cancellation.
				terminate(llm.ErrorChunk(types.NewError(types.ErrCancelled,
					"stream ended without terminal chunk").WithProvider(h.provider)))
				return
			}
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(e.stallTimeout)

			observe(chunk)
			if !e.deliver(h, out, chunk) {
				// Cancelled mid-handoff; the chunk is dropped unseen.
				terminate(llm.ErrorChunk(types.NewError(types.ErrCancelled,
					"stream cancelled").WithProvider(h.provider)))
				return
			}
			if chunk.IsTerminal() {
				return
			}
		}
	}
}

// deliver hands one chunk to the consumer under the handle mutex so it is
// ordered before any concurrent Cancel completion. Returns false when the
// stream stopped before the consumer received it.
func (e *Engine) deliver(h *handle, out chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	select {
	case out <- chunk:
		return true
	case <-h.stop:
		return false
	}
}

// Cancel aborts the stream. After Cancel returns, no further data chunks
// are delivered for this id; the consumer sees a terminal Cancelled error.
// Returns false when the id is unknown (already finished or never existed).
func (e *Engine) Cancel(streamID string) bool {
	e.mu.Lock()
	h, ok := e.active[streamID]
	delete(e.active, streamID)
	e.mu.Unlock()
	if !ok {
		return false
	}

	close(h.stop)
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()

	e.logger.Debug("stream cancelled",
		zap.String("stream_id", streamID),
		zap.String("provider", h.provider))
	return true
}

// ActiveStreams lists the ids of streams that have not yet terminated.
func (e *Engine) ActiveStreams() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Provider reports which provider owns a stream id.
func (e *Engine) Provider(streamID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.active[streamID]
	if !ok {
		return "", false
	}
	return h.provider, true
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	if h, ok := e.active[id]; ok {
		h.cancel()
		delete(e.active, id)
	}
	e.mu.Unlock()
}
