// Package observer fans out live run progress to connected SSE clients.
//
// The teacher's observer package was an in-process Observer/Notify
// pub-sub for a single-process execution engine (wave/node callbacks
// fired synchronously as the engine walked the graph). This control
// plane dispatches node work to out-of-process workers over a Redis bus,
// so there is no in-process event to observe — progress arrives
// asynchronously on the results/chunks streams. StreamHub keeps the
// teacher's non-blocking, panic-recovering fan-out shape (see the old
// ObserverManager.Notify) but re-targets it: subscribers are per-run
// buffered channels fed by a single background consumer of the bus,
// instead of a list of Observer implementations fed by direct calls.
package observer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mbflow/orchestrator/internal/infrastructure/cache"
	"github.com/mbflow/orchestrator/internal/infrastructure/logger"
)

// StreamEvent is one message delivered to an SSE subscriber: either a node
// result or a streamed output chunk, tagged with the kind so the HTTP
// handler can pick the right SSE event name.
type StreamEvent struct {
	Kind    string          `json:"kind"` // "result" | "chunk"
	RunID   string          `json:"run_id"`
	Payload json.RawMessage `json:"payload"`
}

type subscriber struct {
	runID string
	ch    chan StreamEvent
}

// StreamHub consumes the bus's results and chunks streams once and fans
// each entry out to every subscriber watching that entry's run. A single
// hub instance is meant to be shared process-wide; each SSE connection
// registers its own subscriber channel.
type StreamHub struct {
	bus    *cache.Bus
	logger *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]map[chan StreamEvent]struct{} // runID -> set of channels

	bufferSize int
}

// NewStreamHub wires a StreamHub over the given bus.
func NewStreamHub(bus *cache.Bus, log *logger.Logger) *StreamHub {
	return &StreamHub{
		bus:         bus,
		logger:      log,
		subscribers: make(map[string]map[chan StreamEvent]struct{}),
		bufferSize:  32,
	}
}

// Subscribe registers a new channel for a run's events. Callers must call
// the returned cancel func when done (normally when the SSE request's
// context is done) to avoid leaking the channel.
func (h *StreamHub) Subscribe(runID string) (<-chan StreamEvent, func()) {
	ch := make(chan StreamEvent, h.bufferSize)

	h.mu.Lock()
	if h.subscribers[runID] == nil {
		h.subscribers[runID] = make(map[chan StreamEvent]struct{})
	}
	h.subscribers[runID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subscribers[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subscribers, runID)
			}
		}
		close(ch)
	}
	return ch, cancel
}

// publish fans a decoded event out to every subscriber for its run,
// non-blocking: a slow or gone subscriber's full channel is skipped
// rather than stalling the consumer loop for every other run.
func (h *StreamHub) publish(event StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// runIDOf best-effort extracts "run_id" from a raw bus payload without a
// full unmarshal into the richer dispatch.Result/models.Chunk shape.
func runIDOf(payload []byte) string {
	var probe struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.RunID
}

// Run drives the hub's single background consumer loop until ctx is
// cancelled: alternating blocking reads of the results and chunks streams
// and fanning each entry out to subscribers. Call once, from
// cmd/server/main.go, for the process's lifetime.
func (h *StreamHub) Run(ctx context.Context) {
	lastResult, lastChunk := "$", "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := h.bus.ReadResults(ctx, lastResult, 2*time.Second)
		if err != nil {
			if h.logger != nil {
				h.logger.ErrorContext(ctx, "stream hub: read results", "error", err)
			}
		}
		for _, entry := range results {
			lastResult = entry.ID
			h.publish(StreamEvent{Kind: "result", RunID: runIDOf(entry.Payload), Payload: entry.Payload})
		}

		chunks, err := h.bus.ReadChunks(ctx, lastChunk, 2*time.Second)
		if err != nil {
			if h.logger != nil {
				h.logger.ErrorContext(ctx, "stream hub: read chunks", "error", err)
			}
		}
		for _, entry := range chunks {
			lastChunk = entry.ID
			h.publish(StreamEvent{Kind: "chunk", RunID: runIDOf(entry.Payload), Payload: entry.Payload})
		}
	}
}
