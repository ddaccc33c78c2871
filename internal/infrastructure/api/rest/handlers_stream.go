package rest

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbflow/orchestrator/internal/application/observer"
	"github.com/mbflow/orchestrator/internal/infrastructure/logger"
)

const streamHeartbeatInterval = 30 * time.Second

// StreamHandlers serves the live run-progress SSE surface (spec.md §6.2
// GET /stream).
type StreamHandlers struct {
	hub    *observer.StreamHub
	logger *logger.Logger
}

// NewStreamHandlers wires StreamHandlers.
func NewStreamHandlers(hub *observer.StreamHub, log *logger.Logger) *StreamHandlers {
	return &StreamHandlers{hub: hub, logger: log}
}

// HandleStream handles GET /stream?run_id=... — subscribes the
// connection to a run's result/chunk events and pushes them as SSE,
// sending a heartbeat comment every 30s so idle proxies don't close the
// connection.
func (h *StreamHandlers) HandleStream(c *gin.Context) {
	runID := c.Query("run_id")
	if runID == "" {
		respondAPIError(c, ErrMissingParameter)
		return
	}

	events, cancel := h.hub.Subscribe(runID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(event.Kind, event.Payload)
			return true
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				h.logger.ErrorContext(ctx, "stream heartbeat write failed", "error", err, "run_id", runID)
				return false
			}
			return true
		}
	})
}
