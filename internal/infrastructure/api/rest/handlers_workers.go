package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbflow/orchestrator/internal/application/engine"
)

// WorkerHandlers serves the worker pool health/throughput view (spec.md
// §4.12 / §6.2 GET /workers).
type WorkerHandlers struct {
	registry *engine.WorkerRegistry
}

// NewWorkerHandlers wires WorkerHandlers.
func NewWorkerHandlers(registry *engine.WorkerRegistry) *WorkerHandlers {
	return &WorkerHandlers{registry: registry}
}

// HandleListWorkers handles GET /workers.
func (h *WorkerHandlers) HandleListWorkers(c *gin.Context) {
	summary, err := h.registry.Summary(c.Request.Context())
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, summary)
}
