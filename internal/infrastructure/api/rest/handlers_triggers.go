package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbflow/orchestrator/internal/application/trigger"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/logger"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// TriggerHandlers serves cron/interval/webhook trigger configuration CRUD.
// Manual triggering lives on RunHandlers (POST /triggers/manual) since it
// creates a run directly rather than configuring a recurring schedule.
type TriggerHandlers struct {
	triggers repository.TriggerRepository
	manager  *trigger.Manager
	logger   *logger.Logger
}

// NewTriggerHandlers wires TriggerHandlers.
func NewTriggerHandlers(triggers repository.TriggerRepository, manager *trigger.Manager, log *logger.Logger) *TriggerHandlers {
	return &TriggerHandlers{triggers: triggers, manager: manager, logger: log}
}

// HandleCreateTrigger handles POST /workflows/:workflow_id/triggers.
func (h *TriggerHandlers) HandleCreateTrigger(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}

	var req struct {
		Type    string                 `json:"type" binding:"required"`
		Config  map[string]interface{} `json:"config,omitempty"`
		Enabled bool                   `json:"enabled"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}

	t := &storagemodels.TriggerModel{
		WorkflowID: workflowID,
		Type:       req.Type,
		Config:     storagemodels.JSONBMap(req.Config),
		Enabled:    req.Enabled,
	}
	if err := h.triggers.Create(c.Request.Context(), t); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	if t.Enabled {
		if err := h.manager.RegisterTrigger(c.Request.Context(), t); err != nil {
			h.logger.ErrorContext(c.Request.Context(), "register trigger failed", "error", err, "trigger_id", t.ID)
		}
	}
	respondJSON(c, http.StatusCreated, t)
}

// HandleListTriggers handles GET /workflows/:workflow_id/triggers.
func (h *TriggerHandlers) HandleListTriggers(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}
	triggers, err := h.triggers.FindByWorkflowID(c.Request.Context(), workflowID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, triggers)
}

// HandleGetTrigger handles GET /triggers/:trigger_id.
func (h *TriggerHandlers) HandleGetTrigger(c *gin.Context) {
	id, ok := parseUUIDParam(c, "trigger_id")
	if !ok {
		return
	}
	t, err := h.triggers.FindByID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, t)
}

// HandleUpdateTrigger handles PUT /triggers/:trigger_id — updates config
// and/or enabled state, re-registering or unregistering it with the live
// cron scheduler as needed.
func (h *TriggerHandlers) HandleUpdateTrigger(c *gin.Context) {
	id, ok := parseUUIDParam(c, "trigger_id")
	if !ok {
		return
	}

	var req struct {
		Config  map[string]interface{} `json:"config,omitempty"`
		Enabled *bool                  `json:"enabled,omitempty"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}

	t, err := h.triggers.FindByID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	wasEnabled := t.Enabled
	if req.Config != nil {
		t.Config = storagemodels.JSONBMap(req.Config)
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}

	if err := h.triggers.Update(c.Request.Context(), t); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	switch {
	case t.Enabled && (!wasEnabled || req.Config != nil):
		if err := h.manager.RegisterTrigger(c.Request.Context(), t); err != nil {
			h.logger.ErrorContext(c.Request.Context(), "register trigger failed", "error", err, "trigger_id", t.ID)
		}
	case !t.Enabled && wasEnabled:
		h.manager.UnregisterTrigger(t.ID)
	}

	respondJSON(c, http.StatusOK, t)
}

// HandleDeleteTrigger handles DELETE /triggers/:trigger_id.
func (h *TriggerHandlers) HandleDeleteTrigger(c *gin.Context) {
	id, ok := parseUUIDParam(c, "trigger_id")
	if !ok {
		return
	}
	h.manager.UnregisterTrigger(id)
	if err := h.triggers.Delete(c.Request.Context(), id); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	c.Status(http.StatusNoContent)
}
