package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/application/engine"
	"github.com/mbflow/orchestrator/internal/application/trigger"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/logger"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// WorkflowHandlers serves workflow CRUD and the version-store operations
// (spec.md §6.2 POST /flows/{id}/publish|rollback|restore|discard|schedule).
type WorkflowHandlers struct {
	workflows repository.WorkflowRepository
	triggers  repository.TriggerRepository
	versions  *engine.VersionStore
	manager   *trigger.Manager
	logger    *logger.Logger
}

// NewWorkflowHandlers wires WorkflowHandlers.
func NewWorkflowHandlers(workflows repository.WorkflowRepository, triggers repository.TriggerRepository, versions *engine.VersionStore, manager *trigger.Manager, log *logger.Logger) *WorkflowHandlers {
	return &WorkflowHandlers{workflows: workflows, triggers: triggers, versions: versions, manager: manager, logger: log}
}

// HandleCreateWorkflow handles POST /workflows.
func (h *WorkflowHandlers) HandleCreateWorkflow(c *gin.Context) {
	var req struct {
		Name        string                 `json:"name" binding:"required"`
		Description string                 `json:"description,omitempty"`
		DraftGraph  map[string]interface{} `json:"draft_graph,omitempty"`
		Tags        []string               `json:"tags,omitempty"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}

	workflow := &storagemodels.WorkflowModel{
		Name:        req.Name,
		Description: req.Description,
		Status:      "draft",
		Tags:        storagemodels.StringArray(req.Tags),
		DraftGraph:  storagemodels.JSONBMap(req.DraftGraph),
	}
	if err := h.workflows.Create(c.Request.Context(), workflow); err != nil {
		h.logger.ErrorContext(c.Request.Context(), "create workflow failed", "error", err)
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusCreated, workflow)
}

// HandleGetWorkflow handles GET /workflows/:workflow_id.
func (h *WorkflowHandlers) HandleGetWorkflow(c *gin.Context) {
	id, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}
	workflow, err := h.workflows.FindByID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, workflow)
}

// HandleListWorkflows handles GET /workflows.
func (h *WorkflowHandlers) HandleListWorkflows(c *gin.Context) {
	limit := getQueryInt(c, "limit", 50)
	offset := getQueryInt(c, "offset", 0)

	var filters repository.WorkflowFilters
	if status := c.Query("status"); status != "" {
		filters.Status = &status
	}

	workflows, err := h.workflows.FindAllWithFilters(c.Request.Context(), filters, limit, offset)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	total, err := h.workflows.CountWithFilters(c.Request.Context(), filters)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondList(c, http.StatusOK, workflows, total, limit, offset)
}

// HandleUpdateWorkflow handles PUT /workflows/:workflow_id — updates the
// draft graph and/or metadata. The active version is untouched; only
// Publish moves it.
func (h *WorkflowHandlers) HandleUpdateWorkflow(c *gin.Context) {
	id, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}

	var req struct {
		Name            *string                `json:"name,omitempty"`
		Description     *string                `json:"description,omitempty"`
		DraftGraph      map[string]interface{} `json:"draft_graph,omitempty"`
		Tags            []string               `json:"tags,omitempty"`
		WebhookEnabled  *bool                  `json:"webhook_enabled,omitempty"`
		WebhookSecret   *string                `json:"webhook_secret,omitempty"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}

	workflow, err := h.workflows.FindByID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	if req.Name != nil {
		workflow.Name = *req.Name
	}
	if req.Description != nil {
		workflow.Description = *req.Description
	}
	if req.DraftGraph != nil {
		workflow.DraftGraph = storagemodels.JSONBMap(req.DraftGraph)
	}
	if req.Tags != nil {
		workflow.Tags = storagemodels.StringArray(req.Tags)
	}
	if req.WebhookEnabled != nil {
		workflow.WebhookEnabled = *req.WebhookEnabled
	}
	if req.WebhookSecret != nil {
		workflow.WebhookSecret = *req.WebhookSecret
	}

	if err := h.workflows.Update(c.Request.Context(), workflow); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, workflow)
}

// HandleDeleteWorkflow handles DELETE /workflows/:workflow_id.
func (h *WorkflowHandlers) HandleDeleteWorkflow(c *gin.Context) {
	id, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}
	if err := h.workflows.Delete(c.Request.Context(), id); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// HandlePublish handles POST /workflows/:workflow_id/publish.
func (h *WorkflowHandlers) HandlePublish(c *gin.Context) {
	id, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)

	var createdBy *uuid.UUID
	version, err := h.versions.Publish(c.Request.Context(), id, req.Notes, createdBy)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusCreated, version)
}

// HandleRollback handles POST /workflows/:workflow_id/rollback.
func (h *WorkflowHandlers) HandleRollback(c *gin.Context) {
	id, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}
	var req struct {
		VersionID string `json:"version_id" binding:"required"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}
	versionID, err := uuid.Parse(req.VersionID)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}
	if err := h.versions.Rollback(c.Request.Context(), id, versionID); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleRestore handles POST /workflows/:workflow_id/restore — copies a
// prior version's graph into the draft without activating it.
func (h *WorkflowHandlers) HandleRestore(c *gin.Context) {
	id, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}
	var req struct {
		VersionID string `json:"version_id" binding:"required"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}
	versionID, err := uuid.Parse(req.VersionID)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}
	workflow, err := h.versions.Restore(c.Request.Context(), id, versionID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, workflow)
}

// HandleDiscard handles POST /workflows/:workflow_id/discard.
func (h *WorkflowHandlers) HandleDiscard(c *gin.Context) {
	var req struct {
		VersionID string `json:"version_id" binding:"required"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}
	versionID, err := uuid.Parse(req.VersionID)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}
	if err := h.versions.Discard(c.Request.Context(), versionID); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleListVersions handles GET /workflows/:workflow_id/versions.
func (h *WorkflowHandlers) HandleListVersions(c *gin.Context) {
	id, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}
	versions, err := h.versions.ListVersions(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, versions)
}

// HandleSchedule handles POST /workflows/:workflow_id/schedule —
// {enabled, cron, timezone, inputData, overlapMode}. It upserts the
// workflow's single cron trigger rather than requiring the caller to know
// the trigger's id, since a schedule is a 1:1 property of the workflow
// from the UI's point of view.
func (h *WorkflowHandlers) HandleSchedule(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}

	var req struct {
		Enabled     bool                   `json:"enabled"`
		Cron        string                 `json:"cron"`
		Timezone    string                 `json:"timezone,omitempty"`
		InputData   map[string]interface{} `json:"inputData,omitempty"`
		OverlapMode string                 `json:"overlapMode,omitempty"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}

	existing, err := h.triggers.FindByWorkflowID(c.Request.Context(), workflowID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	var t *storagemodels.TriggerModel
	for _, candidate := range existing {
		if candidate.IsCron() {
			t = candidate
			break
		}
	}

	config := storagemodels.JSONBMap{
		"schedule":     req.Cron,
		"timezone":     req.Timezone,
		"input":        req.InputData,
		"overlap_mode": req.OverlapMode,
	}

	if t == nil {
		t = &storagemodels.TriggerModel{
			WorkflowID: workflowID,
			Type:       "cron",
			Config:     config,
			Enabled:    req.Enabled,
		}
		if err := h.triggers.Create(c.Request.Context(), t); err != nil {
			respondAPIErrorWithRequestID(c, TranslateError(err))
			return
		}
	} else {
		t.Config = config
		t.Enabled = req.Enabled
		if err := h.triggers.Update(c.Request.Context(), t); err != nil {
			respondAPIErrorWithRequestID(c, TranslateError(err))
			return
		}
	}

	if t.Enabled {
		if err := h.manager.RegisterTrigger(c.Request.Context(), t); err != nil {
			h.logger.ErrorContext(c.Request.Context(), "register schedule failed", "error", err, "trigger_id", t.ID)
		}
	} else {
		h.manager.UnregisterTrigger(t.ID)
	}

	respondJSON(c, http.StatusOK, t)
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	raw, ok := getParam(c, name)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
