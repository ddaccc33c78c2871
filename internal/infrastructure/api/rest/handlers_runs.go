package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/application/engine"
	"github.com/mbflow/orchestrator/internal/application/trigger"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/logger"
	"github.com/mbflow/orchestrator/pkg/models"
)

// RunHandlers serves run inspection, manual triggering, and cancellation
// (spec.md §6.2 POST /triggers/manual, GET/POST /runs/*).
type RunHandlers struct {
	runs      repository.RunRepository
	events    repository.EventRepository
	lifecycle *engine.RunLifecycleManager
	triggers  *trigger.Manager
	logger    *logger.Logger
}

// NewRunHandlers wires RunHandlers.
func NewRunHandlers(runs repository.RunRepository, events repository.EventRepository, lifecycle *engine.RunLifecycleManager, triggers *trigger.Manager, log *logger.Logger) *RunHandlers {
	return &RunHandlers{runs: runs, events: events, lifecycle: lifecycle, triggers: triggers, logger: log}
}

// HandleManualTrigger handles POST /triggers/manual — starts a run
// against a workflow's draft graph or, when version_id is given, against
// that version, bypassing any configured trigger.
func (h *RunHandlers) HandleManualTrigger(c *gin.Context) {
	var req struct {
		WorkflowID string                 `json:"workflow_id" binding:"required"`
		Input      map[string]interface{} `json:"input,omitempty"`
		VersionID  *string                `json:"version_id,omitempty"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}

	run, err := h.triggers.Manual(c.Request.Context(), req.WorkflowID, req.Input, req.VersionID)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "manual trigger failed", "error", err, "workflow_id", req.WorkflowID)
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusAccepted, run)
}

// HandleGetRun handles GET /runs/:run_id.
func (h *RunHandlers) HandleGetRun(c *gin.Context) {
	id, ok := parseUUIDParam(c, "run_id")
	if !ok {
		return
	}
	run, err := h.runs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, run)
}

// HandleListWorkflowRuns handles GET /workflows/:workflow_id/runs.
func (h *RunHandlers) HandleListWorkflowRuns(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}
	limit := getQueryInt(c, "limit", 50)
	offset := getQueryInt(c, "offset", 0)

	runs, err := h.runs.FindByWorkflowID(c.Request.Context(), workflowID, limit, offset)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondList(c, http.StatusOK, runs, len(runs), limit, offset)
}

// HandleListRuns handles GET /runs?workflowId&status&trigger&pinned&cursor&limit
// — the cross-workflow run list, cursor-paginated on a prior run id so the
// page stays stable even as new runs are created concurrently.
func (h *RunHandlers) HandleListRuns(c *gin.Context) {
	var filters repository.RunFilters
	if raw := c.Query("workflowId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondAPIError(c, ErrInvalidID)
			return
		}
		filters.WorkflowID = &id
	}
	if status := c.Query("status"); status != "" {
		filters.Status = &status
	}
	if triggerType := c.Query("trigger"); triggerType != "" {
		filters.TriggerType = &triggerType
	}
	if raw := c.Query("pinned"); raw != "" {
		pinned := raw == "true"
		filters.Pinned = &pinned
	}

	var cursor *uuid.UUID
	if raw := c.Query("cursor"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondAPIError(c, ErrInvalidID)
			return
		}
		cursor = &id
	}
	limit := getQueryInt(c, "limit", 50)

	runs, err := h.runs.FindWithCursor(c.Request.Context(), filters, cursor, limit)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	var nextCursor string
	if len(runs) == limit {
		nextCursor = runs[len(runs)-1].ID.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"data": runs,
		"meta": gin.H{"limit": limit, "next_cursor": nextCursor},
	})
}

// HandleListChildRuns handles GET /runs/:run_id/children — the sub-flow
// or map-item child runs spawned by a parent run's node.
func (h *RunHandlers) HandleListChildRuns(c *gin.Context) {
	parentID, ok := parseUUIDParam(c, "run_id")
	if !ok {
		return
	}
	runs, err := h.runs.FindByParentRunID(c.Request.Context(), parentID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, runs)
}

// HandleListRunEvents handles GET /runs/:run_id/events — the append-only
// event log, for debugging and audit.
func (h *RunHandlers) HandleListRunEvents(c *gin.Context) {
	id, ok := parseUUIDParam(c, "run_id")
	if !ok {
		return
	}
	events, err := h.events.FindByRunID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, events)
}

// HandleCancelRun handles POST /runs/:run_id/cancel.
func (h *RunHandlers) HandleCancelRun(c *gin.Context) {
	id, ok := parseUUIDParam(c, "run_id")
	if !ok {
		return
	}
	if err := h.lifecycle.Cancel(c.Request.Context(), id); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleReplayRun handles POST /runs/:run_id/replay — starts a fresh run
// against the same workflow version and input a prior run used, so a
// failed execution can be retried end to end without resubmitting its
// payload by hand.
func (h *RunHandlers) HandleReplayRun(c *gin.Context) {
	id, ok := parseUUIDParam(c, "run_id")
	if !ok {
		return
	}
	original, err := h.runs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	req := engine.CreateRunRequest{
		WorkflowID:  original.WorkflowID.String(),
		TriggerType: "manual",
		Input:       original.InputData,
	}
	if original.VersionID != nil {
		req.VersionID = original.VersionID.String()
	}

	run, err := h.lifecycle.Create(c.Request.Context(), req)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	if err := h.lifecycle.Start(c.Request.Context(), run.ID); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusAccepted, run)
}

// HandleUpdateRun handles PATCH /runs/:run_id — currently just the
// pin/unpin toggle used to protect a run from retention cleanup.
func (h *RunHandlers) HandleUpdateRun(c *gin.Context) {
	id, ok := parseUUIDParam(c, "run_id")
	if !ok {
		return
	}
	var req struct {
		Pinned *bool `json:"pinned"`
	}
	if err := bindJSON(c, &req); err != nil {
		return
	}
	run, err := h.runs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	if req.Pinned != nil {
		run.Pinned = *req.Pinned
	}
	if err := h.runs.Update(c.Request.Context(), run); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, run)
}

// HandleDeleteRun handles DELETE /runs/:run_id. Only terminal runs may be
// deleted; an in-flight run must be cancelled first.
func (h *RunHandlers) HandleDeleteRun(c *gin.Context) {
	id, ok := parseUUIDParam(c, "run_id")
	if !ok {
		return
	}
	run, err := h.runs.FindByID(c.Request.Context(), id)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	if !run.IsTerminal() {
		respondAPIErrorWithRequestID(c, models.ErrRunNotTerminal)
		return
	}
	if err := h.runs.Delete(c.Request.Context(), id); err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleActiveRun handles GET /runs/active?workflowId=... — the latest
// non-terminal run for a workflow plus its event log, so a UI reopened
// mid-execution can restore per-node status without replaying history.
func (h *RunHandlers) HandleActiveRun(c *gin.Context) {
	workflowIDRaw := c.Query("workflowId")
	if workflowIDRaw == "" {
		respondAPIError(c, ErrMissingParameter)
		return
	}
	workflowID, err := uuid.Parse(workflowIDRaw)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}

	active, err := h.runs.FindActiveByWorkflowID(c.Request.Context(), workflowID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	if len(active) == 0 {
		respondAPIError(c, ErrNotFound)
		return
	}
	run := active[0]

	events, err := h.events.FindByRunID(c.Request.Context(), run.ID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"run": run, "events": events})
}
