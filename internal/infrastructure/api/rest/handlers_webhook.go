package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbflow/orchestrator/internal/application/trigger"
	"github.com/mbflow/orchestrator/internal/infrastructure/logger"
)

// WebhookHandlers serves the webhook trigger intake (spec.md §6.2
// POST /webhooks/{flowId}, POST /webhooks/resume/{token}).
type WebhookHandlers struct {
	registry    *trigger.WebhookRegistry
	suspensions *trigger.SuspensionManager
	logger      *logger.Logger
}

// NewWebhookHandlers wires WebhookHandlers.
func NewWebhookHandlers(registry *trigger.WebhookRegistry, suspensions *trigger.SuspensionManager, log *logger.Logger) *WebhookHandlers {
	return &WebhookHandlers{registry: registry, suspensions: suspensions, logger: log}
}

// HandleWebhook handles POST /webhooks/:workflow_id — an inbound webhook
// delivery that starts a run.
func (h *WebhookHandlers) HandleWebhook(c *gin.Context) {
	workflowID, ok := parseUUIDParam(c, "workflow_id")
	if !ok {
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, 10<<20))
	if err != nil {
		respondAPIError(c, ErrInvalidJSON)
		return
	}

	var payload map[string]interface{}
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			respondAPIError(c, ErrInvalidJSON)
			return
		}
	}

	signature := c.GetHeader("X-Webhook-Signature")
	idempotencyKey := c.GetHeader("X-Idempotency-Key")

	delivery, err := h.registry.ExecuteWebhook(c.Request.Context(), workflowID, rawBody, signature, idempotencyKey, payload)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "webhook delivery failed", "error", err, "workflow_id", workflowID)
		respondAPIErrorWithRequestID(c, translateWebhookError(err))
		return
	}

	status := delivery.StatusCode
	if status == 0 {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"run_id": delivery.RunID, "replayed": delivery.Replayed})
}

// HandleResumeWebhook handles POST /webhooks/resume/:token — resolves a
// webhook-wait suspension, idempotently.
func (h *WebhookHandlers) HandleResumeWebhook(c *gin.Context) {
	token, ok := getParam(c, "token")
	if !ok {
		return
	}

	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil && err != io.EOF {
		respondAPIError(c, ErrInvalidJSON)
		return
	}

	if err := h.suspensions.ResumeWebhook(c.Request.Context(), token, payload); err != nil {
		respondAPIErrorWithRequestID(c, translateWebhookError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func translateWebhookError(err error) error {
	switch err {
	case trigger.ErrInvalidSignature:
		return NewAPIError("WEBHOOK_BAD_SIGNATURE", "Webhook signature is missing or invalid", http.StatusUnauthorized)
	case trigger.ErrWebhookRateLimited:
		return NewAPIError("WEBHOOK_RATE_LIMITED", "Webhook rate limit exceeded", http.StatusTooManyRequests)
	case trigger.ErrWebhookDisabled:
		return NewAPIError("WEBHOOK_DISABLED", "Webhook trigger is disabled", http.StatusBadRequest)
	case trigger.ErrSuspensionNotFound:
		return NewAPIError("SUSPENSION_NOT_FOUND", "No matching suspended webhook wait", http.StatusNotFound)
	case trigger.ErrSuspensionAlreadyResolved:
		return NewAPIError("SUSPENSION_RESOLVED", "Suspension already resolved", http.StatusConflict)
	case trigger.ErrSuspensionExpired:
		return NewAPIError("SUSPENSION_EXPIRED", "Suspension has expired", http.StatusGone)
	default:
		return err
	}
}
