package rest

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/mbflow/orchestrator/pkg/models"
)

// APIError is the envelope every non-2xx response is translated into.
type APIError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code, message string, httpStatus int) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func NewAPIErrorWithDetails(code, message string, httpStatus int, details map[string]interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		HTTPStatus: httpStatus,
	}
}

var (
	ErrBadRequest       = NewAPIError("BAD_REQUEST", "Invalid request", http.StatusBadRequest)
	ErrNotFound         = NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	ErrConflict         = NewAPIError("CONFLICT", "Resource conflict", http.StatusConflict)
	ErrValidationFailed = NewAPIError("VALIDATION_FAILED", "Validation failed", http.StatusBadRequest)
	ErrInternalServer   = NewAPIError("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
	ErrTooManyRequests  = NewAPIError("RATE_LIMIT_EXCEEDED", "Too many requests", http.StatusTooManyRequests)
	ErrInvalidJSON      = NewAPIError("INVALID_JSON", "Invalid JSON in request body", http.StatusBadRequest)
	ErrMissingParameter = NewAPIError("MISSING_PARAMETER", "Required parameter is missing", http.StatusBadRequest)
	ErrInvalidParameter = NewAPIError("INVALID_PARAMETER", "Invalid parameter value", http.StatusBadRequest)
	ErrInvalidID        = NewAPIError("INVALID_ID", "Invalid ID format", http.StatusBadRequest)
)

// TranslateError maps a domain sentinel error (pkg/models) or a generic
// error into the API's response envelope.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, models.ErrWorkflowNotFound):
		return NewAPIError("WORKFLOW_NOT_FOUND", "Workflow not found", http.StatusNotFound)
	case errors.Is(err, models.ErrRunNotFound):
		return NewAPIError("RUN_NOT_FOUND", "Run not found", http.StatusNotFound)
	case errors.Is(err, models.ErrTriggerNotFound):
		return NewAPIError("TRIGGER_NOT_FOUND", "Trigger not found", http.StatusNotFound)
	case errors.Is(err, models.ErrNodeNotFound):
		return NewAPIError("NODE_NOT_FOUND", "Node not found", http.StatusNotFound)
	case errors.Is(err, models.ErrEdgeNotFound):
		return NewAPIError("EDGE_NOT_FOUND", "Edge not found", http.StatusNotFound)
	case errors.Is(err, models.ErrVersionNotFound):
		return NewAPIError("VERSION_NOT_FOUND", "Workflow version not found", http.StatusNotFound)
	case errors.Is(err, models.ErrSuspensionNotFound):
		return NewAPIError("SUSPENSION_NOT_FOUND", "Suspension not found", http.StatusNotFound)
	case errors.Is(err, models.ErrBatchNotFound):
		return NewAPIError("BATCH_NOT_FOUND", "Batch operation not found", http.StatusNotFound)

	case errors.Is(err, models.ErrInvalidWorkflowID):
		return NewAPIError("INVALID_WORKFLOW_ID", "Invalid workflow ID format", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidTriggerID):
		return NewAPIError("INVALID_TRIGGER_ID", "Invalid trigger ID format", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidID):
		return NewAPIError("INVALID_ID", "Invalid ID format", http.StatusBadRequest)

	case errors.Is(err, models.ErrCyclicDependency):
		return NewAPIError("CYCLIC_DEPENDENCY", "Workflow contains cyclic dependencies", http.StatusBadRequest)
	case errors.Is(err, models.ErrOrphanedNodes):
		return NewAPIError("ORPHANED_NODES", "Workflow contains orphaned nodes", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidNodeType):
		return NewAPIError("INVALID_NODE_TYPE", "Invalid node type", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidEdge):
		return NewAPIError("INVALID_EDGE", "Invalid edge configuration", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidWorkflow):
		return NewAPIError("INVALID_WORKFLOW", "Invalid workflow structure", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidTriggerType):
		return NewAPIError("INVALID_TRIGGER_TYPE", "Invalid trigger type", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidTriggerConfig):
		return NewAPIError("INVALID_TRIGGER_CONFIG", "Invalid trigger configuration", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidInput):
		return NewAPIError("INVALID_INPUT", "Invalid input data", http.StatusBadRequest)

	case errors.Is(err, models.ErrWorkflowExists):
		return NewAPIError("WORKFLOW_EXISTS", "Workflow already exists", http.StatusConflict)
	case errors.Is(err, models.ErrVersionIsActive):
		return NewAPIError("VERSION_IS_ACTIVE", "Cannot discard the active version", http.StatusConflict)
	case errors.Is(err, models.ErrDiscardActive):
		return NewAPIError("DISCARD_ACTIVE", "Cannot discard the active version", http.StatusConflict)
	case errors.Is(err, models.ErrNothingToPublish):
		return NewAPIError("NOTHING_TO_PUBLISH", "Draft graph is empty; nothing to publish", http.StatusConflict)

	case errors.Is(err, models.ErrUnauthorized):
		return NewAPIError("UNAUTHORIZED", "Authentication required", http.StatusUnauthorized)
	case errors.Is(err, models.ErrForbidden):
		return NewAPIError("FORBIDDEN", "Access denied", http.StatusForbidden)

	case errors.Is(err, models.ErrTriggerDisabled):
		return NewAPIError("TRIGGER_DISABLED", "Trigger is disabled", http.StatusBadRequest)
	case errors.Is(err, models.ErrWebhookDisabled):
		return NewAPIError("WEBHOOK_DISABLED", "Webhook trigger is disabled", http.StatusBadRequest)
	case errors.Is(err, models.ErrWebhookBadSignature):
		return NewAPIError("WEBHOOK_BAD_SIGNATURE", "Webhook signature is missing or invalid", http.StatusUnauthorized)
	case errors.Is(err, models.ErrWebhookRateLimited):
		return NewAPIError("WEBHOOK_RATE_LIMITED", "Webhook rate limit exceeded", http.StatusTooManyRequests)

	case errors.Is(err, models.ErrSuspensionExpired):
		return NewAPIError("SUSPENSION_EXPIRED", "Suspension has expired", http.StatusGone)
	case errors.Is(err, models.ErrSuspensionResolved):
		return NewAPIError("SUSPENSION_RESOLVED", "Suspension already resolved", http.StatusConflict)
	case errors.Is(err, models.ErrTokenInvalid):
		return NewAPIError("TOKEN_INVALID", "Resume token is invalid", http.StatusBadRequest)

	case errors.Is(err, models.ErrRunNotTerminal):
		return NewAPIError("RUN_NOT_TERMINAL", "Run has not reached a terminal state", http.StatusConflict)
	case errors.Is(err, models.ErrRunAlreadyFinal):
		return NewAPIError("RUN_ALREADY_FINAL", "Run is already in a terminal state", http.StatusConflict)
	case errors.Is(err, models.ErrRunNotCancelable):
		return NewAPIError("RUN_NOT_CANCELABLE", "Run cannot be cancelled from its current state", http.StatusConflict)
	case errors.Is(err, models.ErrMaxDepthExceeded):
		return NewAPIError("MAX_DEPTH_EXCEEDED", "Maximum subflow recursion depth exceeded", http.StatusBadRequest)

	case errors.Is(err, models.ErrValidationFailed):
		return NewAPIError("VALIDATION_FAILED", "Validation failed", http.StatusBadRequest)
	case errors.Is(err, models.ErrRequired):
		return NewAPIError("REQUIRED", "Required field is missing", http.StatusBadRequest)

	case errors.Is(err, sql.ErrNoRows):
		return NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "no rows") || strings.Contains(errMsg, "not found") {
		return NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	}

	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		return NewAPIErrorWithDetails(
			"VALIDATION_ERROR",
			validationErr.Message,
			http.StatusBadRequest,
			map[string]interface{}{"field": validationErr.Field},
		)
	}

	var validationErrs models.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		details := make(map[string]interface{})
		for _, ve := range validationErrs {
			details[ve.Field] = ve.Message
		}
		return NewAPIErrorWithDetails("VALIDATION_FAILED", validationErrs[0].Message, http.StatusBadRequest, details)
	}

	return NewAPIError("INTERNAL_ERROR", "An unexpected error occurred", http.StatusInternalServerError)
}
