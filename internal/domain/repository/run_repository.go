package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// RunFilters narrows GET /runs (spec.md §6.2) to a workflow, status,
// trigger type and/or pin state. All fields are optional.
type RunFilters struct {
	WorkflowID  *uuid.UUID
	Status      *string
	TriggerType *string
	Pinned      *bool
}

// RunRepository defines the interface for run persistence.
type RunRepository interface {
	Create(ctx context.Context, run *models.RunModel) error
	Update(ctx context.Context, run *models.RunModel) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.RunModel, error)
	FindByWorkflowID(ctx context.Context, workflowID uuid.UUID, limit, offset int) ([]*models.RunModel, error)
	FindByParentRunID(ctx context.Context, parentRunID uuid.UUID) ([]*models.RunModel, error)
	FindActiveByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*models.RunModel, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// FindWithCursor lists runs newest-first matching filters. cursor, when
	// non-nil, is a prior run id: only runs created strictly before that
	// run are returned, giving the REST layer keyset pagination that stays
	// stable across concurrent inserts (unlike limit/offset).
	FindWithCursor(ctx context.Context, filters RunFilters, cursor *uuid.UUID, limit int) ([]*models.RunModel, error)

	// WithAdvisoryLock runs fn while holding a Postgres transaction-scoped
	// advisory lock keyed on the run ID. This is the single serialization
	// discipline every orchestration step, suspension resolution, and
	// cancellation uses to avoid two goroutines racing on the same run.
	WithAdvisoryLock(ctx context.Context, runID uuid.UUID, fn func(ctx context.Context) error) error
}

// EventRepository defines the interface for the append-only run event log.
type EventRepository interface {
	// Append inserts a new event. If an event with the same idempotency
	// key already exists, Append returns models.ErrDuplicateEvent and does
	// not insert a second row.
	Append(ctx context.Context, event *models.EventModel) error

	FindByRunID(ctx context.Context, runID uuid.UUID) ([]*models.EventModel, error)
	FindByRunIDSince(ctx context.Context, runID uuid.UUID, sinceSequence int64) ([]*models.EventModel, error)
	FindByRunAndNode(ctx context.Context, runID uuid.UUID, nodeID string) ([]*models.EventModel, error)
	FindLatestByRunID(ctx context.Context, runID uuid.UUID) (*models.EventModel, error)
	CountByRunID(ctx context.Context, runID uuid.UUID) (int, error)
}

// SuspensionRepository defines the interface for suspension persistence.
type SuspensionRepository interface {
	Create(ctx context.Context, s *models.SuspensionModel) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.SuspensionModel, error)
	FindByToken(ctx context.Context, token string) (*models.SuspensionModel, error)
	FindOpenByRunNode(ctx context.Context, runID uuid.UUID, nodeID, subtype string) (*models.SuspensionModel, error)
	Resolve(ctx context.Context, id uuid.UUID, result models.JSONBMap) error
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.SuspensionModel, error)
}

// ScheduledJobRepository defines the interface for sleep-suspension timers.
type ScheduledJobRepository interface {
	Create(ctx context.Context, job *models.ScheduledJobModel) error
	// ClaimDue atomically claims up to limit unclaimed jobs whose RunAt has
	// passed, via a row-locked UPDATE ... RETURNING, so two sweeper
	// replicas never resume the same job twice.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJobModel, error)
}

// BatchRepository defines the interface for map-node batch bookkeeping.
type BatchRepository interface {
	Create(ctx context.Context, batch *models.BatchOperationModel) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.BatchOperationModel, error)
	FindByRunAndNode(ctx context.Context, runID uuid.UUID, nodeID string) (*models.BatchOperationModel, error)

	// RecordItemResult inserts the per-item result (idempotent on
	// (batch_id, item_index)) and atomically increments the batch's
	// completed/failed counters under a row lock, returning the updated
	// batch so the caller can detect completion without a second query.
	RecordItemResult(ctx context.Context, result *models.BatchResultModel) (*models.BatchOperationModel, error)
	MarkAborted(ctx context.Context, batchID uuid.UUID) error
}

// WebhookRepository defines the interface for webhook delivery persistence.
type WebhookRepository interface {
	FindByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*models.WebhookDeliveryModel, error)
	Create(ctx context.Context, delivery *models.WebhookDeliveryModel) error
}
