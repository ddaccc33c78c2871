package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// WorkflowFilters represents optional filters for workflow queries.
type WorkflowFilters struct {
	Status         *string
	CreatedBy      *uuid.UUID
	IncludeUnowned bool
}

// WorkflowRepository defines the interface for workflow persistence. The
// draft graph lives inline on the workflow row as JSONB, so there is no
// separate node/edge sync surface here — only the graph blob moves.
type WorkflowRepository interface {
	Create(ctx context.Context, workflow *models.WorkflowModel) error
	Update(ctx context.Context, workflow *models.WorkflowModel) error
	Delete(ctx context.Context, id uuid.UUID) error

	FindByID(ctx context.Context, id uuid.UUID) (*models.WorkflowModel, error)
	FindByName(ctx context.Context, name string) (*models.WorkflowModel, error)
	FindAll(ctx context.Context, limit, offset int) ([]*models.WorkflowModel, error)
	FindAllWithFilters(ctx context.Context, filters WorkflowFilters, limit, offset int) ([]*models.WorkflowModel, error)
	Count(ctx context.Context) (int, error)
	CountWithFilters(ctx context.Context, filters WorkflowFilters) (int, error)

	// IncrementShareKillSwitch invalidates every share token issued before
	// the call by bumping the counter embedded in their signed claims.
	IncrementShareKillSwitch(ctx context.Context, id uuid.UUID) (int, error)

	// Publish copies the current draft graph into a new WorkflowVersionModel
	// and repoints ActiveVersionID at it, atomically.
	Publish(ctx context.Context, workflowID uuid.UUID, notes string, createdBy *uuid.UUID) (*models.WorkflowVersionModel, error)
	Rollback(ctx context.Context, workflowID, versionID uuid.UUID) error
	DiscardVersion(ctx context.Context, versionID uuid.UUID) error

	FindVersionByID(ctx context.Context, id uuid.UUID) (*models.WorkflowVersionModel, error)
	FindVersionsByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowVersionModel, error)
	FindActiveVersion(ctx context.Context, workflowID uuid.UUID) (*models.WorkflowVersionModel, error)
}

// TriggerRepository defines the interface for trigger configuration
// persistence (cron, webhook, event, interval — manual triggers are not
// persisted, they're a direct API call).
type TriggerRepository interface {
	Create(ctx context.Context, trigger *models.TriggerModel) error
	Update(ctx context.Context, trigger *models.TriggerModel) error
	Delete(ctx context.Context, id uuid.UUID) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.TriggerModel, error)
	FindByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*models.TriggerModel, error)
	FindEnabledByType(ctx context.Context, triggerType string) ([]*models.TriggerModel, error)
	MarkTriggered(ctx context.Context, id uuid.UUID) error
}

// SecretRepository defines the interface for per-workflow encrypted
// secret persistence.
type SecretRepository interface {
	Upsert(ctx context.Context, secret *models.SecretModel) error
	Delete(ctx context.Context, workflowID uuid.UUID, key string) error
	FindByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*models.SecretModel, error)
}
