package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	domainerrs "github.com/mbflow/orchestrator/pkg/models"
	"github.com/uptrace/bun"
)

// Ensure WorkflowRepository implements the interface
var _ repository.WorkflowRepository = (*WorkflowRepository)(nil)

// WorkflowRepository implements repository.WorkflowRepository using Bun ORM.
type WorkflowRepository struct {
	db *bun.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *bun.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a new workflow. The draft graph travels as one JSONB
// blob on the row — there is no separate node/edge table to populate.
func (r *WorkflowRepository) Create(ctx context.Context, workflow *models.WorkflowModel) error {
	if _, err := r.db.NewInsert().Model(workflow).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// Update replaces the mutable fields of a workflow, including its draft
// graph, in a single statement.
func (r *WorkflowRepository) Update(ctx context.Context, workflow *models.WorkflowModel) error {
	_, err := r.db.NewUpdate().
		Model(workflow).
		Column("name", "description", "status", "tags", "draft_graph", "webhook_enabled", "webhook_secret", "updated_at").
		Where("id = ?", workflow.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return nil
}

// Delete soft-deletes a workflow.
func (r *WorkflowRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewUpdate().
		Model((*models.WorkflowModel)(nil)).
		Set("deleted_at = current_timestamp").
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// FindByID retrieves a workflow by ID.
func (r *WorkflowRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.WorkflowModel, error) {
	workflow := &models.WorkflowModel{}
	err := r.db.NewSelect().Model(workflow).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrs.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to find workflow: %w", err)
	}
	return workflow, nil
}

// FindByName retrieves a workflow by name.
func (r *WorkflowRepository) FindByName(ctx context.Context, name string) (*models.WorkflowModel, error) {
	workflow := &models.WorkflowModel{}
	err := r.db.NewSelect().Model(workflow).Where("name = ?", name).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrs.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to find workflow by name: %w", err)
	}
	return workflow, nil
}

// FindAll retrieves all workflows with pagination.
func (r *WorkflowRepository) FindAll(ctx context.Context, limit, offset int) ([]*models.WorkflowModel, error) {
	var workflows []*models.WorkflowModel
	err := r.db.NewSelect().Model(&workflows).
		Where("deleted_at IS NULL").
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Scan(ctx)
	return workflows, err
}

// FindAllWithFilters retrieves workflows matching optional filters.
func (r *WorkflowRepository) FindAllWithFilters(ctx context.Context, filters repository.WorkflowFilters, limit, offset int) ([]*models.WorkflowModel, error) {
	var workflows []*models.WorkflowModel
	q := r.db.NewSelect().Model(&workflows).Where("deleted_at IS NULL")
	q = applyWorkflowFilters(q, filters)
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Scan(ctx)
	return workflows, err
}

// Count returns the total count of workflows.
func (r *WorkflowRepository) Count(ctx context.Context) (int, error) {
	return r.db.NewSelect().Model((*models.WorkflowModel)(nil)).Where("deleted_at IS NULL").Count(ctx)
}

// CountWithFilters returns the count of workflows matching the filters.
func (r *WorkflowRepository) CountWithFilters(ctx context.Context, filters repository.WorkflowFilters) (int, error) {
	q := r.db.NewSelect().Model((*models.WorkflowModel)(nil)).Where("deleted_at IS NULL")
	q = applyWorkflowFilters(q, filters)
	return q.Count(ctx)
}

func applyWorkflowFilters(q *bun.SelectQuery, filters repository.WorkflowFilters) *bun.SelectQuery {
	if filters.Status != nil {
		q = q.Where("status = ?", *filters.Status)
	}
	if filters.CreatedBy != nil {
		if filters.IncludeUnowned {
			q = q.Where("created_by = ? OR created_by IS NULL", *filters.CreatedBy)
		} else {
			q = q.Where("created_by = ?", *filters.CreatedBy)
		}
	}
	return q
}

// IncrementShareKillSwitch bumps the counter embedded in share-token
// claims, invalidating every token issued before the call.
func (r *WorkflowRepository) IncrementShareKillSwitch(ctx context.Context, id uuid.UUID) (int, error) {
	var w models.WorkflowModel
	err := r.db.NewUpdate().
		Model(&w).
		Set("share_kill_switch = share_kill_switch + 1").
		Set("updated_at = current_timestamp").
		Where("id = ?", id).
		Returning("share_kill_switch").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return w.ShareKillSwitch, nil
}

// Publish copies the current draft graph into a new, immutable
// WorkflowVersionModel and repoints ActiveVersionID at it.
func (r *WorkflowRepository) Publish(ctx context.Context, workflowID uuid.UUID, notes string, createdBy *uuid.UUID) (*models.WorkflowVersionModel, error) {
	var version *models.WorkflowVersionModel
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		workflow := &models.WorkflowModel{}
		if err := tx.NewSelect().Model(workflow).Where("id = ?", workflowID).For("UPDATE").Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domainerrs.ErrWorkflowNotFound
			}
			return err
		}
		if len(workflow.DraftGraph) == 0 {
			return domainerrs.ErrNothingToPublish
		}

		count, err := tx.NewSelect().Model((*models.WorkflowVersionModel)(nil)).
			Where("workflow_id = ?", workflowID).Count(ctx)
		if err != nil {
			return err
		}

		graphCopy := make(models.JSONBMap, len(workflow.DraftGraph))
		for k, v := range workflow.DraftGraph {
			graphCopy[k] = v
		}

		version = &models.WorkflowVersionModel{
			WorkflowID:    workflowID,
			VersionNumber: count + 1,
			Graph:         graphCopy,
			Notes:         notes,
			CreatedBy:     createdBy,
		}
		if _, err := tx.NewInsert().Model(version).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert workflow version: %w", err)
		}

		workflow.ActiveVersionID = &version.ID
		workflow.Status = "active"
		if _, err := tx.NewUpdate().Model(workflow).
			Column("active_version_id", "status", "updated_at").
			Where("id = ?", workflowID).Exec(ctx); err != nil {
			return fmt.Errorf("failed to repoint active version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// Rollback repoints ActiveVersionID at a previously published version
// without creating a new one.
func (r *WorkflowRepository) Rollback(ctx context.Context, workflowID, versionID uuid.UUID) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*models.WorkflowVersionModel)(nil)).
			Where("id = ? AND workflow_id = ?", versionID, workflowID).Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return domainerrs.ErrVersionNotFound
		}
		_, err = tx.NewUpdate().Model((*models.WorkflowModel)(nil)).
			Set("active_version_id = ?", versionID).
			Set("updated_at = current_timestamp").
			Where("id = ?", workflowID).Exec(ctx)
		return err
	})
}

// DiscardVersion deletes a published version that is not currently active.
func (r *WorkflowRepository) DiscardVersion(ctx context.Context, versionID uuid.UUID) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		isActive, err := tx.NewSelect().Model((*models.WorkflowModel)(nil)).
			Where("active_version_id = ?", versionID).Exists(ctx)
		if err != nil {
			return err
		}
		if isActive {
			return domainerrs.ErrDiscardActive
		}
		_, err = tx.NewDelete().Model((*models.WorkflowVersionModel)(nil)).
			Where("id = ?", versionID).Exec(ctx)
		return err
	})
}

// FindVersionByID retrieves a published version by ID.
func (r *WorkflowRepository) FindVersionByID(ctx context.Context, id uuid.UUID) (*models.WorkflowVersionModel, error) {
	version := &models.WorkflowVersionModel{}
	err := r.db.NewSelect().Model(version).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrs.ErrVersionNotFound
		}
		return nil, err
	}
	return version, nil
}

// FindVersionsByWorkflowID lists all published versions, newest first.
func (r *WorkflowRepository) FindVersionsByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowVersionModel, error) {
	var versions []*models.WorkflowVersionModel
	err := r.db.NewSelect().Model(&versions).
		Where("workflow_id = ?", workflowID).
		Order("version_number DESC").
		Scan(ctx)
	return versions, err
}

// FindActiveVersion retrieves the workflow's currently active version.
func (r *WorkflowRepository) FindActiveVersion(ctx context.Context, workflowID uuid.UUID) (*models.WorkflowVersionModel, error) {
	workflow, err := r.FindByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.ActiveVersionID == nil {
		return nil, domainerrs.ErrNoActiveVersion
	}
	return r.FindVersionByID(ctx, *workflow.ActiveVersionID)
}
