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

var _ repository.RunRepository = (*RunRepository)(nil)

// RunRepository implements repository.RunRepository using Bun ORM.
type RunRepository struct {
	db *bun.DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *bun.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(ctx context.Context, run *models.RunModel) error {
	if _, err := r.db.NewInsert().Model(run).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (r *RunRepository) Update(ctx context.Context, run *models.RunModel) error {
	_, err := r.db.NewUpdate().
		Model(run).
		Column("status", "started_at", "completed_at", "output_data", "error", "pinned", "metadata", "updated_at").
		Where("id = ?", run.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

func (r *RunRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.RunModel, error) {
	run := &models.RunModel{}
	err := r.db.NewSelect().Model(run).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrs.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to find run: %w", err)
	}
	return run, nil
}

func (r *RunRepository) FindByWorkflowID(ctx context.Context, workflowID uuid.UUID, limit, offset int) ([]*models.RunModel, error) {
	var runs []*models.RunModel
	err := r.db.NewSelect().Model(&runs).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Scan(ctx)
	return runs, err
}

func (r *RunRepository) FindByParentRunID(ctx context.Context, parentRunID uuid.UUID) ([]*models.RunModel, error) {
	var runs []*models.RunModel
	err := r.db.NewSelect().Model(&runs).
		Where("parent_run_id = ?", parentRunID).
		Order("created_at ASC").
		Scan(ctx)
	return runs, err
}

func (r *RunRepository) FindActiveByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*models.RunModel, error) {
	var runs []*models.RunModel
	err := r.db.NewSelect().Model(&runs).
		Where("workflow_id = ? AND status IN (?)", workflowID, bun.In([]string{"pending", "running", "suspended"})).
		Order("created_at DESC").
		Scan(ctx)
	return runs, err
}

func (r *RunRepository) Count(ctx context.Context) (int, error) {
	return r.db.NewSelect().Model((*models.RunModel)(nil)).Count(ctx)
}

// FindWithCursor lists runs newest-first, optionally filtered and
// keyset-paginated off a prior run's id.
func (r *RunRepository) FindWithCursor(ctx context.Context, filters repository.RunFilters, cursor *uuid.UUID, limit int) ([]*models.RunModel, error) {
	var runs []*models.RunModel
	q := r.db.NewSelect().Model(&runs)

	if filters.WorkflowID != nil {
		q = q.Where("workflow_id = ?", *filters.WorkflowID)
	}
	if filters.Status != nil {
		q = q.Where("status = ?", *filters.Status)
	}
	if filters.TriggerType != nil {
		q = q.Where("trigger_type = ?", *filters.TriggerType)
	}
	if filters.Pinned != nil {
		q = q.Where("pinned = ?", *filters.Pinned)
	}
	if cursor != nil {
		q = q.Where("created_at < (SELECT created_at FROM runs WHERE id = ?)", *cursor)
	}

	err := q.Order("created_at DESC").Limit(limit).Scan(ctx)
	return runs, err
}

// Delete removes a run record. Only terminal runs should reach this path;
// callers are responsible for that check (HandleDeleteRun does it).
func (r *RunRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewDelete().Model((*models.RunModel)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// WithAdvisoryLock runs fn inside a transaction holding a Postgres
// transaction-scoped advisory lock keyed on the run ID via hashtext. The
// lock is released automatically when the transaction commits or rolls
// back, so a panic or early return in fn can never leak it.
func (r *RunRepository) WithAdvisoryLock(ctx context.Context, runID uuid.UUID, fn func(ctx context.Context) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", runID.String()); err != nil {
			return fmt.Errorf("failed to acquire run lock: %w", err)
		}
		return fn(ctx)
	})
}
