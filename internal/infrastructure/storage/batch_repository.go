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
	"github.com/uptrace/bun/driver/pgdriver"
)

var _ repository.BatchRepository = (*BatchRepository)(nil)

// BatchRepository implements repository.BatchRepository using Bun ORM.
type BatchRepository struct {
	db *bun.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *bun.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) Create(ctx context.Context, batch *models.BatchOperationModel) error {
	if _, err := r.db.NewInsert().Model(batch).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (r *BatchRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.BatchOperationModel, error) {
	b := &models.BatchOperationModel{}
	err := r.db.NewSelect().Model(b).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrs.ErrBatchNotFound
		}
		return nil, err
	}
	return b, nil
}

func (r *BatchRepository) FindByRunAndNode(ctx context.Context, runID uuid.UUID, nodeID string) (*models.BatchOperationModel, error) {
	b := &models.BatchOperationModel{}
	err := r.db.NewSelect().Model(b).Where("run_id = ? AND node_id = ?", runID, nodeID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrs.ErrBatchNotFound
		}
		return nil, err
	}
	return b, nil
}

// RecordItemResult inserts the per-item result and atomically bumps the
// parent batch's counters inside one transaction, returning the updated
// batch so the caller can check IsDone without a second round trip. The
// unique index on (batch_id, item_index) makes the insert idempotent: a
// redelivered item result collides and is reported as
// models.ErrItemAlreadyExists instead of double-counting.
func (r *BatchRepository) RecordItemResult(ctx context.Context, result *models.BatchResultModel) (*models.BatchOperationModel, error) {
	var batch models.BatchOperationModel
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(result).Exec(ctx); err != nil {
			var pgErr pgdriver.Error
			if errors.As(err, &pgErr) && pgErr.Field('C') == pgErrCodeUniqueViolation {
				return domainerrs.ErrItemAlreadyExists
			}
			return fmt.Errorf("failed to insert batch item result: %w", err)
		}

		counterColumn := "completed_items"
		if !result.Success {
			counterColumn = "failed_items"
		}
		err := tx.NewUpdate().Model(&batch).
			Set(counterColumn+" = "+counterColumn+" + 1").
			Where("id = ?", result.BatchID).
			Returning("*").
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("failed to increment batch counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *BatchRepository) MarkAborted(ctx context.Context, batchID uuid.UUID) error {
	_, err := r.db.NewUpdate().
		Model((*models.BatchOperationModel)(nil)).
		Set("aborted = true").
		Set("completed_at = current_timestamp").
		Where("id = ?", batchID).
		Exec(ctx)
	return err
}
