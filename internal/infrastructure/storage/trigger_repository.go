package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/uptrace/bun"
)

var _ repository.TriggerRepository = (*TriggerRepository)(nil)

// TriggerRepository implements repository.TriggerRepository using Bun ORM.
type TriggerRepository struct {
	db *bun.DB
}

// NewTriggerRepository creates a new TriggerRepository.
func NewTriggerRepository(db *bun.DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

func (r *TriggerRepository) Create(ctx context.Context, trigger *models.TriggerModel) error {
	if _, err := r.db.NewInsert().Model(trigger).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	return nil
}

func (r *TriggerRepository) Update(ctx context.Context, trigger *models.TriggerModel) error {
	_, err := r.db.NewUpdate().
		Model(trigger).
		Column("type", "config", "enabled", "updated_at").
		Where("id = ?", trigger.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	return nil
}

func (r *TriggerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewDelete().Model((*models.TriggerModel)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func (r *TriggerRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.TriggerModel, error) {
	trigger := &models.TriggerModel{}
	err := r.db.NewSelect().Model(trigger).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trigger %s: %w", id, sql.ErrNoRows)
		}
		return nil, err
	}
	return trigger, nil
}

func (r *TriggerRepository) FindByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*models.TriggerModel, error) {
	var triggers []*models.TriggerModel
	err := r.db.NewSelect().Model(&triggers).Where("workflow_id = ?", workflowID).Order("created_at ASC").Scan(ctx)
	return triggers, err
}

// FindEnabledByType lists every enabled trigger of a given type across all
// workflows, used at startup by trigger.Manager to prime the cron
// scheduler (cron and interval triggers) without re-reading the whole
// table on every tick.
func (r *TriggerRepository) FindEnabledByType(ctx context.Context, triggerType string) ([]*models.TriggerModel, error) {
	var triggers []*models.TriggerModel
	err := r.db.NewSelect().Model(&triggers).
		Where("type = ? AND enabled = true", triggerType).
		Scan(ctx)
	return triggers, err
}

func (r *TriggerRepository) MarkTriggered(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewUpdate().
		Model((*models.TriggerModel)(nil)).
		Set("last_triggered_at = ?", time.Now()).
		Set("updated_at = current_timestamp").
		Where("id = ?", id).
		Exec(ctx)
	return err
}
