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

var _ repository.EventRepository = (*EventRepository)(nil)

// postgres unique_violation
const pgErrCodeUniqueViolation = "23505"

// EventRepository implements repository.EventRepository using Bun ORM.
type EventRepository struct {
	db *bun.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *bun.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts a new event. A duplicate idempotency key — a redelivered
// bus message resubmitting the same (run_id, node_id, retry_count,
// event_type) — collides with the unique index and is reported as
// models.ErrDuplicateEvent rather than a generic write failure.
func (r *EventRepository) Append(ctx context.Context, event *models.EventModel) error {
	_, err := r.db.NewInsert().Model(event).Exec(ctx)
	if err != nil {
		var pgErr pgdriver.Error
		if errors.As(err, &pgErr) && pgErr.Field('C') == pgErrCodeUniqueViolation {
			return domainerrs.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *EventRepository) FindByRunID(ctx context.Context, runID uuid.UUID) ([]*models.EventModel, error) {
	var events []*models.EventModel
	err := r.db.NewSelect().Model(&events).
		Where("run_id = ?", runID).
		Order("sequence ASC").
		Scan(ctx)
	return events, err
}

func (r *EventRepository) FindByRunIDSince(ctx context.Context, runID uuid.UUID, sinceSequence int64) ([]*models.EventModel, error) {
	var events []*models.EventModel
	err := r.db.NewSelect().Model(&events).
		Where("run_id = ? AND sequence > ?", runID, sinceSequence).
		Order("sequence ASC").
		Scan(ctx)
	return events, err
}

func (r *EventRepository) FindByRunAndNode(ctx context.Context, runID uuid.UUID, nodeID string) ([]*models.EventModel, error) {
	var events []*models.EventModel
	err := r.db.NewSelect().Model(&events).
		Where("run_id = ? AND node_id = ?", runID, nodeID).
		Order("sequence ASC").
		Scan(ctx)
	return events, err
}

func (r *EventRepository) FindLatestByRunID(ctx context.Context, runID uuid.UUID) (*models.EventModel, error) {
	event := &models.EventModel{}
	err := r.db.NewSelect().Model(event).
		Where("run_id = ?", runID).
		Order("sequence DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

func (r *EventRepository) CountByRunID(ctx context.Context, runID uuid.UUID) (int, error) {
	return r.db.NewSelect().Model((*models.EventModel)(nil)).Where("run_id = ?", runID).Count(ctx)
}
