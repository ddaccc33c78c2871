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
	domainerrs "github.com/mbflow/orchestrator/pkg/models"
	"github.com/uptrace/bun"
)

var _ repository.SuspensionRepository = (*SuspensionRepository)(nil)

// SuspensionRepository implements repository.SuspensionRepository using Bun ORM.
type SuspensionRepository struct {
	db *bun.DB
}

// NewSuspensionRepository creates a new SuspensionRepository.
func NewSuspensionRepository(db *bun.DB) *SuspensionRepository {
	return &SuspensionRepository{db: db}
}

func (r *SuspensionRepository) Create(ctx context.Context, s *models.SuspensionModel) error {
	if _, err := r.db.NewInsert().Model(s).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create suspension: %w", err)
	}
	return nil
}

func (r *SuspensionRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.SuspensionModel, error) {
	s := &models.SuspensionModel{}
	err := r.db.NewSelect().Model(s).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrs.ErrSuspensionNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *SuspensionRepository) FindByToken(ctx context.Context, token string) (*models.SuspensionModel, error) {
	s := &models.SuspensionModel{}
	err := r.db.NewSelect().Model(s).Where("resume_token = ?", token).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrs.ErrTokenInvalid
		}
		return nil, err
	}
	return s, nil
}

// FindOpenByRunNode looks up the single unresolved suspension for a
// (run, node, subtype) triple, if any — the at-most-one invariant this
// repository's unique partial index enforces at write time.
func (r *SuspensionRepository) FindOpenByRunNode(ctx context.Context, runID uuid.UUID, nodeID, subtype string) (*models.SuspensionModel, error) {
	s := &models.SuspensionModel{}
	err := r.db.NewSelect().Model(s).
		Where("run_id = ? AND node_id = ? AND subtype = ? AND resolved = false", runID, nodeID, subtype).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// Resolve marks a suspension resolved and stores its result, but only if
// it is not already resolved — a second resolution attempt (e.g. a
// replayed webhook delivery) is reported as ErrSuspensionResolved rather
// than silently overwriting the first result.
func (r *SuspensionRepository) Resolve(ctx context.Context, id uuid.UUID, result models.JSONBMap) error {
	res, err := r.db.NewUpdate().
		Model((*models.SuspensionModel)(nil)).
		Set("resolved = true").
		Set("resolved_at = current_timestamp").
		Set("result = ?", result).
		Where("id = ? AND resolved = false", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve suspension: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domainerrs.ErrSuspensionResolved
	}
	return nil
}

func (r *SuspensionRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.SuspensionModel, error) {
	var suspensions []*models.SuspensionModel
	err := r.db.NewSelect().Model(&suspensions).
		Where("resolved = false AND expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Scan(ctx)
	return suspensions, err
}
