package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/uptrace/bun"
)

var _ repository.ScheduledJobRepository = (*ScheduledJobRepository)(nil)

// ScheduledJobRepository implements repository.ScheduledJobRepository using Bun ORM.
type ScheduledJobRepository struct {
	db *bun.DB
}

// NewScheduledJobRepository creates a new ScheduledJobRepository.
func NewScheduledJobRepository(db *bun.DB) *ScheduledJobRepository {
	return &ScheduledJobRepository{db: db}
}

func (r *ScheduledJobRepository) Create(ctx context.Context, job *models.ScheduledJobModel) error {
	if _, err := r.db.NewInsert().Model(job).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create scheduled job: %w", err)
	}
	return nil
}

// ClaimDue selects up to limit unclaimed jobs whose run_at has passed and
// marks them claimed in the same statement, using SELECT ... FOR UPDATE
// SKIP LOCKED via a CTE so two sweeper replicas racing on the same tick
// partition the due jobs between them instead of double-resuming any one
// of them.
func (r *ScheduledJobRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJobModel, error) {
	var jobs []*models.ScheduledJobModel
	err := r.db.NewRaw(`
		WITH due AS (
			SELECT id FROM scheduled_jobs
			WHERE claimed = false AND run_at <= ?
			ORDER BY run_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_jobs
		SET claimed = true, claimed_at = current_timestamp
		WHERE id IN (SELECT id FROM due)
		RETURNING *
	`, now, limit).Scan(ctx, &jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due scheduled jobs: %w", err)
	}
	return jobs, nil
}
