package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/uptrace/bun"
)

var _ repository.WebhookRepository = (*WebhookRepository)(nil)

// WebhookRepository implements repository.WebhookRepository using Bun ORM.
type WebhookRepository struct {
	db *bun.DB
}

// NewWebhookRepository creates a new WebhookRepository.
func NewWebhookRepository(db *bun.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// FindByIdempotencyKey looks up a prior delivery so a retried webhook
// request with the same key can be answered with the stored response
// instead of starting a second run.
func (r *WebhookRepository) FindByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*models.WebhookDeliveryModel, error) {
	d := &models.WebhookDeliveryModel{}
	err := r.db.NewSelect().Model(d).
		Where("workflow_id = ? AND idempotency_key = ?", workflowID, key).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (r *WebhookRepository) Create(ctx context.Context, delivery *models.WebhookDeliveryModel) error {
	if _, err := r.db.NewInsert().Model(delivery).Exec(ctx); err != nil {
		return fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	return nil
}
