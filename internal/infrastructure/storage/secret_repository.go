package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/uptrace/bun"
)

var _ repository.SecretRepository = (*SecretRepository)(nil)

// SecretRepository implements repository.SecretRepository using Bun ORM.
// Values arrive already encrypted; this layer never sees plaintext.
type SecretRepository struct {
	db *bun.DB
}

// NewSecretRepository creates a new SecretRepository.
func NewSecretRepository(db *bun.DB) *SecretRepository {
	return &SecretRepository{db: db}
}

// Upsert inserts a secret or overwrites the ciphertext of an existing one
// with the same (workflow_id, key).
func (r *SecretRepository) Upsert(ctx context.Context, secret *models.SecretModel) error {
	_, err := r.db.NewInsert().
		Model(secret).
		On("CONFLICT (workflow_id, key) DO UPDATE").
		Set("encrypted_value = EXCLUDED.encrypted_value").
		Set("updated_at = current_timestamp").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert secret: %w", err)
	}
	return nil
}

func (r *SecretRepository) Delete(ctx context.Context, workflowID uuid.UUID, key string) error {
	_, err := r.db.NewDelete().
		Model((*models.SecretModel)(nil)).
		Where("workflow_id = ? AND key = ?", workflowID, key).
		Exec(ctx)
	return err
}

func (r *SecretRepository) FindByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*models.SecretModel, error) {
	var secrets []*models.SecretModel
	err := r.db.NewSelect().Model(&secrets).Where("workflow_id = ?", workflowID).Order("key ASC").Scan(ctx)
	return secrets, err
}
