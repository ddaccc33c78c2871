package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// VersionStore is a thin application-layer wrapper over the workflow
// repository's version operations (spec.md §6.2 POST
// /flows/{id}/publish|rollback|restore|discard). Publish/Rollback/Discard
// are already atomic at the repository layer; Restore is the one
// operation that isn't — it loads an arbitrary prior version's graph and
// copies it into the draft without touching ActiveVersionID, so a user
// can resume editing from an old snapshot without force-activating it.
type VersionStore struct {
	workflows repository.WorkflowRepository
}

// NewVersionStore wires a VersionStore.
func NewVersionStore(workflows repository.WorkflowRepository) *VersionStore {
	return &VersionStore{workflows: workflows}
}

// Publish snapshots a workflow's current draft graph into a new version
// and makes it active.
func (s *VersionStore) Publish(ctx context.Context, workflowID uuid.UUID, notes string, createdBy *uuid.UUID) (*storagemodels.WorkflowVersionModel, error) {
	version, err := s.workflows.Publish(ctx, workflowID, notes, createdBy)
	if err != nil {
		return nil, fmt.Errorf("version store: publish: %w", err)
	}
	return version, nil
}

// Rollback repoints a workflow's active version at an already-published
// version (its graph is untouched — only ActiveVersionID moves).
func (s *VersionStore) Rollback(ctx context.Context, workflowID, versionID uuid.UUID) error {
	if err := s.workflows.Rollback(ctx, workflowID, versionID); err != nil {
		return fmt.Errorf("version store: rollback: %w", err)
	}
	return nil
}

// Discard deletes a published version that is not the active one (e.g.
// pruning abandoned publish attempts).
func (s *VersionStore) Discard(ctx context.Context, versionID uuid.UUID) error {
	if err := s.workflows.DiscardVersion(ctx, versionID); err != nil {
		return fmt.Errorf("version store: discard: %w", err)
	}
	return nil
}

// Restore copies a version's graph into the workflow's draft without
// publishing it or moving ActiveVersionID, letting a user resume editing
// from an old snapshot.
func (s *VersionStore) Restore(ctx context.Context, workflowID, versionID uuid.UUID) (*storagemodels.WorkflowModel, error) {
	version, err := s.workflows.FindVersionByID(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("version store: find version: %w", err)
	}
	if version.WorkflowID != workflowID {
		return nil, fmt.Errorf("version store: version %s does not belong to workflow %s", versionID, workflowID)
	}

	workflow, err := s.workflows.FindByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("version store: find workflow: %w", err)
	}

	workflow.DraftGraph = version.Graph
	if err := s.workflows.Update(ctx, workflow); err != nil {
		return nil, fmt.Errorf("version store: update draft: %w", err)
	}
	return workflow, nil
}

// ListVersions returns every published version for a workflow, newest first.
func (s *VersionStore) ListVersions(ctx context.Context, workflowID uuid.UUID) ([]*storagemodels.WorkflowVersionModel, error) {
	versions, err := s.workflows.FindVersionsByWorkflowID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("version store: list versions: %w", err)
	}
	return versions, nil
}
