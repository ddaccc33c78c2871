package trigger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/application/engine"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// Manager is the trigger intake umbrella (spec.md §6.2 /triggers, /webhooks):
// it owns the cron scheduler and webhook registry and exposes the single
// manual-trigger entry point the REST layer's "run now" handler calls.
// Grounded on the teacher's trigger manager, whose constructor bootstraps
// already-enabled triggers from storage at startup rather than relying on
// a caller to replay them one at a time.
type Manager struct {
	triggers  repository.TriggerRepository
	lifecycle *engine.RunLifecycleManager
	cron      *CronScheduler
	webhooks  *WebhookRegistry
}

// ManagerConfig holds the dependencies Manager wires together.
type ManagerConfig struct {
	Triggers  repository.TriggerRepository
	Lifecycle *engine.RunLifecycleManager
	Cron      *CronScheduler
	Webhooks  *WebhookRegistry
}

// NewManager constructs a Manager. Call Start to bootstrap already-enabled
// cron/interval triggers from storage.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		triggers:  cfg.Triggers,
		lifecycle: cfg.Lifecycle,
		cron:      cfg.Cron,
		webhooks:  cfg.Webhooks,
	}
}

// Start loads every enabled cron/interval trigger from storage and hands
// them to the cron scheduler, then starts it ticking.
func (m *Manager) Start(ctx context.Context) error {
	var enabled []*storagemodels.TriggerModel

	cronTriggers, err := m.triggers.FindEnabledByType(ctx, "cron")
	if err != nil {
		return fmt.Errorf("trigger: load enabled cron triggers: %w", err)
	}
	enabled = append(enabled, cronTriggers...)

	intervalTriggers, err := m.triggers.FindEnabledByType(ctx, "interval")
	if err != nil {
		return fmt.Errorf("trigger: load enabled interval triggers: %w", err)
	}
	enabled = append(enabled, intervalTriggers...)

	return m.cron.Start(ctx, enabled)
}

// Stop stops the cron scheduler.
func (m *Manager) Stop() error {
	return m.cron.Stop()
}

// Manual starts a run directly, bypassing any trigger configuration — the
// "run now" action in the REST API (spec.md §6.2 POST /triggers/manual).
func (m *Manager) Manual(ctx context.Context, workflowID string, input map[string]interface{}, versionID *string) (*storagemodels.RunModel, error) {
	req := engine.CreateRunRequest{
		WorkflowID:  workflowID,
		TriggerType: "manual",
		Input:       input,
	}
	if versionID != nil {
		req.VersionID = *versionID
	}

	run, err := m.lifecycle.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("trigger: create manual run: %w", err)
	}
	if err := m.lifecycle.Start(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("trigger: start manual run: %w", err)
	}
	return run, nil
}

// Webhook delegates to the webhook registry, the /webhooks/{flowId} intake.
func (m *Manager) Webhook(ctx context.Context, workflowID uuid.UUID, rawBody []byte, signature, idempotencyKey string, payload map[string]interface{}) (*WebhookDelivery, error) {
	return m.webhooks.ExecuteWebhook(ctx, workflowID, rawBody, signature, idempotencyKey, payload)
}

// RegisterTrigger adds a newly created or re-enabled cron/interval trigger
// to the live scheduler without restarting it.
func (m *Manager) RegisterTrigger(ctx context.Context, trigger *storagemodels.TriggerModel) error {
	if !trigger.IsCron() && !trigger.IsInterval() {
		return nil
	}
	return m.cron.AddTrigger(ctx, trigger)
}

// UnregisterTrigger removes a disabled or deleted trigger from the live
// scheduler.
func (m *Manager) UnregisterTrigger(triggerID uuid.UUID) {
	m.cron.RemoveTrigger(triggerID.String())
}
