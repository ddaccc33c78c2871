package trigger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// ==================== Manual Tests ====================

func TestManager_Manual(t *testing.T) {
	workflows := newFakeTriggerWorkflowRepo()
	workflowID := uuid.New()
	workflows.workflows[workflowID] = singleNodeWorkflow(workflowID)
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(workflows, runs)

	triggers := newFakeTriggerRepo()
	cronScheduler, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: triggers, Runs: runs, Lifecycle: lifecycle, Cache: nil})
	require.NoError(t, err)
	webhookRegistry := NewWebhookRegistry(workflows, triggers, newFakeWebhookDeliveryRepo(), lifecycle, nil)

	manager := NewManager(ManagerConfig{Triggers: triggers, Lifecycle: lifecycle, Cron: cronScheduler, Webhooks: webhookRegistry})

	run, err := manager.Manual(context.Background(), workflowID.String(), map[string]interface{}{"x": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, workflowID, run.WorkflowID)
	assert.Equal(t, "manual", run.TriggerType)
	assert.Equal(t, "running", run.Status)
}

func TestManager_Manual_UnknownWorkflow(t *testing.T) {
	workflows := newFakeTriggerWorkflowRepo()
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(workflows, runs)
	triggers := newFakeTriggerRepo()
	cronScheduler, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: triggers, Runs: runs, Lifecycle: lifecycle})
	require.NoError(t, err)
	webhookRegistry := NewWebhookRegistry(workflows, triggers, newFakeWebhookDeliveryRepo(), lifecycle, nil)
	manager := NewManager(ManagerConfig{Triggers: triggers, Lifecycle: lifecycle, Cron: cronScheduler, Webhooks: webhookRegistry})

	_, err = manager.Manual(context.Background(), uuid.New().String(), nil, nil)
	assert.Error(t, err)
}

// ==================== Start/Stop Tests ====================

func TestManager_StartStop_NoTriggers(t *testing.T) {
	workflows := newFakeTriggerWorkflowRepo()
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(workflows, runs)
	triggers := newFakeTriggerRepo()
	cronScheduler, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: triggers, Runs: runs, Lifecycle: lifecycle})
	require.NoError(t, err)
	webhookRegistry := NewWebhookRegistry(workflows, triggers, newFakeWebhookDeliveryRepo(), lifecycle, nil)
	manager := NewManager(ManagerConfig{Triggers: triggers, Lifecycle: lifecycle, Cron: cronScheduler, Webhooks: webhookRegistry})

	require.NoError(t, manager.Start(context.Background()))
	require.NoError(t, manager.Stop())
}

// ==================== RegisterTrigger/UnregisterTrigger Tests ====================

func TestManager_RegisterTrigger_SkipsManual(t *testing.T) {
	workflows := newFakeTriggerWorkflowRepo()
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(workflows, runs)
	triggers := newFakeTriggerRepo()
	cronScheduler, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: triggers, Runs: runs, Lifecycle: lifecycle})
	require.NoError(t, err)
	webhookRegistry := NewWebhookRegistry(workflows, triggers, newFakeWebhookDeliveryRepo(), lifecycle, nil)
	manager := NewManager(ManagerConfig{Triggers: triggers, Lifecycle: lifecycle, Cron: cronScheduler, Webhooks: webhookRegistry})

	trigger := &storagemodels.TriggerModel{ID: uuid.New(), Type: "manual", Enabled: true}
	assert.NoError(t, manager.RegisterTrigger(context.Background(), trigger))
}

func TestManager_UnregisterTrigger(t *testing.T) {
	workflows := newFakeTriggerWorkflowRepo()
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(workflows, runs)
	triggers := newFakeTriggerRepo()
	cronScheduler, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: triggers, Runs: runs, Lifecycle: lifecycle})
	require.NoError(t, err)
	webhookRegistry := NewWebhookRegistry(workflows, triggers, newFakeWebhookDeliveryRepo(), lifecycle, nil)
	manager := NewManager(ManagerConfig{Triggers: triggers, Lifecycle: lifecycle, Cron: cronScheduler, Webhooks: webhookRegistry})

	manager.UnregisterTrigger(uuid.New())
}
