package trigger

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbflow/orchestrator/internal/config"
	"github.com/mbflow/orchestrator/internal/infrastructure/cache"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

func newTestRedisCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	s := miniredis.RunT(t)
	t.Cleanup(s.Close)

	redisCache, err := cache.NewRedisCache(config.RedisConfig{URL: "redis://" + s.Addr(), PoolSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisCache.Close() })
	return redisCache
}

// ==================== AddTrigger / RemoveTrigger Tests ====================

func TestCronScheduler_AddTrigger_Cron(t *testing.T) {
	workflows := newFakeTriggerWorkflowRepo()
	workflowID := uuid.New()
	workflows.workflows[workflowID] = singleNodeWorkflow(workflowID)
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(workflows, runs)
	triggers := newFakeTriggerRepo()

	cs, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: triggers, Runs: runs, Lifecycle: lifecycle, Cache: newTestRedisCache(t)})
	require.NoError(t, err)

	trigger := &storagemodels.TriggerModel{
		ID: uuid.New(), WorkflowID: workflowID, Type: "cron", Enabled: true,
		Config: storagemodels.JSONBMap{"schedule": "*/5 * * * * *"},
	}
	require.NoError(t, cs.AddTrigger(context.Background(), trigger))

	cs.mu.RLock()
	_, scheduled := cs.ids[trigger.ID.String()]
	cs.mu.RUnlock()
	assert.True(t, scheduled)

	cs.RemoveTrigger(trigger.ID.String())
	cs.mu.RLock()
	_, stillScheduled := cs.ids[trigger.ID.String()]
	cs.mu.RUnlock()
	assert.False(t, stillScheduled)
}

func TestCronScheduler_AddTrigger_Interval(t *testing.T) {
	workflows := newFakeTriggerWorkflowRepo()
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(workflows, runs)
	triggers := newFakeTriggerRepo()

	cs, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: triggers, Runs: runs, Lifecycle: lifecycle, Cache: newTestRedisCache(t)})
	require.NoError(t, err)

	trigger := &storagemodels.TriggerModel{
		ID: uuid.New(), WorkflowID: uuid.New(), Type: "interval", Enabled: true,
		Config: storagemodels.JSONBMap{"interval": "30s"},
	}
	require.NoError(t, cs.AddTrigger(context.Background(), trigger))

	cs.mu.RLock()
	_, scheduled := cs.ids[trigger.ID.String()]
	cs.mu.RUnlock()
	assert.True(t, scheduled)
}

func TestCronScheduler_AddTrigger_MissingSchedule(t *testing.T) {
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(newFakeTriggerWorkflowRepo(), runs)
	cs, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: newFakeTriggerRepo(), Runs: runs, Lifecycle: lifecycle, Cache: newTestRedisCache(t)})
	require.NoError(t, err)

	trigger := &storagemodels.TriggerModel{ID: uuid.New(), Type: "cron", Enabled: true, Config: storagemodels.JSONBMap{}}
	assert.Error(t, cs.AddTrigger(context.Background(), trigger))
}

func TestCronScheduler_AddTrigger_IgnoresNonScheduleTypes(t *testing.T) {
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(newFakeTriggerWorkflowRepo(), runs)
	cs, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: newFakeTriggerRepo(), Runs: runs, Lifecycle: lifecycle, Cache: newTestRedisCache(t)})
	require.NoError(t, err)

	trigger := &storagemodels.TriggerModel{ID: uuid.New(), Type: "manual", Enabled: true}
	assert.NoError(t, cs.AddTrigger(context.Background(), trigger))

	cs.mu.RLock()
	_, scheduled := cs.ids[trigger.ID.String()]
	cs.mu.RUnlock()
	assert.False(t, scheduled)
}

// ==================== executeTrigger Tests ====================

func TestCronScheduler_ExecuteTrigger_StartsRun(t *testing.T) {
	workflows := newFakeTriggerWorkflowRepo()
	workflowID := uuid.New()
	workflows.workflows[workflowID] = publishSingleNodeWorkflow(workflows, workflowID)
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(workflows, runs)
	triggers := newFakeTriggerRepo()

	cs, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: triggers, Runs: runs, Lifecycle: lifecycle, Cache: newTestRedisCache(t)})
	require.NoError(t, err)

	trigger := &storagemodels.TriggerModel{
		ID: uuid.New(), WorkflowID: workflowID, Type: "cron", Enabled: true,
		Config: storagemodels.JSONBMap{"schedule": "*/5 * * * * *"},
	}
	require.NoError(t, cs.AddTrigger(context.Background(), trigger))

	require.NoError(t, cs.executeTrigger(context.Background(), trigger))
	require.Len(t, runs.runs, 1)
	for _, run := range runs.runs {
		assert.Equal(t, "cron", run.TriggerType)
		assert.Equal(t, workflowID, run.WorkflowID)
	}
}

func TestCronScheduler_ExecuteTrigger_SkipModeDropsWhileActive(t *testing.T) {
	workflows := newFakeTriggerWorkflowRepo()
	workflowID := uuid.New()
	workflows.workflows[workflowID] = publishSingleNodeWorkflow(workflows, workflowID)
	runs := newFakeTriggerRunRepo()
	runs.runs[uuid.New()] = &storagemodels.RunModel{ID: uuid.New(), WorkflowID: workflowID, Status: "running", TriggerType: "cron"}
	lifecycle := newTestLifecycle(workflows, runs)
	triggers := newFakeTriggerRepo()

	cs, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: triggers, Runs: runs, Lifecycle: lifecycle, Cache: newTestRedisCache(t)})
	require.NoError(t, err)

	trigger := &storagemodels.TriggerModel{
		ID: uuid.New(), WorkflowID: workflowID, Type: "cron", Enabled: true,
		Config: storagemodels.JSONBMap{"schedule": "*/5 * * * * *", "overlap_mode": "skip"},
	}

	require.NoError(t, cs.executeTrigger(context.Background(), trigger))
	assert.Len(t, runs.runs, 1, "skip mode must not start a second run while one is active")
}

// ==================== Stop Tests ====================

func TestCronScheduler_StartStop(t *testing.T) {
	runs := newFakeTriggerRunRepo()
	lifecycle := newTestLifecycle(newFakeTriggerWorkflowRepo(), runs)
	cs, err := NewCronScheduler(CronSchedulerConfig{TriggerRepo: newFakeTriggerRepo(), Runs: runs, Lifecycle: lifecycle, Cache: newTestRedisCache(t)})
	require.NoError(t, err)

	require.NoError(t, cs.Start(context.Background(), nil))
	require.NoError(t, cs.Stop())
}
