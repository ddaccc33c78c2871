package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbflow/orchestrator/internal/application/engine"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/cache"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// CronScheduler manages cron- and interval-based triggers, firing a new
// run through the run lifecycle manager each time a schedule elapses.
// Grounded on the teacher's robfig/cron/v3 wiring, which computes true
// next-match times rather than approximating them.
type CronScheduler struct {
	triggerRepo repository.TriggerRepository
	runs        repository.RunRepository
	lifecycle   *engine.RunLifecycleManager
	cache       *cache.RedisCache

	cron *cron.Cron
	ids  map[string]cron.EntryID // triggerID -> cron entry ID
	mu   sync.RWMutex
}

// CronSchedulerConfig holds configuration for cron scheduler
type CronSchedulerConfig struct {
	TriggerRepo repository.TriggerRepository
	Runs        repository.RunRepository
	Lifecycle   *engine.RunLifecycleManager
	Cache       *cache.RedisCache
}

// NewCronScheduler creates a new cron scheduler running on second
// precision in UTC.
func NewCronScheduler(cfg CronSchedulerConfig) (*CronScheduler, error) {
	return &CronScheduler{
		triggerRepo: cfg.TriggerRepo,
		runs:        cfg.Runs,
		lifecycle:   cfg.Lifecycle,
		cache:       cfg.Cache,
		cron:        cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		ids:         make(map[string]cron.EntryID),
	}, nil
}

// Start registers every enabled cron/interval trigger and starts ticking.
func (cs *CronScheduler) Start(ctx context.Context, triggers []*storagemodels.TriggerModel) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, trigger := range triggers {
		if trigger.IsCron() || trigger.IsInterval() {
			if err := cs.addTriggerLocked(ctx, trigger); err != nil {
				fmt.Printf("failed to add trigger %s: %v\n", trigger.ID, err)
			}
		}
	}

	cs.cron.Start()
	return nil
}

// Stop stops the cron scheduler, waiting for any in-flight firing.
func (cs *CronScheduler) Stop() error {
	<-cs.cron.Stop().Done()
	return nil
}

// AddTrigger registers a single cron/interval trigger (e.g. right after
// it's created or re-enabled through the API).
func (cs *CronScheduler) AddTrigger(ctx context.Context, trigger *storagemodels.TriggerModel) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.addTriggerLocked(ctx, trigger)
}

func (cs *CronScheduler) addTriggerLocked(ctx context.Context, trigger *storagemodels.TriggerModel) error {
	if !trigger.IsCron() && !trigger.IsInterval() {
		return nil
	}

	key := trigger.ID.String()
	if entryID, exists := cs.ids[key]; exists {
		cs.cron.Remove(entryID)
		delete(cs.ids, key)
	}

	schedule, err := cs.parseSchedule(trigger)
	if err != nil {
		return fmt.Errorf("failed to parse schedule: %w", err)
	}

	entryID := cs.cron.Schedule(schedule, cs.createJob(trigger))
	cs.ids[key] = entryID

	entry := cs.cron.Entry(entryID)
	if err := cs.updateNextExecution(ctx, key, entry.Next); err != nil {
		fmt.Printf("failed to update next execution for trigger %s: %v\n", key, err)
	}
	return nil
}

// RemoveTrigger unregisters a trigger (e.g. on disable/delete).
func (cs *CronScheduler) RemoveTrigger(triggerID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if entryID, exists := cs.ids[triggerID]; exists {
		cs.cron.Remove(entryID)
		delete(cs.ids, triggerID)
	}
}

func (cs *CronScheduler) parseSchedule(trigger *storagemodels.TriggerModel) (cron.Schedule, error) {
	if trigger.IsCron() {
		return cs.parseCronSchedule(trigger)
	}
	return cs.parseIntervalSchedule(trigger)
}

func (cs *CronScheduler) parseCronSchedule(trigger *storagemodels.TriggerModel) (cron.Schedule, error) {
	scheduleStr, ok := trigger.Config["schedule"].(string)
	if !ok || scheduleStr == "" {
		return nil, fmt.Errorf("schedule not found in trigger config")
	}

	location := time.UTC
	if tz, ok := trigger.Config["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", tz, err)
		}
		location = loc
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(scheduleStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %s: %w", scheduleStr, err)
	}
	if location != time.UTC {
		return timezoneSchedule{schedule: schedule, location: location}, nil
	}
	return schedule, nil
}

// timezoneSchedule wraps a parsed cron.Schedule so Next is evaluated in
// the trigger's configured timezone rather than the scheduler's own UTC
// clock, without needing a dedicated *cron.Cron per timezone.
type timezoneSchedule struct {
	schedule cron.Schedule
	location *time.Location
}

func (t timezoneSchedule) Next(now time.Time) time.Time {
	return t.schedule.Next(now.In(t.location))
}

func (cs *CronScheduler) parseIntervalSchedule(trigger *storagemodels.TriggerModel) (cron.Schedule, error) {
	intervalValue, ok := trigger.Config["interval"]
	if !ok {
		return nil, fmt.Errorf("interval not found in trigger config")
	}

	var duration time.Duration
	var err error
	switch v := intervalValue.(type) {
	case string:
		duration, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid interval duration %s: %w", v, err)
		}
	case float64:
		duration = time.Duration(v) * time.Second
	case int:
		duration = time.Duration(v) * time.Second
	default:
		return nil, fmt.Errorf("invalid interval type: %T", intervalValue)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	return cron.ConstantDelaySchedule{Delay: duration}, nil
}

func (cs *CronScheduler) createJob(trigger *storagemodels.TriggerModel) cron.Job {
	triggerID := trigger.ID
	return cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		current, err := cs.triggerRepo.FindByID(ctx, triggerID)
		if err != nil || !current.Enabled {
			return
		}
		if err := cs.executeTrigger(ctx, current); err != nil {
			fmt.Printf("trigger %s execution failed: %v\n", triggerID, err)
		}
	})
}

// executeTrigger starts a new run for a workflow triggered by the cron
// schedule, honoring overlap_mode ("skip" | "queue_one" | "parallel",
// default "parallel"): "skip" and "queue_one" both drop this firing if
// the workflow already has an open run from a cron trigger — the control
// plane holds no pending queue of dropped firings beyond the next tick,
// so the two modes collapse to the same behavior here.
func (cs *CronScheduler) executeTrigger(ctx context.Context, trigger *storagemodels.TriggerModel) error {
	overlapMode, _ := trigger.Config["overlap_mode"].(string)
	if overlapMode == "skip" || overlapMode == "queue_one" {
		active, err := cs.runs.FindActiveByWorkflowID(ctx, trigger.WorkflowID)
		if err == nil {
			for _, r := range active {
				if r.TriggerType == "cron" {
					return nil
				}
			}
		}
	}

	input := make(map[string]interface{})
	if defaultInput, ok := trigger.Config["input"].(map[string]interface{}); ok {
		input = defaultInput
	}

	run, err := cs.lifecycle.Create(ctx, engine.CreateRunRequest{
		WorkflowID:  trigger.WorkflowID.String(),
		TriggerType: "cron",
		Input:       input,
	})
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if err := cs.lifecycle.Start(ctx, run.ID); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	key := trigger.ID.String()
	state, err := LoadTriggerState(ctx, cs.cache, key)
	if err != nil {
		state = NewTriggerState(key)
	}
	state.MarkExecuted()

	cs.mu.RLock()
	if entryID, exists := cs.ids[key]; exists {
		state.SetNextExecution(cs.cron.Entry(entryID).Next)
	}
	cs.mu.RUnlock()

	if err := state.Save(ctx, cs.cache); err != nil {
		fmt.Printf("failed to save trigger state: %v\n", err)
	}
	if err := cs.triggerRepo.MarkTriggered(ctx, trigger.ID); err != nil {
		fmt.Printf("failed to mark trigger as triggered: %v\n", err)
	}
	return nil
}

func (cs *CronScheduler) updateNextExecution(ctx context.Context, triggerID string, nextTime time.Time) error {
	if cs.cache == nil {
		return nil
	}
	state, err := LoadTriggerState(ctx, cs.cache, triggerID)
	if err != nil {
		state = NewTriggerState(triggerID)
	}
	state.SetNextExecution(nextTime)
	return state.Save(ctx, cs.cache)
}
