package trigger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mbflow/orchestrator/internal/application/engine"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// ErrSuspensionNotFound is returned when a resume token or claimed
// scheduled job no longer has a matching open suspension.
var ErrSuspensionNotFound = errors.New("trigger: suspension not found")

// ErrSuspensionAlreadyResolved is returned by Resume when the suspension's
// token has already been redeemed — the idempotent-resume contract means
// the caller gets a clean error rather than double-advancing the run.
var ErrSuspensionAlreadyResolved = errors.New("trigger: suspension already resolved")

// ErrSuspensionExpired is returned by Resume when the suspension's
// deadline has already passed.
var ErrSuspensionExpired = errors.New("trigger: suspension expired")

// resumer is the subset of *engine.Orchestrator the suspension manager
// needs: resolving a suspended node back into the advance/progress path.
type resumer interface {
	Resume(ctx context.Context, runID uuid.UUID, nodeID string, output map[string]interface{}) error
}

// SuspensionManager owns the webhook-wait / sleep suspension protocol
// (spec.md §4.8): it registers the durable row a suspended node waits on,
// resolves it on an inbound resume call or a fired sleep timer, and hands
// the outcome back to the Orchestrator to unblock the run.
type SuspensionManager struct {
	suspensions repository.SuspensionRepository
	jobs        repository.ScheduledJobRepository
	orchestrator resumer
	sweepCron   *cron.Cron
}

// NewSuspensionManager wires a SuspensionManager. orchestrator is passed
// in after construction via SetOrchestrator if the two are built as a
// cyclic pair (the common case — see cmd/server/main.go).
func NewSuspensionManager(suspensions repository.SuspensionRepository, jobs repository.ScheduledJobRepository) *SuspensionManager {
	return &SuspensionManager{suspensions: suspensions, jobs: jobs}
}

// SetOrchestrator completes the wiring between the suspension manager and
// the orchestrator it resumes nodes through.
func (m *SuspensionManager) SetOrchestrator(o resumer) {
	m.orchestrator = o
}

var _ engine.SuspensionCreator = (*SuspensionManager)(nil)

// CreateWebhookWait persists a "webhook_wait" suspension with a fresh
// 128-bit resume token and an expires_at of now+timeoutMs.
func (m *SuspensionManager) CreateWebhookWait(ctx context.Context, runID, nodeID string, timeoutMs int) (string, error) {
	rid, err := uuid.Parse(runID)
	if err != nil {
		return "", fmt.Errorf("trigger: invalid run id: %w", err)
	}

	token, err := randomToken()
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	s := &storagemodels.SuspensionModel{
		RunID:       rid,
		NodeID:      nodeID,
		Subtype:     "webhook_wait",
		ResumeToken: token,
		ExpiresAt:   &expiresAt,
	}
	if err := m.suspensions.Create(ctx, s); err != nil {
		return "", err
	}
	return token, nil
}

// CreateSleep persists a "sleep" suspension plus the ScheduledJob the
// sweeper promotes once durationMs has elapsed.
func (m *SuspensionManager) CreateSleep(ctx context.Context, runID, nodeID string, durationMs int) error {
	rid, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("trigger: invalid run id: %w", err)
	}

	runAt := time.Now().Add(time.Duration(durationMs) * time.Millisecond)
	s := &storagemodels.SuspensionModel{
		RunID:     rid,
		NodeID:    nodeID,
		Subtype:   "sleep",
		ExpiresAt: &runAt,
	}
	if err := m.suspensions.Create(ctx, s); err != nil {
		return err
	}

	job := &storagemodels.ScheduledJobModel{
		RunID:        rid,
		NodeID:       nodeID,
		SuspensionID: s.ID,
		RunAt:        runAt,
	}
	return m.jobs.Create(ctx, job)
}

// ResumeWebhook finds the open suspension for token, marks it resolved,
// and advances the waiting node with payload as its output. A token that
// does not resolve to an open suspension (unknown, already resolved, or
// expired) returns a sentinel error so the webhook handler can answer the
// caller idempotently instead of silently no-op-ing.
func (m *SuspensionManager) ResumeWebhook(ctx context.Context, token string, payload map[string]interface{}) error {
	s, err := m.suspensions.FindByToken(ctx, token)
	if err != nil {
		return ErrSuspensionNotFound
	}
	if s.Resolved {
		return ErrSuspensionAlreadyResolved
	}
	if s.IsExpired(time.Now()) {
		return ErrSuspensionExpired
	}

	result := storagemodels.JSONBMap(payload)
	if err := m.suspensions.Resolve(ctx, s.ID, result); err != nil {
		return err
	}
	return m.orchestrator.Resume(ctx, s.RunID, s.NodeID, payload)
}

// StartSweeper runs a 1s-ticking cron job (grounded on the same
// robfig/cron wiring CronScheduler uses) that claims and resumes expired
// suspensions: timed-out webhook-waits, and sleeps whose ScheduledJob has
// come due.
func (m *SuspensionManager) StartSweeper(ctx context.Context) {
	m.sweepCron = cron.New(cron.WithSeconds())
	m.sweepCron.AddFunc("@every 1s", func() {
		m.sweepExpiredWebhooks(ctx)
		m.sweepDueSleeps(ctx)
	})
	m.sweepCron.Start()
}

// StopSweeper stops the sweeper and waits for any in-flight tick.
func (m *SuspensionManager) StopSweeper() {
	if m.sweepCron == nil {
		return
	}
	<-m.sweepCron.Stop().Done()
}

func (m *SuspensionManager) sweepExpiredWebhooks(ctx context.Context) {
	expired, err := m.suspensions.FindExpired(ctx, time.Now(), 100)
	if err != nil {
		return
	}
	for _, s := range expired {
		if s.Subtype != "webhook_wait" {
			continue
		}
		result := storagemodels.JSONBMap{"timed_out": true}
		if err := m.suspensions.Resolve(ctx, s.ID, result); err != nil {
			continue
		}
		_ = m.orchestrator.Resume(ctx, s.RunID, s.NodeID, map[string]interface{}(result))
	}
}

func (m *SuspensionManager) sweepDueSleeps(ctx context.Context) {
	due, err := m.jobs.ClaimDue(ctx, time.Now(), 100)
	if err != nil {
		return
	}
	for _, job := range due {
		result := storagemodels.JSONBMap{}
		if err := m.suspensions.Resolve(ctx, job.SuspensionID, result); err != nil {
			continue
		}
		_ = m.orchestrator.Resume(ctx, job.RunID, job.NodeID, map[string]interface{}(result))
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("trigger: generate resume token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
