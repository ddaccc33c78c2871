package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// fakeSuspensionRepo is an in-memory stand-in for repository.SuspensionRepository.
type fakeSuspensionRepo struct {
	byID    map[uuid.UUID]*storagemodels.SuspensionModel
	byToken map[string]uuid.UUID
}

var _ repository.SuspensionRepository = (*fakeSuspensionRepo)(nil)

func newFakeSuspensionRepo() *fakeSuspensionRepo {
	return &fakeSuspensionRepo{
		byID:    make(map[uuid.UUID]*storagemodels.SuspensionModel),
		byToken: make(map[string]uuid.UUID),
	}
}

func (r *fakeSuspensionRepo) Create(ctx context.Context, s *storagemodels.SuspensionModel) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	r.byID[s.ID] = s
	if s.ResumeToken != "" {
		r.byToken[s.ResumeToken] = s.ID
	}
	return nil
}
func (r *fakeSuspensionRepo) FindByID(ctx context.Context, id uuid.UUID) (*storagemodels.SuspensionModel, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrSuspensionNotFound
	}
	return s, nil
}
func (r *fakeSuspensionRepo) FindByToken(ctx context.Context, token string) (*storagemodels.SuspensionModel, error) {
	id, ok := r.byToken[token]
	if !ok {
		return nil, ErrSuspensionNotFound
	}
	return r.byID[id], nil
}
func (r *fakeSuspensionRepo) FindOpenByRunNode(ctx context.Context, runID uuid.UUID, nodeID, subtype string) (*storagemodels.SuspensionModel, error) {
	for _, s := range r.byID {
		if s.RunID == runID && s.NodeID == nodeID && s.Subtype == subtype && !s.Resolved {
			return s, nil
		}
	}
	return nil, ErrSuspensionNotFound
}
func (r *fakeSuspensionRepo) Resolve(ctx context.Context, id uuid.UUID, result storagemodels.JSONBMap) error {
	s, ok := r.byID[id]
	if !ok {
		return ErrSuspensionNotFound
	}
	s.MarkResolved(result)
	return nil
}
func (r *fakeSuspensionRepo) FindExpired(ctx context.Context, now time.Time, limit int) ([]*storagemodels.SuspensionModel, error) {
	var out []*storagemodels.SuspensionModel
	for _, s := range r.byID {
		if !s.Resolved && s.IsExpired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// fakeScheduledJobRepo is an in-memory stand-in for repository.ScheduledJobRepository.
type fakeScheduledJobRepo struct {
	jobs []*storagemodels.ScheduledJobModel
}

var _ repository.ScheduledJobRepository = (*fakeScheduledJobRepo)(nil)

func (r *fakeScheduledJobRepo) Create(ctx context.Context, job *storagemodels.ScheduledJobModel) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	r.jobs = append(r.jobs, job)
	return nil
}
func (r *fakeScheduledJobRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*storagemodels.ScheduledJobModel, error) {
	var due []*storagemodels.ScheduledJobModel
	for _, job := range r.jobs {
		if !job.Claimed && !job.RunAt.After(now) {
			job.MarkClaimed()
			due = append(due, job)
		}
	}
	return due, nil
}

// fakeResumer records every Resume call instead of driving a real orchestrator.
type fakeResumer struct {
	calls []resumeCall
}

type resumeCall struct {
	runID  uuid.UUID
	nodeID string
	output map[string]interface{}
}

func (r *fakeResumer) Resume(ctx context.Context, runID uuid.UUID, nodeID string, output map[string]interface{}) error {
	r.calls = append(r.calls, resumeCall{runID: runID, nodeID: nodeID, output: output})
	return nil
}

// ==================== CreateWebhookWait Tests ====================

func TestSuspensionManager_CreateWebhookWait(t *testing.T) {
	suspensions := newFakeSuspensionRepo()
	m := NewSuspensionManager(suspensions, &fakeScheduledJobRepo{})

	runID := uuid.New()
	token, err := m.CreateWebhookWait(context.Background(), runID.String(), "wait-1", 5000)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	s, err := suspensions.FindByToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, runID, s.RunID)
	assert.Equal(t, "webhook_wait", s.Subtype)
}

func TestSuspensionManager_CreateWebhookWait_InvalidRunID(t *testing.T) {
	m := NewSuspensionManager(newFakeSuspensionRepo(), &fakeScheduledJobRepo{})
	_, err := m.CreateWebhookWait(context.Background(), "not-a-uuid", "n1", 1000)
	assert.Error(t, err)
}

// ==================== CreateSleep Tests ====================

func TestSuspensionManager_CreateSleep(t *testing.T) {
	suspensions := newFakeSuspensionRepo()
	jobs := &fakeScheduledJobRepo{}
	m := NewSuspensionManager(suspensions, jobs)

	runID := uuid.New()
	err := m.CreateSleep(context.Background(), runID.String(), "sleep-1", 1000)
	require.NoError(t, err)

	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, runID, jobs.jobs[0].RunID)
	assert.Equal(t, "sleep-1", jobs.jobs[0].NodeID)
}

// ==================== ResumeWebhook Tests ====================

func TestSuspensionManager_ResumeWebhook(t *testing.T) {
	suspensions := newFakeSuspensionRepo()
	m := NewSuspensionManager(suspensions, &fakeScheduledJobRepo{})
	resumer := &fakeResumer{}
	m.SetOrchestrator(resumer)

	runID := uuid.New()
	token, err := m.CreateWebhookWait(context.Background(), runID.String(), "wait-1", 60000)
	require.NoError(t, err)

	err = m.ResumeWebhook(context.Background(), token, map[string]interface{}{"ok": true})
	require.NoError(t, err)

	require.Len(t, resumer.calls, 1)
	assert.Equal(t, runID, resumer.calls[0].runID)
	assert.Equal(t, "wait-1", resumer.calls[0].nodeID)

	s, _ := suspensions.FindByToken(context.Background(), token)
	assert.True(t, s.Resolved)
}

func TestSuspensionManager_ResumeWebhook_UnknownToken(t *testing.T) {
	m := NewSuspensionManager(newFakeSuspensionRepo(), &fakeScheduledJobRepo{})
	err := m.ResumeWebhook(context.Background(), "does-not-exist", nil)
	assert.ErrorIs(t, err, ErrSuspensionNotFound)
}

func TestSuspensionManager_ResumeWebhook_AlreadyResolved(t *testing.T) {
	suspensions := newFakeSuspensionRepo()
	m := NewSuspensionManager(suspensions, &fakeScheduledJobRepo{})
	m.SetOrchestrator(&fakeResumer{})

	runID := uuid.New()
	token, err := m.CreateWebhookWait(context.Background(), runID.String(), "wait-1", 60000)
	require.NoError(t, err)
	require.NoError(t, m.ResumeWebhook(context.Background(), token, nil))

	err = m.ResumeWebhook(context.Background(), token, nil)
	assert.ErrorIs(t, err, ErrSuspensionAlreadyResolved)
}

func TestSuspensionManager_ResumeWebhook_Expired(t *testing.T) {
	suspensions := newFakeSuspensionRepo()
	m := NewSuspensionManager(suspensions, &fakeScheduledJobRepo{})
	m.SetOrchestrator(&fakeResumer{})

	runID := uuid.New()
	token, err := m.CreateWebhookWait(context.Background(), runID.String(), "wait-1", -1000)
	require.NoError(t, err)

	err = m.ResumeWebhook(context.Background(), token, nil)
	assert.ErrorIs(t, err, ErrSuspensionExpired)
}

// ==================== Sweeper Tests ====================

func TestSuspensionManager_SweepExpiredWebhooks(t *testing.T) {
	suspensions := newFakeSuspensionRepo()
	m := NewSuspensionManager(suspensions, &fakeScheduledJobRepo{})
	resumer := &fakeResumer{}
	m.SetOrchestrator(resumer)

	runID := uuid.New()
	token, err := m.CreateWebhookWait(context.Background(), runID.String(), "wait-1", -1000)
	require.NoError(t, err)

	m.sweepExpiredWebhooks(context.Background())

	require.Len(t, resumer.calls, 1)
	s, _ := suspensions.FindByToken(context.Background(), token)
	assert.True(t, s.Resolved)
}

func TestSuspensionManager_SweepDueSleeps(t *testing.T) {
	suspensions := newFakeSuspensionRepo()
	jobs := &fakeScheduledJobRepo{}
	m := NewSuspensionManager(suspensions, jobs)
	resumer := &fakeResumer{}
	m.SetOrchestrator(resumer)

	runID := uuid.New()
	require.NoError(t, m.CreateSleep(context.Background(), runID.String(), "sleep-1", -1000))

	m.sweepDueSleeps(context.Background())

	require.Len(t, resumer.calls, 1)
	assert.Equal(t, runID, resumer.calls[0].runID)
	assert.True(t, jobs.jobs[0].Claimed)
}

func TestSuspensionManager_StartStopSweeper(t *testing.T) {
	m := NewSuspensionManager(newFakeSuspensionRepo(), &fakeScheduledJobRepo{})
	m.SetOrchestrator(&fakeResumer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartSweeper(ctx)
	m.StopSweeper()
}
