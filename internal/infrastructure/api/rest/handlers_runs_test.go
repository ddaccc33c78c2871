package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/mbflow/orchestrator/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRunRepo is an in-memory stand-in for repository.RunRepository.
type fakeRunRepo struct {
	runs map[uuid.UUID]*storagemodels.RunModel
}

var _ repository.RunRepository = (*fakeRunRepo)(nil)

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[uuid.UUID]*storagemodels.RunModel)}
}

func (r *fakeRunRepo) Create(ctx context.Context, run *storagemodels.RunModel) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	r.runs[run.ID] = run
	return nil
}
func (r *fakeRunRepo) Update(ctx context.Context, run *storagemodels.RunModel) error {
	if _, ok := r.runs[run.ID]; !ok {
		return models.ErrRunNotFound
	}
	r.runs[run.ID] = run
	return nil
}
func (r *fakeRunRepo) FindByID(ctx context.Context, id uuid.UUID) (*storagemodels.RunModel, error) {
	run, ok := r.runs[id]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	return run, nil
}
func (r *fakeRunRepo) FindByWorkflowID(ctx context.Context, workflowID uuid.UUID, limit, offset int) ([]*storagemodels.RunModel, error) {
	return nil, nil
}
func (r *fakeRunRepo) FindByParentRunID(ctx context.Context, parentRunID uuid.UUID) ([]*storagemodels.RunModel, error) {
	var out []*storagemodels.RunModel
	for _, run := range r.runs {
		if run.ParentRunID != nil && *run.ParentRunID == parentRunID {
			out = append(out, run)
		}
	}
	return out, nil
}
func (r *fakeRunRepo) FindActiveByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*storagemodels.RunModel, error) {
	var out []*storagemodels.RunModel
	for _, run := range r.runs {
		if run.WorkflowID == workflowID && !run.IsTerminal() {
			out = append(out, run)
		}
	}
	return out, nil
}
func (r *fakeRunRepo) Count(ctx context.Context) (int, error) { return len(r.runs), nil }
func (r *fakeRunRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := r.runs[id]; !ok {
		return models.ErrRunNotFound
	}
	delete(r.runs, id)
	return nil
}
func (r *fakeRunRepo) FindWithCursor(ctx context.Context, filters repository.RunFilters, cursor *uuid.UUID, limit int) ([]*storagemodels.RunModel, error) {
	var out []*storagemodels.RunModel
	for _, run := range r.runs {
		if filters.WorkflowID != nil && run.WorkflowID != *filters.WorkflowID {
			continue
		}
		if filters.Status != nil && run.Status != *filters.Status {
			continue
		}
		out = append(out, run)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (r *fakeRunRepo) WithAdvisoryLock(ctx context.Context, runID uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeEventRepo is an in-memory stand-in for repository.EventRepository.
type fakeEventRepo struct {
	byRun map[uuid.UUID][]*storagemodels.EventModel
}

var _ repository.EventRepository = (*fakeEventRepo)(nil)

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{byRun: make(map[uuid.UUID][]*storagemodels.EventModel)}
}

func (r *fakeEventRepo) Append(ctx context.Context, event *storagemodels.EventModel) error {
	r.byRun[event.RunID] = append(r.byRun[event.RunID], event)
	return nil
}
func (r *fakeEventRepo) FindByRunID(ctx context.Context, runID uuid.UUID) ([]*storagemodels.EventModel, error) {
	return r.byRun[runID], nil
}
func (r *fakeEventRepo) FindByRunIDSince(ctx context.Context, runID uuid.UUID, sinceSequence int64) ([]*storagemodels.EventModel, error) {
	return r.byRun[runID], nil
}
func (r *fakeEventRepo) FindByRunAndNode(ctx context.Context, runID uuid.UUID, nodeID string) ([]*storagemodels.EventModel, error) {
	return nil, nil
}
func (r *fakeEventRepo) FindLatestByRunID(ctx context.Context, runID uuid.UUID) (*storagemodels.EventModel, error) {
	events := r.byRun[runID]
	if len(events) == 0 {
		return nil, models.ErrRunNotFound
	}
	return events[len(events)-1], nil
}
func (r *fakeEventRepo) CountByRunID(ctx context.Context, runID uuid.UUID) (int, error) {
	return len(r.byRun[runID]), nil
}

func newTestContext(method, target string, body string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	c.Request = httptest.NewRequest(method, target, reqBody)
	c.Request.Header.Set("Content-Type", "application/json")
	return c, w
}

// ==================== HandleListRuns Tests ====================

func TestRunHandlers_HandleListRuns(t *testing.T) {
	runs := newFakeRunRepo()
	workflowID := uuid.New()
	runs.runs[uuid.New()] = &storagemodels.RunModel{ID: uuid.New(), WorkflowID: workflowID, Status: "completed"}
	runs.runs[uuid.New()] = &storagemodels.RunModel{ID: uuid.New(), WorkflowID: uuid.New(), Status: "running"}

	h := NewRunHandlers(runs, newFakeEventRepo(), nil, nil, nil)

	c, w := newTestContext(http.MethodGet, "/runs?workflowId="+workflowID.String(), "")
	h.HandleListRuns(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), workflowID.String())
}

func TestRunHandlers_HandleListRuns_InvalidWorkflowID(t *testing.T) {
	h := NewRunHandlers(newFakeRunRepo(), newFakeEventRepo(), nil, nil, nil)

	c, w := newTestContext(http.MethodGet, "/runs?workflowId=not-a-uuid", "")
	h.HandleListRuns(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ==================== HandleUpdateRun Tests ====================

func TestRunHandlers_HandleUpdateRun_Pin(t *testing.T) {
	runs := newFakeRunRepo()
	runID := uuid.New()
	runs.runs[runID] = &storagemodels.RunModel{ID: runID, Status: "completed", Pinned: false}

	h := NewRunHandlers(runs, newFakeEventRepo(), nil, nil, nil)

	c, w := newTestContext(http.MethodPatch, "/runs/"+runID.String(), `{"pinned":true}`)
	c.Params = gin.Params{{Key: "run_id", Value: runID.String()}}
	h.HandleUpdateRun(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, runs.runs[runID].Pinned)
}

func TestRunHandlers_HandleUpdateRun_NotFound(t *testing.T) {
	h := NewRunHandlers(newFakeRunRepo(), newFakeEventRepo(), nil, nil, nil)

	id := uuid.New()
	c, w := newTestContext(http.MethodPatch, "/runs/"+id.String(), `{"pinned":true}`)
	c.Params = gin.Params{{Key: "run_id", Value: id.String()}}
	h.HandleUpdateRun(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ==================== HandleDeleteRun Tests ====================

func TestRunHandlers_HandleDeleteRun_Terminal(t *testing.T) {
	runs := newFakeRunRepo()
	runID := uuid.New()
	runs.runs[runID] = &storagemodels.RunModel{ID: runID, Status: "completed"}

	h := NewRunHandlers(runs, newFakeEventRepo(), nil, nil, nil)

	c, w := newTestContext(http.MethodDelete, "/runs/"+runID.String(), "")
	c.Params = gin.Params{{Key: "run_id", Value: runID.String()}}
	h.HandleDeleteRun(c)

	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok := runs.runs[runID]
	assert.False(t, ok)
}

func TestRunHandlers_HandleDeleteRun_NotTerminal(t *testing.T) {
	runs := newFakeRunRepo()
	runID := uuid.New()
	runs.runs[runID] = &storagemodels.RunModel{ID: runID, Status: "running"}

	h := NewRunHandlers(runs, newFakeEventRepo(), nil, nil, nil)

	c, w := newTestContext(http.MethodDelete, "/runs/"+runID.String(), "")
	c.Params = gin.Params{{Key: "run_id", Value: runID.String()}}
	h.HandleDeleteRun(c)

	assert.Equal(t, http.StatusConflict, w.Code)
	_, ok := runs.runs[runID]
	assert.True(t, ok, "non-terminal run must not be deleted")
}

// ==================== HandleActiveRun Tests ====================

func TestRunHandlers_HandleActiveRun(t *testing.T) {
	runs := newFakeRunRepo()
	events := newFakeEventRepo()
	workflowID := uuid.New()
	runID := uuid.New()
	runs.runs[runID] = &storagemodels.RunModel{ID: runID, WorkflowID: workflowID, Status: "running"}
	events.byRun[runID] = []*storagemodels.EventModel{{RunID: runID, EventType: "node_started"}}

	h := NewRunHandlers(runs, events, nil, nil, nil)

	c, w := newTestContext(http.MethodGet, "/runs/active?workflowId="+workflowID.String(), "")
	h.HandleActiveRun(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "node_started")
}

func TestRunHandlers_HandleActiveRun_MissingParam(t *testing.T) {
	h := NewRunHandlers(newFakeRunRepo(), newFakeEventRepo(), nil, nil, nil)

	c, w := newTestContext(http.MethodGet, "/runs/active", "")
	h.HandleActiveRun(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunHandlers_HandleActiveRun_NoneActive(t *testing.T) {
	h := NewRunHandlers(newFakeRunRepo(), newFakeEventRepo(), nil, nil, nil)

	c, w := newTestContext(http.MethodGet, "/runs/active?workflowId="+uuid.New().String(), "")
	h.HandleActiveRun(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ==================== HandleGetRun / HandleListRunEvents Tests ====================

func TestRunHandlers_HandleGetRun(t *testing.T) {
	runs := newFakeRunRepo()
	runID := uuid.New()
	runs.runs[runID] = &storagemodels.RunModel{ID: runID, Status: "completed"}

	h := NewRunHandlers(runs, newFakeEventRepo(), nil, nil, nil)

	c, w := newTestContext(http.MethodGet, "/runs/"+runID.String(), "")
	c.Params = gin.Params{{Key: "run_id", Value: runID.String()}}
	h.HandleGetRun(c)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunHandlers_HandleListRunEvents(t *testing.T) {
	events := newFakeEventRepo()
	runID := uuid.New()
	events.byRun[runID] = []*storagemodels.EventModel{{RunID: runID, EventType: "run_started"}}

	h := NewRunHandlers(newFakeRunRepo(), events, nil, nil, nil)

	c, w := newTestContext(http.MethodGet, "/runs/"+runID.String()+"/events", "")
	c.Params = gin.Params{{Key: "run_id", Value: runID.String()}}
	h.HandleListRunEvents(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "run_started")
}
