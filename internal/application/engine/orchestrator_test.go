package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/application/dispatch"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/mbflow/orchestrator/pkg/models"
)

// --- in-memory fakes -------------------------------------------------

type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*storagemodels.RunModel
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[uuid.UUID]*storagemodels.RunModel)}
}

func (r *fakeRunRepo) Create(ctx context.Context, run *storagemodels.RunModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.CreatedAt = time.Now()
	clone := *run
	r.runs[run.ID] = &clone
	return nil
}

func (r *fakeRunRepo) Update(ctx context.Context, run *storagemodels.RunModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *run
	r.runs[run.ID] = &clone
	return nil
}

func (r *fakeRunRepo) FindByID(ctx context.Context, id uuid.UUID) (*storagemodels.RunModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

func (r *fakeRunRepo) FindByWorkflowID(ctx context.Context, workflowID uuid.UUID, limit, offset int) ([]*storagemodels.RunModel, error) {
	return nil, nil
}

func (r *fakeRunRepo) FindByParentRunID(ctx context.Context, parentRunID uuid.UUID) ([]*storagemodels.RunModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*storagemodels.RunModel
	for _, run := range r.runs {
		if run.ParentRunID != nil && *run.ParentRunID == parentRunID {
			clone := *run
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeRunRepo) FindActiveByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*storagemodels.RunModel, error) {
	return nil, nil
}

func (r *fakeRunRepo) Count(ctx context.Context) (int, error) { return len(r.runs), nil }

func (r *fakeRunRepo) Delete(ctx context.Context, id uuid.UUID) error {
	delete(r.runs, id)
	return nil
}

func (r *fakeRunRepo) FindWithCursor(ctx context.Context, filters repository.RunFilters, cursor *uuid.UUID, limit int) ([]*storagemodels.RunModel, error) {
	return nil, nil
}

func (r *fakeRunRepo) WithAdvisoryLock(ctx context.Context, runID uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var _ repository.RunRepository = (*fakeRunRepo)(nil)

type fakeEventRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID][]*storagemodels.EventModel
	seen   map[string]bool
	seq    int64
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: make(map[uuid.UUID][]*storagemodels.EventModel), seen: make(map[string]bool)}
}

func (e *fakeEventRepo) Append(ctx context.Context, event *storagemodels.EventModel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen[event.IdempotencyKey] {
		return models.ErrDuplicateEvent
	}
	e.seen[event.IdempotencyKey] = true
	e.seq++
	event.Sequence = e.seq
	event.ID = uuid.New()
	event.CreatedAt = time.Now()
	e.events[event.RunID] = append(e.events[event.RunID], event)
	return nil
}

func (e *fakeEventRepo) FindByRunID(ctx context.Context, runID uuid.UUID) ([]*storagemodels.EventModel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*storagemodels.EventModel(nil), e.events[runID]...), nil
}

func (e *fakeEventRepo) FindByRunIDSince(ctx context.Context, runID uuid.UUID, since int64) ([]*storagemodels.EventModel, error) {
	return nil, nil
}

func (e *fakeEventRepo) FindByRunAndNode(ctx context.Context, runID uuid.UUID, nodeID string) ([]*storagemodels.EventModel, error) {
	return nil, nil
}

func (e *fakeEventRepo) FindLatestByRunID(ctx context.Context, runID uuid.UUID) (*storagemodels.EventModel, error) {
	return nil, nil
}

func (e *fakeEventRepo) CountByRunID(ctx context.Context, runID uuid.UUID) (int, error) { return 0, nil }

var _ repository.EventRepository = (*fakeEventRepo)(nil)

type fakeWorkflowRepo struct {
	draftGraph *models.Graph
}

func (w *fakeWorkflowRepo) Create(ctx context.Context, wf *storagemodels.WorkflowModel) error { return nil }
func (w *fakeWorkflowRepo) Update(ctx context.Context, wf *storagemodels.WorkflowModel) error { return nil }
func (w *fakeWorkflowRepo) Delete(ctx context.Context, id uuid.UUID) error                     { return nil }

func (w *fakeWorkflowRepo) FindByID(ctx context.Context, id uuid.UUID) (*storagemodels.WorkflowModel, error) {
	blob, err := graphToJSONB(w.draftGraph)
	if err != nil {
		return nil, err
	}
	return &storagemodels.WorkflowModel{ID: id, DraftGraph: blob, Status: "draft"}, nil
}

func (w *fakeWorkflowRepo) FindByName(ctx context.Context, name string) (*storagemodels.WorkflowModel, error) {
	return nil, nil
}
func (w *fakeWorkflowRepo) FindAll(ctx context.Context, limit, offset int) ([]*storagemodels.WorkflowModel, error) {
	return nil, nil
}
func (w *fakeWorkflowRepo) FindAllWithFilters(ctx context.Context, filters repository.WorkflowFilters, limit, offset int) ([]*storagemodels.WorkflowModel, error) {
	return nil, nil
}
func (w *fakeWorkflowRepo) Count(ctx context.Context) (int, error) { return 0, nil }
func (w *fakeWorkflowRepo) CountWithFilters(ctx context.Context, filters repository.WorkflowFilters) (int, error) {
	return 0, nil
}
func (w *fakeWorkflowRepo) IncrementShareKillSwitch(ctx context.Context, id uuid.UUID) (int, error) {
	return 0, nil
}
func (w *fakeWorkflowRepo) Publish(ctx context.Context, workflowID uuid.UUID, notes string, createdBy *uuid.UUID) (*storagemodels.WorkflowVersionModel, error) {
	return nil, nil
}
func (w *fakeWorkflowRepo) Rollback(ctx context.Context, workflowID, versionID uuid.UUID) error {
	return nil
}
func (w *fakeWorkflowRepo) DiscardVersion(ctx context.Context, versionID uuid.UUID) error { return nil }
func (w *fakeWorkflowRepo) FindVersionByID(ctx context.Context, id uuid.UUID) (*storagemodels.WorkflowVersionModel, error) {
	return nil, models.ErrVersionNotFound
}
func (w *fakeWorkflowRepo) FindVersionsByWorkflowID(ctx context.Context, workflowID uuid.UUID) ([]*storagemodels.WorkflowVersionModel, error) {
	return nil, nil
}
func (w *fakeWorkflowRepo) FindActiveVersion(ctx context.Context, workflowID uuid.UUID) (*storagemodels.WorkflowVersionModel, error) {
	return nil, models.ErrNoActiveVersion
}

var _ repository.WorkflowRepository = (*fakeWorkflowRepo)(nil)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []*dispatch.Job
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, job *dispatch.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *fakeDispatcher) last() *dispatch.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.jobs) == 0 {
		return nil
	}
	return d.jobs[len(d.jobs)-1]
}

var _ JobDispatcher = (*fakeDispatcher)(nil)

type noopSecrets struct{}

func (noopSecrets) GetSecrets(ctx context.Context, workflowID string) (map[string]interface{}, error) {
	return nil, nil
}

var _ SecretProvider = noopSecrets{}

type noopCancelPub struct{}

func (noopCancelPub) PublishCancel(ctx context.Context, runID string) error { return nil }

var _ CancellationPublisher = noopCancelPub{}

// --- helpers -----------------------------------------------------------

func linearGraph() *models.Graph {
	return &models.Graph{
		Nodes: []*models.Node{
			{ID: "a", Type: models.NodeTypeHTTP},
			{ID: "b", Type: models.NodeTypeHTTP},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "a", Target: "b", RouteTo: "success"},
		},
	}
}

func newOrchestratorHarness(graph *models.Graph) (*Orchestrator, *RunLifecycleManager, *fakeRunRepo, *fakeDispatcher) {
	runs := newFakeRunRepo()
	events := newFakeEventRepo()
	workflows := &fakeWorkflowRepo{draftGraph: graph}
	dispatcher := &fakeDispatcher{}

	lifecycle := NewRunLifecycleManager(runs, events, workflows, dispatcher, noopSecrets{}, noopCancelPub{})
	router := NewRouterEvaluator(NewConditionCache(16))
	subflows := NewSubFlowCoordinator(lifecycle, runs, nil)
	maps := NewMapCoordinator(lifecycle, runs, nil)
	orch := NewOrchestrator(runs, lifecycle, router, subflows, maps)
	return orch, lifecycle, runs, dispatcher
}

// --- tests ---------------------------------------------------------------

func TestOrchestrator_Advance_DispatchesNextNodeOnSuccess(t *testing.T) {
	ctx := context.Background()
	orch, lifecycle, runs, dispatcher := newOrchestratorHarness(linearGraph())

	run, err := lifecycle.Create(ctx, CreateRunRequest{WorkflowID: uuid.New().String(), TriggerType: "manual"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := lifecycle.Start(ctx, run.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	job := dispatcher.last()
	if job == nil || job.ID != "a" {
		t.Fatalf("expected root node a dispatched, got %+v", job)
	}

	result := &dispatch.Result{NodeID: "a", RunID: run.ID.String(), StatusCode: 200, Body: map[string]interface{}{"ok": true}}
	if err := orch.HandleResult(ctx, result); err != nil {
		t.Fatalf("HandleResult() error = %v", err)
	}

	job = dispatcher.last()
	if job == nil || job.ID != "b" {
		t.Fatalf("expected node b dispatched after a completes, got %+v", job)
	}

	updated, err := runs.FindByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if updated.IsTerminal() {
		t.Errorf("run should not be terminal yet, node b still running")
	}
}

func TestOrchestrator_Advance_RunCompletesWhenAllNodesTerminal(t *testing.T) {
	ctx := context.Background()
	orch, lifecycle, runs, _ := newOrchestratorHarness(linearGraph())

	run, _ := lifecycle.Create(ctx, CreateRunRequest{WorkflowID: uuid.New().String(), TriggerType: "manual"})
	_ = lifecycle.Start(ctx, run.ID)

	if err := orch.HandleResult(ctx, &dispatch.Result{NodeID: "a", RunID: run.ID.String(), StatusCode: 200, Body: map[string]interface{}{"step": "a"}}); err != nil {
		t.Fatalf("HandleResult(a) error = %v", err)
	}
	if err := orch.HandleResult(ctx, &dispatch.Result{NodeID: "b", RunID: run.ID.String(), StatusCode: 200, Body: map[string]interface{}{"step": "b"}}); err != nil {
		t.Fatalf("HandleResult(b) error = %v", err)
	}

	updated, err := runs.FindByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if !updated.IsCompleted() {
		t.Errorf("expected run completed, got status %q", updated.Status)
	}
}

func TestOrchestrator_Advance_RetriesFailedNodeWithinBudget(t *testing.T) {
	ctx := context.Background()
	graph := &models.Graph{Nodes: []*models.Node{{ID: "a", Type: models.NodeTypeHTTP, Config: map[string]interface{}{"max_retries": 1}}}}
	orch, lifecycle, runs, dispatcher := newOrchestratorHarness(graph)

	run, _ := lifecycle.Create(ctx, CreateRunRequest{WorkflowID: uuid.New().String(), TriggerType: "manual"})
	_ = lifecycle.Start(ctx, run.ID)

	if err := orch.HandleResult(ctx, &dispatch.Result{NodeID: "a", RunID: run.ID.String(), StatusCode: 500, Body: map[string]interface{}{"error": "boom"}}); err != nil {
		t.Fatalf("HandleResult() error = %v", err)
	}

	job := dispatcher.last()
	if job == nil || job.RetryCount != 1 {
		t.Fatalf("expected a retried dispatch at retry count 1, got %+v", job)
	}

	updated, _ := runs.FindByID(ctx, run.ID)
	if updated.IsTerminal() {
		t.Errorf("run should still be in flight during retry, got status %q", updated.Status)
	}

	if err := orch.HandleResult(ctx, &dispatch.Result{NodeID: "a", RunID: run.ID.String(), StatusCode: 500, Body: map[string]interface{}{"error": "boom again"}}); err != nil {
		t.Fatalf("HandleResult() error = %v", err)
	}
	updated, _ = runs.FindByID(ctx, run.ID)
	if !updated.IsFailed() {
		t.Errorf("expected run failed once retry budget is exhausted, got status %q", updated.Status)
	}
}

func TestOrchestrator_Advance_RouterFiresMatchingEdgeInline(t *testing.T) {
	ctx := context.Background()
	graph := &models.Graph{
		Nodes: []*models.Node{
			{ID: "a", Type: models.NodeTypeHTTP},
			{ID: "route", Type: models.NodeTypeRouter, Config: map[string]interface{}{
				"mode": "first_match", "route_by": "{{a.tier}}",
				"conditions": []map[string]interface{}{{"id": "gold", "expression": `value == "gold"`}},
			}},
			{ID: "goldPath", Type: models.NodeTypeHTTP},
			{ID: "otherPath", Type: models.NodeTypeHTTP},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "a", Target: "route"},
			{ID: "e2", Source: "route", Target: "goldPath", Metadata: map[string]interface{}{"source_handle": "gold"}},
			{ID: "e3", Source: "route", Target: "otherPath", Metadata: map[string]interface{}{"source_handle": "other"}},
		},
	}
	orch, lifecycle, runs, dispatcher := newOrchestratorHarness(graph)

	run, _ := lifecycle.Create(ctx, CreateRunRequest{WorkflowID: uuid.New().String(), TriggerType: "manual"})
	_ = lifecycle.Start(ctx, run.ID)

	if err := orch.HandleResult(ctx, &dispatch.Result{NodeID: "a", RunID: run.ID.String(), StatusCode: 200, Body: map[string]interface{}{"tier": "gold"}}); err != nil {
		t.Fatalf("HandleResult() error = %v", err)
	}

	job := dispatcher.last()
	if job == nil || job.ID != "goldPath" {
		t.Fatalf("expected goldPath dispatched through router, got %+v", job)
	}

	state, err := lifecycle.foldState(ctx, run.ID)
	if err != nil {
		t.Fatalf("foldState() error = %v", err)
	}
	if state.NodeStatus["otherPath"] != models.NodeRuntimeSkipped {
		t.Errorf("expected otherPath skipped, got %v", state.NodeStatus["otherPath"])
	}
}

func TestOrchestrator_HandleResult_CancelledOutcomeIsANoOp(t *testing.T) {
	ctx := context.Background()
	orch, lifecycle, runs, dispatcher := newOrchestratorHarness(linearGraph())

	run, _ := lifecycle.Create(ctx, CreateRunRequest{WorkflowID: uuid.New().String(), TriggerType: "manual"})
	_ = lifecycle.Start(ctx, run.ID)
	before := len(dispatcher.jobs)

	if err := orch.HandleResult(ctx, &dispatch.Result{NodeID: "a", RunID: run.ID.String(), StatusCode: 499}); err != nil {
		t.Fatalf("HandleResult() error = %v", err)
	}

	if len(dispatcher.jobs) != before {
		t.Errorf("expected no dispatch for a cancelled result, jobs went from %d to %d", before, len(dispatcher.jobs))
	}

	updated, _ := runs.FindByID(ctx, run.ID)
	if updated.IsTerminal() {
		t.Errorf("a cancelled result should not advance the run on its own")
	}
}
