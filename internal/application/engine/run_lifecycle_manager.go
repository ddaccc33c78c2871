package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/application/dispatch"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/mbflow/orchestrator/pkg/models"
)

// CreateRunRequest describes a new run to start. VersionID is set by
// callers that must pin an exact graph snapshot (a subflow or map child);
// it is left empty for manual/webhook/cron triggers, which resolve their
// graph from the workflow's draft or active version instead.
type CreateRunRequest struct {
	WorkflowID   string
	TriggerType  string
	Input        map[string]interface{}
	VersionID    string
	ParentRunID  string
	ParentNodeID string
	Depth        int
}

// RunLifecycleManager owns the state transitions a run goes through
// outside of the per-step orchestration logic: creation, the initial
// dispatch of root nodes, terminal detection, and cancellation. Start and
// Cancel wrap their work in RunRepository.WithAdvisoryLock so two callers
// can never race on the same run; CheckTerminal takes no lock of its own
// and is called from inside the Orchestrator's locked step.
type RunLifecycleManager struct {
	runs       repository.RunRepository
	events     repository.EventRepository
	workflows  repository.WorkflowRepository
	dispatcher JobDispatcher
	secrets    SecretProvider
	cancelPub  CancellationPublisher
	builder    *dispatch.Builder
}

// NewRunLifecycleManager wires a RunLifecycleManager against its
// persistence and bus dependencies.
func NewRunLifecycleManager(
	runs repository.RunRepository,
	events repository.EventRepository,
	workflows repository.WorkflowRepository,
	dispatcher JobDispatcher,
	secrets SecretProvider,
	cancelPub CancellationPublisher,
) *RunLifecycleManager {
	return &RunLifecycleManager{
		runs:       runs,
		events:     events,
		workflows:  workflows,
		dispatcher: dispatcher,
		secrets:    secrets,
		cancelPub:  cancelPub,
		builder:    dispatch.NewBuilder(),
	}
}

// Create resolves the graph this run will execute against and writes the
// run row in pending status. It does not schedule any node; call Start
// once the caller is ready for root nodes to begin dispatching.
func (m *RunLifecycleManager) Create(ctx context.Context, req CreateRunRequest) (*storagemodels.RunModel, error) {
	workflowID, err := parseUUID(req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("run lifecycle: invalid workflow id: %w", err)
	}

	var explicitVersionID *uuid.UUID
	if req.VersionID != "" {
		vid, err := parseUUID(req.VersionID)
		if err != nil {
			return nil, fmt.Errorf("run lifecycle: invalid version id: %w", err)
		}
		explicitVersionID = &vid
	}

	graph, resolvedVersionID, err := m.resolveGraph(ctx, workflowID, req.TriggerType, explicitVersionID)
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("run lifecycle: invalid graph: %w", err)
	}

	snapshot, err := graphToJSONB(graph)
	if err != nil {
		return nil, err
	}

	run := &storagemodels.RunModel{
		WorkflowID:    workflowID,
		VersionID:     resolvedVersionID,
		SnapshotGraph: snapshot,
		Status:        "pending",
		TriggerType:   req.TriggerType,
		InputData:     storagemodels.JSONBMap(req.Input),
		ParentNodeID:  req.ParentNodeID,
		Depth:         req.Depth,
	}
	if req.ParentRunID != "" {
		parentID, err := parseUUID(req.ParentRunID)
		if err != nil {
			return nil, fmt.Errorf("run lifecycle: invalid parent run id: %w", err)
		}
		run.ParentRunID = &parentID
	}

	if err := m.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// resolveGraph implements the per-trigger-type graph resolution rule: an
// explicit version always wins; webhook/cron/subflow/map fall back to the
// workflow's active published version; anything else (manual) runs the
// mutable draft.
func (m *RunLifecycleManager) resolveGraph(ctx context.Context, workflowID uuid.UUID, triggerType string, explicitVersionID *uuid.UUID) (*models.Graph, *uuid.UUID, error) {
	if explicitVersionID != nil {
		version, err := m.workflows.FindVersionByID(ctx, *explicitVersionID)
		if err != nil {
			return nil, nil, err
		}
		graph, err := graphFromJSONB(version.Graph)
		if err != nil {
			return nil, nil, err
		}
		return graph, explicitVersionID, nil
	}

	switch triggerType {
	case "webhook", "cron", "subflow", "map":
		version, err := m.workflows.FindActiveVersion(ctx, workflowID)
		if err != nil {
			return nil, nil, models.ErrNoActiveVersion
		}
		graph, err := graphFromJSONB(version.Graph)
		if err != nil {
			return nil, nil, err
		}
		return graph, &version.ID, nil
	default:
		workflow, err := m.workflows.FindByID(ctx, workflowID)
		if err != nil {
			return nil, nil, err
		}
		graph, err := graphFromJSONB(workflow.DraftGraph)
		if err != nil {
			return nil, nil, err
		}
		return graph, nil, nil
	}
}

// Start transitions a pending run to running and schedules its root
// nodes: nodes with no incoming edge, or every node if the graph has no
// such node (a single isolated node, or a cycle with no clear entry).
func (m *RunLifecycleManager) Start(ctx context.Context, runID uuid.UUID) error {
	return m.runs.WithAdvisoryLock(ctx, runID, func(ctx context.Context) error {
		run, err := m.runs.FindByID(ctx, runID)
		if err != nil {
			return err
		}
		if !run.IsPending() {
			return nil
		}

		graph, err := graphFromJSONB(run.SnapshotGraph)
		if err != nil {
			return err
		}

		run.MarkStarted()
		if err := m.runs.Update(ctx, run); err != nil {
			return err
		}
		if err := m.appendEvent(ctx, runID, "", models.EventTypeRunStarted, 0, nil); err != nil {
			return err
		}

		secrets, err := m.secretsFor(ctx, run.WorkflowID.String())
		if err != nil {
			return err
		}
		trigger := map[string]interface{}(run.InputData)

		for _, node := range rootNodes(graph) {
			if err := m.scheduleNode(ctx, run, node, trigger, secrets, nil, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

// scheduleNode records a node.dispatched event and enqueues the
// corresponding job. It is also used by the Orchestrator when it
// advances a run past a completed node, so it lives here rather than
// being duplicated.
func (m *RunLifecycleManager) scheduleNode(ctx context.Context, run *storagemodels.RunModel, node *models.Node, trigger, secrets map[string]interface{}, nodeOutputs map[string]map[string]interface{}, retryCount int) error {
	if err := m.appendEvent(ctx, run.ID, node.ID, models.EventTypeNodeDispatched, retryCount, nil); err != nil {
		return err
	}

	maxRetries := maxRetriesFor(node)

	job, err := m.builder.Build(node, run.ID.String(), run.Depth, retryCount, maxRetries, secrets, trigger, nodeOutputs)
	if err != nil {
		return err
	}
	return m.dispatcher.Enqueue(ctx, job)
}

// CheckTerminal recomputes whether every node in the run's graph has
// reached a terminal status and, if so, closes the run out. It is safe
// to call repeatedly — a run already in a terminal status is a no-op.
func (m *RunLifecycleManager) CheckTerminal(ctx context.Context, runID uuid.UUID) (bool, error) {
	run, err := m.runs.FindByID(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.IsTerminal() {
		return true, nil
	}

	graph, err := graphFromJSONB(run.SnapshotGraph)
	if err != nil {
		return false, err
	}

	state, err := m.foldState(ctx, runID)
	if err != nil {
		return false, err
	}
	if !state.AllTerminal(graph.NodeIDs()) {
		return false, nil
	}

	output := assembleOutput(graph, state)
	blob := storagemodels.JSONBMap(output)

	if state.AnyFailed() {
		run.MarkFailed("one or more nodes failed")
		if err := m.runs.Update(ctx, run); err != nil {
			return false, err
		}
		if err := m.appendEvent(ctx, runID, "", models.EventTypeRunFailed, 0, map[string]interface{}{"output": output}); err != nil {
			return false, err
		}
	} else {
		run.MarkCompleted(blob)
		if err := m.runs.Update(ctx, run); err != nil {
			return false, err
		}
		if err := m.appendEvent(ctx, runID, "", models.EventTypeRunCompleted, 0, map[string]interface{}{"output": output}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Cancel cancels a run still in a cancelable status (pending, running, or
// suspended) and notifies the cooperative cancellation channel so any
// in-flight work stops checking in as soon as it next looks.
func (m *RunLifecycleManager) Cancel(ctx context.Context, runID uuid.UUID) error {
	return m.runs.WithAdvisoryLock(ctx, runID, func(ctx context.Context) error {
		run, err := m.runs.FindByID(ctx, runID)
		if err != nil {
			return err
		}
		switch run.Status {
		case "pending", "running", "suspended":
		default:
			return models.ErrRunNotCancelable
		}

		run.MarkCancelled()
		if err := m.runs.Update(ctx, run); err != nil {
			return err
		}
		if err := m.appendEvent(ctx, runID, "", models.EventTypeRunCancelled, 0, nil); err != nil {
			return err
		}
		if m.cancelPub == nil {
			return nil
		}
		return m.cancelPub.PublishCancel(ctx, runID.String())
	})
}

// foldState replays a run's event log into a RunState.
func (m *RunLifecycleManager) foldState(ctx context.Context, runID uuid.UUID) (*models.RunState, error) {
	events, err := m.events.FindByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	state := models.NewRunState(runID.String())
	for _, e := range events {
		state.Apply(eventToDomain(e))
	}
	return state, nil
}

func (m *RunLifecycleManager) secretsFor(ctx context.Context, workflowID string) (map[string]interface{}, error) {
	if m.secrets == nil {
		return nil, nil
	}
	return m.secrets.GetSecrets(ctx, workflowID)
}

// appendEvent appends an event and treats a duplicate idempotency key as
// success: the event is already recorded, which is exactly what the
// caller wanted.
func (m *RunLifecycleManager) appendEvent(ctx context.Context, runID uuid.UUID, nodeID, eventType string, retryCount int, payload map[string]interface{}) error {
	err := m.events.Append(ctx, newEventModel(runID, nodeID, eventType, retryCount, payload))
	if err != nil && !errors.Is(err, models.ErrDuplicateEvent) {
		return err
	}
	return nil
}

// rootNodes returns the nodes with no incoming edge, or every node in the
// graph if none qualify.
func rootNodes(graph *models.Graph) []*models.Node {
	hasIncoming := make(map[string]bool, len(graph.Nodes))
	for _, e := range graph.Edges {
		hasIncoming[e.Target] = true
	}
	var roots []*models.Node
	for _, n := range graph.Nodes {
		if !hasIncoming[n.ID] {
			roots = append(roots, n)
		}
	}
	if len(roots) == 0 {
		return graph.Nodes
	}
	return roots
}

// leafNodeIDs returns the nodes with no outgoing edge — the run's output
// surface.
func leafNodeIDs(graph *models.Graph) []string {
	var leaves []string
	for _, n := range graph.Nodes {
		if len(graph.OutEdges(n.ID)) == 0 {
			leaves = append(leaves, n.ID)
		}
	}
	return leaves
}

// assembleOutput builds a run's final output from its leaf nodes' folded
// outputs: a single leaf's output stands alone, multiple leaves are
// reported as a map keyed by node ID.
func assembleOutput(graph *models.Graph, state *models.RunState) map[string]interface{} {
	leaves := leafNodeIDs(graph)
	if len(leaves) == 1 {
		return state.NodeOutput[leaves[0]]
	}
	out := make(map[string]interface{}, len(leaves))
	for _, id := range leaves {
		out[id] = state.NodeOutput[id]
	}
	return out
}

// maxRetriesFor resolves a node's retry budget: the node-type default,
// overridden by an explicit max_retries in its config when one is set.
func maxRetriesFor(node *models.Node) int {
	maxRetries := models.DefaultMaxRetries(node.Type)
	if override := intFromNodeConfig(node, "max_retries"); override >= 0 {
		maxRetries = override
	}
	return maxRetries
}

// intFromNodeConfig reads an integer override from a node's config,
// returning -1 if absent so callers can distinguish "not set" from zero.
func intFromNodeConfig(node *models.Node, key string) int {
	if node.Config == nil {
		return -1
	}
	switch v := node.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return -1
	}
}
