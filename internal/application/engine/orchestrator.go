package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/application/dispatch"
	"github.com/mbflow/orchestrator/internal/application/template"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/mbflow/orchestrator/pkg/models"
)

// Orchestrator advances a run one completed (or failed) node at a time.
// Everything it does for a single run happens under that run's advisory
// lock, so a result arriving for node A and another arriving for node B
// of the same run never race on the same folded state.
//
// A single orchestration step can itself complete several nodes
// synchronously — a chain of router nodes, say — before it has to wait
// on the next externally-dispatched job; progress implements that as a
// worklist rather than one node at a time.
type Orchestrator struct {
	runs        repository.RunRepository
	lifecycle   *RunLifecycleManager
	router      *RouterEvaluator
	subflows    *SubFlowCoordinator
	maps        *MapCoordinator
	suspensions SuspensionCreator
}

// NewOrchestrator wires an Orchestrator against the components it steps:
// the run lifecycle manager it delegates scheduling and terminal
// detection to, the router evaluator for inline router nodes, and the
// subflow/map coordinators for nodes whose completion arrives
// asynchronously through a child run rather than a worker result.
func NewOrchestrator(runs repository.RunRepository, lifecycle *RunLifecycleManager, router *RouterEvaluator, subflows *SubFlowCoordinator, maps *MapCoordinator) *Orchestrator {
	if router == nil {
		router = NewRouterEvaluator(nil)
	}
	return &Orchestrator{runs: runs, lifecycle: lifecycle, router: router, subflows: subflows, maps: maps}
}

// WithSuspensions attaches the suspension manager that webhook-wait and
// sleep nodes register against. It is set after construction (rather than
// threaded through NewOrchestrator) because trigger.SuspensionManager
// itself needs a reference back to the Orchestrator to resume nodes, and
// the two are easiest to wire as a pair once both exist.
func (o *Orchestrator) WithSuspensions(s SuspensionCreator) *Orchestrator {
	o.suspensions = s
	return o
}

// HandleResult is the bus-facing entry point: a worker (or an internal
// coordinator acting like one) reports what happened to the job it was
// given, and the orchestrator decides what that means for the run.
func (o *Orchestrator) HandleResult(ctx context.Context, result *dispatch.Result) error {
	runID, err := parseUUID(result.RunID)
	if err != nil {
		return fmt.Errorf("orchestrator: invalid run id in result: %w", err)
	}

	switch result.Outcome() {
	case "cancelled":
		// The run is already being torn down cooperatively; nothing to
		// advance.
		return nil
	case "success":
		return o.advance(ctx, runID, result.NodeID, true, result.Body, "")
	default:
		return o.advance(ctx, runID, result.NodeID, false, nil, resultErrorMessage(result))
	}
}

// Resume unblocks a suspended node (a resolved webhook-wait or a fired
// sleep timer) with the output the suspension carried. It is the
// SuspensionManager's entry point into the same advance/progress path a
// worker's Result takes, since a suspension resolving is just a delayed
// success for that node.
func (o *Orchestrator) Resume(ctx context.Context, runID uuid.UUID, nodeID string, output map[string]interface{}) error {
	return o.advance(ctx, runID, nodeID, true, output, "")
}

func resultErrorMessage(result *dispatch.Result) string {
	if result.Body != nil {
		if msg, ok := result.Body["error"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("job failed with status %d", result.StatusCode)
}

// advance folds the node's outcome into the run's state, retrying it if
// it failed and budget remains, then progresses the run from there.
func (o *Orchestrator) advance(ctx context.Context, runID uuid.UUID, nodeID string, success bool, output map[string]interface{}, errMsg string) error {
	return o.runs.WithAdvisoryLock(ctx, runID, func(ctx context.Context) error {
		run, err := o.runs.FindByID(ctx, runID)
		if err != nil {
			return err
		}
		if run.IsTerminal() {
			return nil
		}

		graph, err := graphFromJSONB(run.SnapshotGraph)
		if err != nil {
			return err
		}
		node, err := graph.GetNode(nodeID)
		if err != nil {
			return err
		}

		state, err := o.lifecycle.foldState(ctx, runID)
		if err != nil {
			return err
		}

		secrets, err := o.lifecycle.secretsFor(ctx, run.WorkflowID.String())
		if err != nil {
			return err
		}
		trigger := map[string]interface{}(run.InputData)

		if !success {
			retryCount := state.NodeRetries[nodeID]
			if retryCount < maxRetriesFor(node) {
				next := retryCount + 1
				if err := o.lifecycle.appendEvent(ctx, runID, nodeID, models.EventTypeNodeRetrying, next, map[string]interface{}{"error": errMsg}); err != nil {
					return err
				}
				return o.lifecycle.scheduleNode(ctx, run, node, trigger, secrets, state.NodeOutput, next)
			}
			if err := o.lifecycle.appendEvent(ctx, runID, nodeID, models.EventTypeNodeFailed, retryCount, map[string]interface{}{"error": errMsg}); err != nil {
				return err
			}
			state.NodeStatus[nodeID] = models.NodeRuntimeFailed
			state.NodeErrors[nodeID] = errMsg
		} else {
			if err := o.lifecycle.appendEvent(ctx, runID, nodeID, models.EventTypeNodeCompleted, state.NodeRetries[nodeID], map[string]interface{}{"output": output}); err != nil {
				return err
			}
			state.NodeStatus[nodeID] = models.NodeRuntimeCompleted
			state.NodeOutput[nodeID] = output
		}

		return o.progress(ctx, run, graph, state, nodeID, secrets, trigger)
	})
}

// progress walks the worklist of nodes whose completion might unblock a
// successor, starting from the node that just finished. Router nodes
// resolve inline and requeue themselves so a router-to-router chain
// settles within one step; every other node type hands off to the bus
// or a coordinator and is not requeued, since its completion will arrive
// later as its own call into advance or afterTerminal.
func (o *Orchestrator) progress(ctx context.Context, run *storagemodels.RunModel, graph *models.Graph, state *models.RunState, startNodeID string, secrets, trigger map[string]interface{}) error {
	queue := []string{startNodeID}
	seen := make(map[string]bool)
	dispatchedAsync := false

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		node, err := graph.GetNode(id)
		if err != nil {
			continue
		}

		outEdges := graph.OutEdges(id)
		fired := o.firedEdges(node, state, outEdges)
		firedTargets := make(map[string]bool, len(fired))
		for _, e := range fired {
			firedTargets[e.Target] = true
		}

		for _, e := range fired {
			target, err := graph.GetNode(e.Target)
			if err != nil {
				continue
			}
			if !readyForDispatch(target, state) || !readyToRun(graph, target, state) {
				continue
			}

			async, err := o.dispatchReady(ctx, run, target, state, secrets, trigger, &queue)
			if err != nil {
				return err
			}
			if async {
				dispatchedAsync = true
			}
		}

		for _, e := range outEdges {
			if firedTargets[e.Target] {
				continue
			}
			target, err := graph.GetNode(e.Target)
			if err != nil {
				continue
			}
			if state.NodeStatus[target.ID] != "" && state.NodeStatus[target.ID] != models.NodeRuntimeNotStarted {
				continue
			}
			if !readyToRun(graph, target, state) {
				continue
			}
			if err := o.lifecycle.appendEvent(ctx, run.ID, target.ID, models.EventTypeNodeSkipped, 0, nil); err != nil {
				return err
			}
			state.NodeStatus[target.ID] = models.NodeRuntimeSkipped
			queue = append(queue, target.ID)
		}
	}

	if dispatchedAsync {
		return nil
	}

	terminal, err := o.lifecycle.CheckTerminal(ctx, run.ID)
	if err != nil {
		return err
	}
	if !terminal {
		return nil
	}
	return o.afterTerminal(ctx, run.ID)
}

// readyForDispatch gates a fired edge's target against states that mean
// it's already been (or is being) handled: already terminal, already
// dispatched to a worker, mid-flight, or waiting on a suspension.
func readyForDispatch(node *models.Node, state *models.RunState) bool {
	switch state.NodeStatus[node.ID] {
	case "", models.NodeRuntimeNotStarted:
		return true
	default:
		return false
	}
}

// readyToRun reports whether every edge feeding into node has a source
// that has reached a terminal status — the join-wait condition a node
// with more than one incoming edge must satisfy before it may run or be
// declared dead.
func readyToRun(graph *models.Graph, node *models.Node, state *models.RunState) bool {
	for _, e := range graph.InEdges(node.ID) {
		if !state.NodeStatus[e.Source].IsTerminal() {
			return false
		}
	}
	return true
}

// dispatchReady hands a ready node off for execution. Router nodes
// evaluate inline and push themselves back onto the worklist so their
// own outgoing edges are processed in the same pass; subflow/map nodes
// suspend the parent node and dispatch a child run; everything else
// goes out on the jobs stream. The bool return reports whether this was
// an asynchronous dispatch the run must now wait on.
func (o *Orchestrator) dispatchReady(ctx context.Context, run *storagemodels.RunModel, node *models.Node, state *models.RunState, secrets, trigger map[string]interface{}, queue *[]string) (bool, error) {
	switch node.Type {
	case models.NodeTypeRouter:
		varCtx := variableContext(secrets, trigger, state.NodeOutput)
		out, err := o.router.Evaluate(node, varCtx)
		if err != nil {
			if err := o.lifecycle.appendEvent(ctx, run.ID, node.ID, models.EventTypeNodeFailed, 0, map[string]interface{}{"error": err.Error()}); err != nil {
				return false, err
			}
			state.NodeStatus[node.ID] = models.NodeRuntimeFailed
			state.NodeErrors[node.ID] = err.Error()
			return false, nil
		}
		if err := o.lifecycle.appendEvent(ctx, run.ID, node.ID, models.EventTypeNodeDispatched, 0, nil); err != nil {
			return false, err
		}
		if err := o.lifecycle.appendEvent(ctx, run.ID, node.ID, models.EventTypeNodeCompleted, 0, map[string]interface{}{"output": out}); err != nil {
			return false, err
		}
		state.NodeStatus[node.ID] = models.NodeRuntimeCompleted
		state.NodeOutput[node.ID] = out
		*queue = append(*queue, node.ID)
		return false, nil

	case models.NodeTypeSubFlow:
		if err := o.subflows.Dispatch(ctx, run, node, state.NodeOutput, trigger, secrets); err != nil {
			return false, err
		}
		state.NodeStatus[node.ID] = models.NodeRuntimeSuspended
		return true, nil

	case models.NodeTypeMap:
		if err := o.maps.Dispatch(ctx, run, node, state.NodeOutput, trigger, secrets); err != nil {
			return false, err
		}
		state.NodeStatus[node.ID] = models.NodeRuntimeSuspended
		return true, nil

	case models.NodeTypeWebhookWait:
		timeoutMs := intFromNodeConfig(node, "timeout_ms")
		if timeoutMs <= 0 {
			timeoutMs = dispatch.DefaultWebhookWaitTimeoutMs
		}
		token, err := o.suspensions.CreateWebhookWait(ctx, run.ID.String(), node.ID, timeoutMs)
		if err != nil {
			return false, err
		}
		if err := o.lifecycle.appendEvent(ctx, run.ID, node.ID, models.EventTypeNodeSuspended, 0, map[string]interface{}{"resume_token": token}); err != nil {
			return false, err
		}
		state.NodeStatus[node.ID] = models.NodeRuntimeSuspended
		return true, nil

	case models.NodeTypeSleep:
		durationMs := intFromNodeConfig(node, "duration_ms")
		if err := o.suspensions.CreateSleep(ctx, run.ID.String(), node.ID, durationMs); err != nil {
			return false, err
		}
		if err := o.lifecycle.appendEvent(ctx, run.ID, node.ID, models.EventTypeNodeSuspended, 0, nil); err != nil {
			return false, err
		}
		state.NodeStatus[node.ID] = models.NodeRuntimeSuspended
		return true, nil

	default:
		if err := o.lifecycle.scheduleNode(ctx, run, node, trigger, secrets, state.NodeOutput, 0); err != nil {
			return false, err
		}
		state.NodeStatus[node.ID] = models.NodeRuntimeDispatched
		return true, nil
	}
}

// firedEdges decides which of a node's outgoing edges fire, dispatching
// on the node's own type: router nodes fire by declared condition ID,
// subflow/map nodes fire by their output's route_to, everything else
// fires by a plain boolean condition (or unconditionally).
func (o *Orchestrator) firedEdges(node *models.Node, state *models.RunState, edges []*models.Edge) []*models.Edge {
	switch node.Type {
	case models.NodeTypeRouter:
		return routerFiredEdges(node, state, edges)
	case models.NodeTypeSubFlow, models.NodeTypeMap:
		return routeToFilteredEdges(node, state, edges)
	default:
		return o.conditionFilteredEdges(node, state, edges)
	}
}

func (o *Orchestrator) conditionFilteredEdges(node *models.Node, state *models.RunState, edges []*models.Edge) []*models.Edge {
	if state.NodeStatus[node.ID] != models.NodeRuntimeCompleted {
		return nil
	}
	env := map[string]interface{}{"output": state.NodeOutput[node.ID]}
	var fired []*models.Edge
	for _, e := range edges {
		if e.Condition == "" || o.router.EvaluateCondition(e.Condition, env) {
			fired = append(fired, e)
		}
	}
	return fired
}

func routeToFilteredEdges(node *models.Node, state *models.RunState, edges []*models.Edge) []*models.Edge {
	if state.NodeStatus[node.ID] != models.NodeRuntimeCompleted {
		return nil
	}
	routeTo, _ := state.NodeOutput[node.ID]["route_to"].(string)
	if routeTo == "" {
		routeTo = "success"
	}
	var fired []*models.Edge
	for _, e := range edges {
		if e.RouteTo == "" || e.RouteTo == routeTo {
			fired = append(fired, e)
		}
	}
	return fired
}

func routerFiredEdges(node *models.Node, state *models.RunState, edges []*models.Edge) []*models.Edge {
	if state.NodeStatus[node.ID] != models.NodeRuntimeCompleted {
		return nil
	}
	firedList, _ := state.NodeOutput[node.ID]["fired"].([]interface{})
	firedSet := make(map[string]bool, len(firedList))
	for _, f := range firedList {
		if s, ok := f.(string); ok {
			firedSet[s] = true
		}
	}
	var fired []*models.Edge
	for _, e := range edges {
		if handle := edgeSourceHandle(e); handle == "" || firedSet[handle] {
			fired = append(fired, e)
		}
	}
	return fired
}

// edgeSourceHandle reads the router-branch identifier an edge leaving a
// router node is pinned to. models.Edge has no dedicated field for this
// — it's carried in Metadata, the same place the graph editor that
// produced the snapshot put it.
func edgeSourceHandle(e *models.Edge) string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata["source_handle"].(string)
	return s
}

// afterTerminal runs once a run reaches a terminal status: if it's a
// subflow or map child, its parent's suspended node is resolved and the
// parent run progresses from there.
func (o *Orchestrator) afterTerminal(ctx context.Context, childRunID uuid.UUID) error {
	child, err := o.runs.FindByID(ctx, childRunID)
	if err != nil {
		return err
	}
	if child.ParentRunID == nil {
		return nil
	}
	parentID := *child.ParentRunID

	return o.runs.WithAdvisoryLock(ctx, parentID, func(ctx context.Context) error {
		parent, err := o.runs.FindByID(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.IsTerminal() {
			return nil
		}

		graph, err := graphFromJSONB(parent.SnapshotGraph)
		if err != nil {
			return err
		}
		node, err := graph.GetNode(child.ParentNodeID)
		if err != nil {
			return err
		}

		state, err := o.lifecycle.foldState(ctx, parentID)
		if err != nil {
			return err
		}

		secrets, err := o.lifecycle.secretsFor(ctx, parent.WorkflowID.String())
		if err != nil {
			return err
		}
		trigger := map[string]interface{}(parent.InputData)

		var completion *ChildCompletion
		switch child.TriggerType {
		case "map":
			completion, err = o.maps.RecordChildComplete(ctx, parent, node, child)
		case "subflow":
			completion, err = o.subflows.HandleChildComplete(ctx, parent, node, child)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		if completion == nil || completion.Retried || !completion.Done {
			return nil
		}

		if completion.Success {
			if err := o.lifecycle.appendEvent(ctx, parentID, node.ID, models.EventTypeNodeCompleted, 0, map[string]interface{}{"output": completion.Output}); err != nil {
				return err
			}
			state.NodeStatus[node.ID] = models.NodeRuntimeCompleted
			state.NodeOutput[node.ID] = completion.Output
		} else {
			if err := o.lifecycle.appendEvent(ctx, parentID, node.ID, models.EventTypeNodeFailed, 0, map[string]interface{}{"error": completion.Error}); err != nil {
				return err
			}
			state.NodeStatus[node.ID] = models.NodeRuntimeFailed
			state.NodeErrors[node.ID] = completion.Error
		}

		return o.progress(ctx, parent, graph, state, node.ID, secrets, trigger)
	})
}

// variableContext assembles the interpolation context a router
// evaluation resolves its route_by expression against.
func variableContext(secrets, trigger map[string]interface{}, nodeOutputs map[string]map[string]interface{}) *template.VariableContext {
	ctx := template.NewVariableContext()
	if secrets != nil {
		ctx.Env = secrets
	}
	if trigger != nil {
		ctx.Trigger = trigger
	}
	for id, out := range nodeOutputs {
		ctx.NodeOutputs[id] = out
	}
	return ctx
}
