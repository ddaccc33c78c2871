package engine

import (
	"context"

	"github.com/mbflow/orchestrator/internal/application/dispatch"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/mbflow/orchestrator/pkg/models"
)

// MapCoordinator dispatches map nodes: a bounded-concurrency fan-out of
// one child run per input item, tracked by a BatchOperationModel. As
// each child finishes it records that item's result and, while the
// batch isn't done and hasn't been aborted, tops the in-flight window
// back up to its configured concurrency.
type MapCoordinator struct {
	lifecycle *RunLifecycleManager
	runs      repository.RunRepository
	batches   repository.BatchRepository
	builder   *dispatch.Builder
}

// NewMapCoordinator wires a MapCoordinator against the run lifecycle and
// batch store it needs to fan children out and track them.
func NewMapCoordinator(lifecycle *RunLifecycleManager, runs repository.RunRepository, batches repository.BatchRepository) *MapCoordinator {
	return &MapCoordinator{lifecycle: lifecycle, runs: runs, batches: batches, builder: dispatch.NewBuilder()}
}

// Dispatch resolves the map node's items and concurrency, enforces the
// recursion limit, opens the batch, and starts the first concurrency-
// many children.
func (c *MapCoordinator) Dispatch(ctx context.Context, parent *storagemodels.RunModel, node *models.Node, nodeOutputs map[string]map[string]interface{}, trigger, secrets map[string]interface{}) error {
	job, err := c.builder.Build(node, parent.ID.String(), parent.Depth, 0, 0, secrets, trigger, nodeOutputs)
	if err != nil {
		return err
	}
	data := job.Node.Data

	depthLimit := clampDepthLimit(toInt(data["depth_limit"], dispatch.DefaultDepthLimit))
	currentDepth := toInt(data["current_depth"], parent.Depth)
	if currentDepth+1 > depthLimit {
		return c.lifecycle.appendEvent(ctx, parent.ID, node.ID, models.EventTypeNodeFailed, 0, map[string]interface{}{"error": "maximum map recursion depth exceeded"})
	}

	items, _ := data["items"].([]interface{})
	concurrency := toInt(data["concurrency"], dispatch.DefaultMapConcurrency)
	failFast, _ := data["fail_fast"].(bool)
	workflowID, _ := data["workflow_id"].(string)
	versionID, _ := data["version_id"].(string)

	batch := &storagemodels.BatchOperationModel{
		RunID:       parent.ID,
		NodeID:      node.ID,
		TotalItems:  len(items),
		Concurrency: concurrency,
		FailFast:    failFast,
	}
	if err := c.batches.Create(ctx, batch); err != nil {
		return err
	}

	if err := c.lifecycle.appendEvent(ctx, parent.ID, node.ID, models.EventTypeBatchStarted, 0, map[string]interface{}{"batch_id": batch.ID.String(), "total_items": len(items)}); err != nil {
		return err
	}
	if err := c.lifecycle.appendEvent(ctx, parent.ID, node.ID, models.EventTypeNodeSuspended, 0, map[string]interface{}{"batch_id": batch.ID.String()}); err != nil {
		return err
	}

	dispatchN := concurrency
	if dispatchN > len(items) {
		dispatchN = len(items)
	}
	for i := 0; i < dispatchN; i++ {
		if err := c.dispatchChild(ctx, parent, node, batch, workflowID, versionID, items[i], i, currentDepth+1); err != nil {
			return err
		}
	}
	return nil
}

func (c *MapCoordinator) dispatchChild(ctx context.Context, parent *storagemodels.RunModel, node *models.Node, batch *storagemodels.BatchOperationModel, workflowID, versionID string, item interface{}, index, depth int) error {
	input := map[string]interface{}{"item": item, "index": index, "batch_id": batch.ID.String()}
	child, err := c.lifecycle.Create(ctx, CreateRunRequest{
		WorkflowID:   workflowID,
		TriggerType:  "map",
		Input:        input,
		VersionID:    versionID,
		ParentRunID:  parent.ID.String(),
		ParentNodeID: node.ID,
		Depth:        depth,
	})
	if err != nil {
		return err
	}
	return c.lifecycle.Start(ctx, child.ID)
}

// RecordChildComplete records one item's result, tops up the dispatch
// window if the batch is still open, and reports whether the batch as a
// whole is now done. A map node never fails outright from a single
// item's failure — partial failure is surfaced through route_to and the
// failed/completed item counts in its output, same as a subflow routed
// through RouteTo="error".
func (c *MapCoordinator) RecordChildComplete(ctx context.Context, parent *storagemodels.RunModel, node *models.Node, child *storagemodels.RunModel) (*ChildCompletion, error) {
	inputData := map[string]interface{}(child.InputData)
	batchIDStr, _ := inputData["batch_id"].(string)
	batchID, err := parseUUID(batchIDStr)
	if err != nil {
		return nil, err
	}
	index := toInt(inputData["index"], 0)

	childID := child.ID
	result := &storagemodels.BatchResultModel{
		BatchID:    batchID,
		ItemIndex:  index,
		ChildRunID: &childID,
		Success:    !child.IsFailed(),
		Output:     storagemodels.JSONBMap(map[string]interface{}(child.OutputData)),
		Error:      child.Error,
	}
	batch, err := c.batches.RecordItemResult(ctx, result)
	if err != nil {
		return nil, err
	}

	if batch.FailFast && !result.Success && !batch.Aborted {
		if err := c.batches.MarkAborted(ctx, batch.ID); err != nil {
			return nil, err
		}
		batch.Aborted = true
	}

	if err := c.lifecycle.appendEvent(ctx, parent.ID, node.ID, models.EventTypeBatchItemDone, 0, map[string]interface{}{
		"batch_id": batch.ID.String(), "item_index": index, "success": result.Success,
	}); err != nil {
		return nil, err
	}

	if !batch.IsDone() {
		if err := c.dispatchNext(ctx, parent, node, batch); err != nil {
			return nil, err
		}
		return &ChildCompletion{Done: false}, nil
	}

	routeTo := "success"
	if batch.FailedItems > 0 {
		routeTo = "error"
	}
	output := map[string]interface{}{
		"total_items":     batch.TotalItems,
		"completed_items": batch.CompletedItems,
		"failed_items":    batch.FailedItems,
		"aborted":         batch.Aborted,
		"route_to":        routeTo,
	}
	if err := c.lifecycle.appendEvent(ctx, parent.ID, node.ID, models.EventTypeBatchCompleted, 0, map[string]interface{}{"batch_id": batch.ID.String()}); err != nil {
		return nil, err
	}
	return &ChildCompletion{Done: true, Success: true, Output: output}, nil
}

// dispatchNext tops the in-flight window back up to the batch's
// configured concurrency. It derives the next undispatched item index
// from the parent run's other children for this node, since the batch
// row itself only tracks aggregate counters, not a per-item cursor.
func (c *MapCoordinator) dispatchNext(ctx context.Context, parent *storagemodels.RunModel, node *models.Node, batch *storagemodels.BatchOperationModel) error {
	if batch.Aborted {
		return nil
	}

	items, err := c.reconstructItems(ctx, parent, node)
	if err != nil {
		return err
	}

	siblings, err := c.runs.FindByParentRunID(ctx, parent.ID)
	if err != nil {
		return err
	}
	dispatched := make(map[int]bool, len(siblings))
	active := 0
	for _, s := range siblings {
		if s.ParentNodeID != node.ID {
			continue
		}
		idx := toInt(map[string]interface{}(s.InputData)["index"], -1)
		if idx < 0 {
			continue
		}
		dispatched[idx] = true
		if !s.IsTerminal() {
			active++
		}
	}

	workflowID, _ := node.Config["workflow_id"].(string)
	versionID, _ := node.Config["version_id"].(string)
	depth := parent.Depth + 1

	for active < batch.Concurrency {
		next := -1
		for i := range items {
			if !dispatched[i] {
				next = i
				break
			}
		}
		if next == -1 {
			return nil
		}
		if err := c.dispatchChild(ctx, parent, node, batch, workflowID, versionID, items[next], next, depth); err != nil {
			return err
		}
		dispatched[next] = true
		active++
	}
	return nil
}

// reconstructItems re-resolves the map node's items list from the
// parent's snapshot graph. items aren't persisted on the batch row, so a
// node whose items expression is static (the overwhelmingly common
// case) reproduces the same list; a dynamic items expression referencing
// a node output that has since changed would not — a simplification
// accepted given how rarely a map's item list legitimately depends on
// something besides its own trigger input.
func (c *MapCoordinator) reconstructItems(ctx context.Context, parent *storagemodels.RunModel, node *models.Node) ([]interface{}, error) {
	job, err := c.builder.Build(node, parent.ID.String(), parent.Depth, 0, 0, nil, map[string]interface{}(parent.InputData), nil)
	if err != nil {
		return nil, err
	}
	items, _ := job.Node.Data["items"].([]interface{})
	return items, nil
}
