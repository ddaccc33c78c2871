package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/application/dispatch"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/mbflow/orchestrator/pkg/models"
)

// ChildCompletion is what a SubFlowCoordinator or MapCoordinator reports
// back to the Orchestrator once it has decided what a finished child run
// means for the parent node that spawned it: nothing yet (Retried, or
// more map items still outstanding), or a terminal outcome (Done) that
// the orchestrator should fold into the parent node's own status and
// continue progressing from.
type ChildCompletion struct {
	Done    bool
	Retried bool
	Success bool
	Output  map[string]interface{}
	Error   string
}

// SubFlowCoordinator dispatches subflow nodes — spawning a child run and
// suspending the parent node until it finishes — and resolves that
// suspension once the child reaches a terminal status.
type SubFlowCoordinator struct {
	lifecycle   *RunLifecycleManager
	runs        repository.RunRepository
	suspensions repository.SuspensionRepository
	builder     *dispatch.Builder
}

// NewSubFlowCoordinator wires a SubFlowCoordinator against the run
// lifecycle and suspension store it needs to spawn and join children.
func NewSubFlowCoordinator(lifecycle *RunLifecycleManager, runs repository.RunRepository, suspensions repository.SuspensionRepository) *SubFlowCoordinator {
	return &SubFlowCoordinator{lifecycle: lifecycle, runs: runs, suspensions: suspensions, builder: dispatch.NewBuilder()}
}

// Dispatch resolves the subflow node's config, enforces the recursion
// limit, spawns and starts the child run, and records the suspension
// that ties the parent node to it.
func (c *SubFlowCoordinator) Dispatch(ctx context.Context, parent *storagemodels.RunModel, node *models.Node, nodeOutputs map[string]map[string]interface{}, trigger, secrets map[string]interface{}) error {
	job, err := c.builder.Build(node, parent.ID.String(), parent.Depth, 0, 0, secrets, trigger, nodeOutputs)
	if err != nil {
		return err
	}
	data := job.Node.Data

	depthLimit := clampDepthLimit(toInt(data["depth_limit"], dispatch.DefaultDepthLimit))
	currentDepth := toInt(data["current_depth"], parent.Depth)
	if currentDepth+1 > depthLimit {
		return c.lifecycle.appendEvent(ctx, parent.ID, node.ID, models.EventTypeNodeFailed, 0, map[string]interface{}{"error": "maximum subflow recursion depth exceeded"})
	}

	workflowID, _ := data["workflow_id"].(string)
	versionID, _ := data["version_id"].(string)
	input := toMapInterface(data["input"])

	child, err := c.lifecycle.Create(ctx, CreateRunRequest{
		WorkflowID:   workflowID,
		TriggerType:  "subflow",
		Input:        input,
		VersionID:    versionID,
		ParentRunID:  parent.ID.String(),
		ParentNodeID: node.ID,
		Depth:        currentDepth + 1,
	})
	if err != nil {
		return err
	}

	suspension := &storagemodels.SuspensionModel{RunID: parent.ID, NodeID: node.ID, Subtype: "subflow"}
	if timeoutMs := toInt(data["timeout_ms"], 0); timeoutMs > 0 {
		expires := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
		suspension.ExpiresAt = &expires
	}
	if err := c.suspensions.Create(ctx, suspension); err != nil {
		return err
	}

	if err := c.lifecycle.appendEvent(ctx, parent.ID, node.ID, models.EventTypeNodeSuspended, 0, map[string]interface{}{"child_run_id": child.ID.String()}); err != nil {
		return err
	}

	return c.lifecycle.Start(ctx, child.ID)
}

// HandleChildComplete resolves the parent's open subflow suspension once
// a spawned child run reaches a terminal status. A failed child is
// retried — a fresh child spawned under the same suspension — while
// sibling attempts remain within the node's max_retries budget;
// otherwise the suspension resolves, with a successful child's output
// promoted through output_path and a failed one either propagated as a
// real node failure (fail_on_error) or routed down the node's "error"
// edge.
func (c *SubFlowCoordinator) HandleChildComplete(ctx context.Context, parent *storagemodels.RunModel, node *models.Node, child *storagemodels.RunModel) (*ChildCompletion, error) {
	susp, err := c.suspensions.FindOpenByRunNode(ctx, parent.ID, node.ID, "subflow")
	if err != nil {
		return nil, err
	}

	failOnError := boolFromNodeConfig(node, "fail_on_error", true)
	maxRetries := intFromNodeConfig(node, "max_retries")
	if maxRetries < 0 {
		maxRetries = 0
	}
	outputPath, _ := node.Config["output_path"].(string)

	if child.IsFailed() {
		attempts, err := c.siblingAttempts(ctx, parent.ID, node.ID)
		if err != nil {
			return nil, err
		}
		if attempts <= maxRetries {
			if err := c.respawn(ctx, parent, node, child); err != nil {
				return nil, err
			}
			return &ChildCompletion{Retried: true}, nil
		}

		if err := c.suspensions.Resolve(ctx, susp.ID, storagemodels.JSONBMap{"child_run_id": child.ID.String(), "error": child.Error}); err != nil {
			return nil, err
		}
		if failOnError {
			return &ChildCompletion{Done: true, Success: false, Error: child.Error}, nil
		}
		return &ChildCompletion{Done: true, Success: true, Output: map[string]interface{}{"route_to": "error", "error": child.Error}}, nil
	}

	output := map[string]interface{}(child.OutputData)
	if outputPath != "" {
		output = applyOutputPath(output, outputPath)
	}
	if err := c.suspensions.Resolve(ctx, susp.ID, storagemodels.JSONBMap{"child_run_id": child.ID.String()}); err != nil {
		return nil, err
	}
	return &ChildCompletion{Done: true, Success: true, Output: mergeRouteTo(output, "success")}, nil
}

// siblingAttempts counts how many children this subflow node has already
// spawned on the parent run — the 1-indexed attempt number the
// just-finished child represents.
func (c *SubFlowCoordinator) siblingAttempts(ctx context.Context, parentID uuid.UUID, nodeID string) (int, error) {
	siblings, err := c.runs.FindByParentRunID(ctx, parentID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, s := range siblings {
		if s.ParentNodeID == nodeID {
			count++
		}
	}
	return count, nil
}

func (c *SubFlowCoordinator) respawn(ctx context.Context, parent *storagemodels.RunModel, node *models.Node, failedChild *storagemodels.RunModel) error {
	versionID := ""
	if failedChild.VersionID != nil {
		versionID = failedChild.VersionID.String()
	}
	child, err := c.lifecycle.Create(ctx, CreateRunRequest{
		WorkflowID:   failedChild.WorkflowID.String(),
		TriggerType:  "subflow",
		Input:        map[string]interface{}(failedChild.InputData),
		VersionID:    versionID,
		ParentRunID:  parent.ID.String(),
		ParentNodeID: node.ID,
		Depth:        failedChild.Depth,
	})
	if err != nil {
		return err
	}
	return c.lifecycle.Start(ctx, child.ID)
}
