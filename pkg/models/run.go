package models

import (
	"time"
)

// Run represents a single execution of a workflow's published (or draft,
// for manual triggers) graph. The run's own row is a projection that
// caches the status implied by its event log; the event log remains
// authoritative (see RunEvent).
type Run struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	VersionID      string                 `json:"version_id,omitempty"`
	SnapshotGraph  *Graph                 `json:"snapshot_graph,omitempty"`
	Status         RunStatus              `json:"status"`
	TriggerType    string                 `json:"trigger_type"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ParentRunID    string                 `json:"parent_run_id,omitempty"`
	ParentNodeID   string                 `json:"parent_node_id,omitempty"`
	Depth          int                    `json:"depth"`
	Pinned         bool                   `json:"pinned"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// RunStatus represents the lifecycle status of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status will never change again.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CalculateDuration calculates the run duration in milliseconds.
func (r *Run) CalculateDuration() int64 {
	if r.CompletedAt == nil {
		return time.Since(r.StartedAt).Milliseconds()
	}
	return r.CompletedAt.Sub(r.StartedAt).Milliseconds()
}

// NodeRuntimeStatus is the per-node status folded from a run's event log.
// It is never stored directly; RunLifecycleManager derives it on demand
// by scanning RunEvents for the run.
type NodeRuntimeStatus string

const (
	NodeRuntimeNotStarted NodeRuntimeStatus = "not_started"
	NodeRuntimeDispatched NodeRuntimeStatus = "dispatched"
	NodeRuntimeRunning    NodeRuntimeStatus = "running"
	NodeRuntimeCompleted  NodeRuntimeStatus = "completed"
	NodeRuntimeFailed     NodeRuntimeStatus = "failed"
	NodeRuntimeSkipped    NodeRuntimeStatus = "skipped"
	NodeRuntimeSuspended  NodeRuntimeStatus = "suspended"
)

// IsTerminal returns true if the node will not transition again without
// external intervention (a resume, a retry dispatch).
func (s NodeRuntimeStatus) IsTerminal() bool {
	return s == NodeRuntimeCompleted || s == NodeRuntimeFailed || s == NodeRuntimeSkipped
}

// RunState is the folded projection of a run's event log: the set of
// node statuses and outputs needed to decide the next orchestration step.
type RunState struct {
	RunID        string
	NodeStatus   map[string]NodeRuntimeStatus
	NodeOutput   map[string]map[string]interface{}
	NodeRetries  map[string]int
	NodeErrors   map[string]string
}

// NewRunState returns an empty folded state ready to accumulate events.
func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:       runID,
		NodeStatus:  make(map[string]NodeRuntimeStatus),
		NodeOutput:  make(map[string]map[string]interface{}),
		NodeRetries: make(map[string]int),
		NodeErrors:  make(map[string]string),
	}
}

// Apply folds a single RunEvent into the state. Events must be applied in
// sequence order; applying the same event twice is a no-op because later
// node events always overwrite the same key with an equal or later status.
func (s *RunState) Apply(e *RunEvent) {
	if e.NodeID == "" {
		return
	}
	switch e.EventType {
	case EventTypeNodeDispatched:
		s.NodeStatus[e.NodeID] = NodeRuntimeDispatched
	case EventTypeNodeStarted:
		s.NodeStatus[e.NodeID] = NodeRuntimeRunning
	case EventTypeNodeCompleted:
		s.NodeStatus[e.NodeID] = NodeRuntimeCompleted
		s.NodeOutput[e.NodeID] = e.GetOutput()
	case EventTypeNodeFailed:
		s.NodeStatus[e.NodeID] = NodeRuntimeFailed
		s.NodeErrors[e.NodeID] = e.GetError()
	case EventTypeNodeSkipped:
		s.NodeStatus[e.NodeID] = NodeRuntimeSkipped
	case EventTypeNodeRetrying:
		s.NodeRetries[e.NodeID] = e.RetryCount
		s.NodeStatus[e.NodeID] = NodeRuntimeDispatched
	case EventTypeNodeSuspended:
		s.NodeStatus[e.NodeID] = NodeRuntimeSuspended
	case EventTypeNodeResumed:
		s.NodeStatus[e.NodeID] = NodeRuntimeRunning
	}
}

// TerminalNodeIDs returns the node IDs that have reached a terminal status.
func (s *RunState) TerminalNodeIDs() map[string]bool {
	out := make(map[string]bool, len(s.NodeStatus))
	for id, st := range s.NodeStatus {
		if st.IsTerminal() {
			out[id] = true
		}
	}
	return out
}

// AllTerminal reports whether every node ID in graphNodeIDs has reached a
// terminal status in the folded state — the run-completion invariant.
func (s *RunState) AllTerminal(graphNodeIDs []string) bool {
	for _, id := range graphNodeIDs {
		if !s.NodeStatus[id].IsTerminal() {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any node in the folded state failed.
func (s *RunState) AnyFailed() bool {
	for _, st := range s.NodeStatus {
		if st == NodeRuntimeFailed {
			return true
		}
	}
	return false
}
