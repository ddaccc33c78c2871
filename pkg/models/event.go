// Package models defines the public domain models for the control plane.
package models

import (
	"time"
)

// RunEvent is an immutable entry in a run's append-only event log. The
// event log is the sole source of truth for run state: every other view
// (status, node outputs, terminal detection) is folded from it.
type RunEvent struct {
	ID             string                 `json:"id"`
	RunID          string                 `json:"run_id"`
	NodeID         string                 `json:"node_id,omitempty"`
	EventType      string                 `json:"event_type"`
	RetryCount     int                    `json:"retry_count"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Sequence       int64                  `json:"sequence"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Event type constants (dot notation for hierarchical categorization).
const (
	// Run-level events
	EventTypeRunStarted    = "run.started"
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypeRunCancelled  = "run.cancelled"
	EventTypeRunSuspended  = "run.suspended"
	EventTypeRunResumed    = "run.resumed"

	// Node-level events
	EventTypeNodeDispatched = "node.dispatched"
	EventTypeNodeStarted    = "node.started"
	EventTypeNodeCompleted  = "node.completed"
	EventTypeNodeFailed     = "node.failed"
	EventTypeNodeSkipped    = "node.skipped"
	EventTypeNodeRetrying   = "node.retrying"
	EventTypeNodeSuspended  = "node.suspended"
	EventTypeNodeResumed    = "node.resumed"

	// Router events
	EventTypeRouteTaken = "route.taken"

	// Map / subflow events
	EventTypeBatchStarted   = "batch.started"
	EventTypeBatchItemDone  = "batch.item_done"
	EventTypeBatchCompleted = "batch.completed"
	EventTypeSubflowSpawned = "subflow.spawned"
	EventTypeSubflowJoined  = "subflow.joined"

	// Chunk streaming
	EventTypeChunkEmitted = "chunk.emitted"
)

// IdempotencyKeyOf builds the idempotency key spec.md names for the event
// log: (run_id, node_id, retry_count, event_type). Two events that share
// a key are the same logical occurrence; the second insert is a no-op.
func IdempotencyKeyOf(runID, nodeID string, retryCount int, eventType string) string {
	return runID + "|" + nodeID + "|" + itoa(retryCount) + "|" + eventType
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// IsRunEvent returns true if the event is a run-level event.
func (e *RunEvent) IsRunEvent() bool {
	switch e.EventType {
	case EventTypeRunStarted, EventTypeRunCompleted, EventTypeRunFailed,
		EventTypeRunCancelled, EventTypeRunSuspended, EventTypeRunResumed:
		return true
	}
	return false
}

// IsNodeEvent returns true if the event is a node-level event.
func (e *RunEvent) IsNodeEvent() bool {
	switch e.EventType {
	case EventTypeNodeDispatched, EventTypeNodeStarted, EventTypeNodeCompleted,
		EventTypeNodeFailed, EventTypeNodeSkipped, EventTypeNodeRetrying,
		EventTypeNodeSuspended, EventTypeNodeResumed:
		return true
	}
	return false
}

// IsTerminalRunEvent returns true if the event closes out a run.
func (e *RunEvent) IsTerminalRunEvent() bool {
	switch e.EventType {
	case EventTypeRunCompleted, EventTypeRunFailed, EventTypeRunCancelled:
		return true
	}
	return false
}

// Validate validates the event structure.
func (e *RunEvent) Validate() error {
	if e.RunID == "" {
		return &ValidationError{Field: "run_id", Message: "run ID is required"}
	}
	if e.EventType == "" {
		return &ValidationError{Field: "event_type", Message: "event type is required"}
	}
	return nil
}

// GetError extracts the error message from the event payload if present.
func (e *RunEvent) GetError() string {
	if e.Payload == nil {
		return ""
	}
	if err, ok := e.Payload["error"].(string); ok {
		return err
	}
	return ""
}

// GetOutput extracts the node output from the event payload if present.
func (e *RunEvent) GetOutput() map[string]interface{} {
	if e.Payload == nil {
		return nil
	}
	if out, ok := e.Payload["output"].(map[string]interface{}); ok {
		return out
	}
	return nil
}
