package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// EventModel represents an immutable entry in a run's append-only event
// log. The unique index on (run_id, node_id, retry_count, event_type)
// gives the idempotency guarantee a redelivered bus message needs: a
// duplicate insert violates the constraint and the caller treats it as
// already-applied.
type EventModel struct {
	bun.BaseModel `bun:"table:run_events,alias:ev"`

	ID             uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	RunID          uuid.UUID `bun:"run_id,notnull,type:uuid" json:"run_id" validate:"required"`
	NodeID         string    `bun:"node_id,notnull,default:''" json:"node_id,omitempty"`
	EventType      string    `bun:"event_type,notnull" json:"event_type" validate:"required,max=100"`
	RetryCount     int       `bun:"retry_count,notnull,default:0" json:"retry_count"`
	IdempotencyKey string    `bun:"idempotency_key,notnull,unique" json:"idempotency_key"`
	Sequence       int64     `bun:"sequence,notnull,autoincrement" json:"sequence"`
	Payload        JSONBMap  `bun:"payload,type:jsonb,notnull,default:'{}'" json:"payload"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`

	Run *RunModel `bun:"rel:belongs-to,join:run_id=id" json:"-"`
}

func (EventModel) TableName() string { return "run_events" }

func (e *EventModel) BeforeInsert(ctx interface{}) error {
	e.CreatedAt = time.Now()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Payload == nil {
		e.Payload = make(JSONBMap)
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = e.RunID.String() + "|" + e.NodeID + "|" + fmtInt(e.RetryCount) + "|" + e.EventType
	}
	return nil
}

func fmtInt(n int) string {
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

// Run-level event types.
const (
	EventTypeRunStarted   = "run.started"
	EventTypeRunCompleted = "run.completed"
	EventTypeRunFailed    = "run.failed"
	EventTypeRunCancelled = "run.cancelled"
	EventTypeRunSuspended = "run.suspended"
	EventTypeRunResumed   = "run.resumed"
)

// Node-level event types.
const (
	EventTypeNodeDispatched = "node.dispatched"
	EventTypeNodeStarted    = "node.started"
	EventTypeNodeCompleted  = "node.completed"
	EventTypeNodeFailed     = "node.failed"
	EventTypeNodeSkipped    = "node.skipped"
	EventTypeNodeRetrying   = "node.retrying"
	EventTypeNodeSuspended  = "node.suspended"
	EventTypeNodeResumed    = "node.resumed"
)

// Other event types.
const (
	EventTypeRouteTaken     = "route.taken"
	EventTypeBatchStarted   = "batch.started"
	EventTypeBatchItemDone  = "batch.item_done"
	EventTypeBatchCompleted = "batch.completed"
	EventTypeSubflowSpawned = "subflow.spawned"
	EventTypeSubflowJoined  = "subflow.joined"
	EventTypeChunkEmitted   = "chunk.emitted"
)

// IsRunEvent returns true if event is a run-level event
func (e *EventModel) IsRunEvent() bool {
	switch e.EventType {
	case EventTypeRunStarted, EventTypeRunCompleted, EventTypeRunFailed,
		EventTypeRunCancelled, EventTypeRunSuspended, EventTypeRunResumed:
		return true
	}
	return false
}

// IsNodeEvent returns true if event is a node-level event
func (e *EventModel) IsNodeEvent() bool {
	switch e.EventType {
	case EventTypeNodeDispatched, EventTypeNodeStarted, EventTypeNodeCompleted,
		EventTypeNodeFailed, EventTypeNodeSkipped, EventTypeNodeRetrying,
		EventTypeNodeSuspended, EventTypeNodeResumed:
		return true
	}
	return false
}
