package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RunModel represents one execution of a workflow's graph. SnapshotGraph
// is an immutable copy of the graph this run is executing against,
// captured at run-creation time so a later draft edit or republish never
// changes the behavior of an in-flight or historical run.
type RunModel struct {
	bun.BaseModel `bun:"table:runs,alias:r"`

	ID            uuid.UUID  `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	WorkflowID    uuid.UUID  `bun:"workflow_id,notnull,type:uuid" json:"workflow_id" validate:"required"`
	VersionID     *uuid.UUID `bun:"version_id,type:uuid" json:"version_id,omitempty"`
	SnapshotGraph JSONBMap   `bun:"snapshot_graph,type:jsonb,notnull" json:"snapshot_graph"`
	Status        string     `bun:"status,notnull,default:'pending'" json:"status" validate:"required,oneof=pending running suspended completed failed cancelled"`
	TriggerType   string     `bun:"trigger_type,notnull" json:"trigger_type" validate:"required,oneof=manual webhook cron event subflow map"`
	StartedAt     *time.Time `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time `bun:"completed_at" json:"completed_at,omitempty"`
	InputData     JSONBMap   `bun:"input_data,type:jsonb,default:'{}'" json:"input_data,omitempty"`
	OutputData    JSONBMap   `bun:"output_data,type:jsonb" json:"output_data,omitempty"`
	Error         string     `bun:"error" json:"error,omitempty"`
	ParentRunID   *uuid.UUID `bun:"parent_run_id,type:uuid" json:"parent_run_id,omitempty"`
	ParentNodeID  string     `bun:"parent_node_id" json:"parent_node_id,omitempty"`
	Depth         int        `bun:"depth,notnull,default:0" json:"depth"`
	Pinned        bool       `bun:"pinned,notnull,default:false" json:"pinned"`
	Metadata      JSONBMap   `bun:"metadata,type:jsonb,default:'{}'" json:"metadata,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`

	Workflow *WorkflowModel `bun:"rel:belongs-to,join:workflow_id=id" json:"workflow,omitempty"`
	Events   []*EventModel  `bun:"rel:has-many,join:id=run_id" json:"events,omitempty"`
}

func (RunModel) TableName() string { return "runs" }

const MaxSubFlowDepth = 10

func (r *RunModel) BeforeInsert(ctx interface{}) error {
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.InputData == nil {
		r.InputData = make(JSONBMap)
	}
	if r.Metadata == nil {
		r.Metadata = make(JSONBMap)
	}
	return nil
}

func (r *RunModel) BeforeUpdate(ctx interface{}) error {
	r.UpdatedAt = time.Now()
	return nil
}

func (r *RunModel) IsPending() bool   { return r.Status == "pending" }
func (r *RunModel) IsRunning() bool   { return r.Status == "running" }
func (r *RunModel) IsSuspended() bool { return r.Status == "suspended" }
func (r *RunModel) IsCompleted() bool { return r.Status == "completed" }
func (r *RunModel) IsFailed() bool    { return r.Status == "failed" }
func (r *RunModel) IsCancelled() bool { return r.Status == "cancelled" }

// IsTerminal returns true if run is in a terminal state
func (r *RunModel) IsTerminal() bool {
	return r.IsCompleted() || r.IsFailed() || r.IsCancelled()
}

func (r *RunModel) Duration() *time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return nil
	}
	d := r.CompletedAt.Sub(*r.StartedAt)
	return &d
}

func (r *RunModel) MarkStarted() {
	now := time.Now()
	r.StartedAt = &now
	r.Status = "running"
}

func (r *RunModel) MarkSuspended() { r.Status = "suspended" }

func (r *RunModel) MarkCompleted(output JSONBMap) {
	now := time.Now()
	r.CompletedAt = &now
	r.Status = "completed"
	r.OutputData = output
}

func (r *RunModel) MarkFailed(err string) {
	now := time.Now()
	r.CompletedAt = &now
	r.Status = "failed"
	r.Error = err
}

func (r *RunModel) MarkCancelled() {
	now := time.Now()
	r.CompletedAt = &now
	r.Status = "cancelled"
}
