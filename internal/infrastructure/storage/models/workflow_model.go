package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WorkflowModel represents a workflow's identity, mutable draft graph,
// and trigger settings in the database. The draft graph is stored as a
// JSONB blob rather than normalized node/edge tables: runs snapshot a
// Graph wholesale (see RunModel.SnapshotGraph), so there is no join-heavy
// per-node-row bookkeeping to keep consistent with the draft.
type WorkflowModel struct {
	bun.BaseModel `bun:"table:workflows,alias:w"`

	ID              uuid.UUID  `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	Name            string     `bun:"name,notnull" json:"name" validate:"required,max=255"`
	Description     string     `bun:"description" json:"description,omitempty"`
	Status          string     `bun:"status,notnull,default:'draft'" json:"status" validate:"required,oneof=draft active inactive archived"`
	Tags            StringArray `bun:"tags,type:text[],array" json:"tags,omitempty"`
	DraftGraph      JSONBMap   `bun:"draft_graph,type:jsonb,default:'{}'" json:"draft_graph"`
	ActiveVersionID *uuid.UUID `bun:"active_version_id,type:uuid" json:"active_version_id,omitempty"`
	WebhookEnabled  bool       `bun:"webhook_enabled,notnull,default:false" json:"webhook_enabled"`
	WebhookSecret   string     `bun:"webhook_secret" json:"-"`
	ShareKillSwitch int        `bun:"share_kill_switch,notnull,default:0" json:"share_kill_switch"`
	CreatedBy       *uuid.UUID `bun:"created_by,type:uuid" json:"created_by,omitempty"`
	CreatedAt       time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
	DeletedAt       *time.Time `bun:"deleted_at" json:"deleted_at,omitempty"`

	Versions []*WorkflowVersionModel `bun:"rel:has-many,join:id=workflow_id" json:"versions,omitempty"`
	Triggers []*TriggerModel         `bun:"rel:has-many,join:id=workflow_id" json:"triggers,omitempty"`
}

func (WorkflowModel) TableName() string { return "workflows" }

// BeforeInsert hook to set timestamps
func (w *WorkflowModel) BeforeInsert(ctx interface{}) error {
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.DraftGraph == nil {
		w.DraftGraph = make(JSONBMap)
	}
	return nil
}

// BeforeUpdate hook to update timestamp
func (w *WorkflowModel) BeforeUpdate(ctx interface{}) error {
	w.UpdatedAt = time.Now()
	return nil
}

func (w *WorkflowModel) IsActive() bool   { return w.Status == "active" }
func (w *WorkflowModel) IsDraft() bool    { return w.Status == "draft" }
func (w *WorkflowModel) IsDeleted() bool  { return w.DeletedAt != nil }
func (w *WorkflowModel) HasActiveVersion() bool { return w.ActiveVersionID != nil }

// WorkflowVersionModel is an immutable, numbered snapshot of a workflow's
// graph, created by a publish operation.
type WorkflowVersionModel struct {
	bun.BaseModel `bun:"table:workflow_versions,alias:wv"`

	ID            uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	WorkflowID    uuid.UUID `bun:"workflow_id,notnull,type:uuid" json:"workflow_id" validate:"required"`
	VersionNumber int       `bun:"version_number,notnull" json:"version_number" validate:"gte=1"`
	Graph         JSONBMap  `bun:"graph,type:jsonb,notnull" json:"graph"`
	Notes         string    `bun:"notes" json:"notes,omitempty"`
	CreatedBy     *uuid.UUID `bun:"created_by,type:uuid" json:"created_by,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`

	Workflow *WorkflowModel `bun:"rel:belongs-to,join:workflow_id=id" json:"-"`
}

func (WorkflowVersionModel) TableName() string { return "workflow_versions" }

func (v *WorkflowVersionModel) BeforeInsert(ctx interface{}) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	if v.Graph == nil {
		v.Graph = make(JSONBMap)
	}
	return nil
}
