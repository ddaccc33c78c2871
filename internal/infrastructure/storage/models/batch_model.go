package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// BatchOperationModel tracks a single map-node fan-out: the bounded-
// concurrency dispatch of one child run per input item, and the
// counters used to detect when every item has reported in.
type BatchOperationModel struct {
	bun.BaseModel `bun:"table:batch_operations,alias:bo"`

	ID             uuid.UUID  `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	RunID          uuid.UUID  `bun:"run_id,notnull,type:uuid" json:"run_id" validate:"required"`
	NodeID         string     `bun:"node_id,notnull" json:"node_id" validate:"required"`
	TotalItems     int        `bun:"total_items,notnull" json:"total_items"`
	CompletedItems int        `bun:"completed_items,notnull,default:0" json:"completed_items"`
	FailedItems    int        `bun:"failed_items,notnull,default:0" json:"failed_items"`
	Concurrency    int        `bun:"concurrency,notnull,default:1" json:"concurrency"`
	FailFast       bool       `bun:"fail_fast,notnull,default:false" json:"fail_fast"`
	Aborted        bool       `bun:"aborted,notnull,default:false" json:"aborted"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	CompletedAt    *time.Time `bun:"completed_at" json:"completed_at,omitempty"`

	Run *RunModel `bun:"rel:belongs-to,join:run_id=id" json:"-"`
}

func (BatchOperationModel) TableName() string { return "batch_operations" }

func (b *BatchOperationModel) BeforeInsert(ctx interface{}) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	return nil
}

// IsDone reports whether every item has reported a result, or the batch
// was aborted by a fail-fast policy.
func (b *BatchOperationModel) IsDone() bool {
	return b.Aborted || b.CompletedItems+b.FailedItems >= b.TotalItems
}

// BatchResultModel is one child run's outcome within a batch. The unique
// index on (batch_id, item_index) is what makes a redelivered result
// message idempotent: the second insert attempt is rejected.
type BatchResultModel struct {
	bun.BaseModel `bun:"table:batch_results,alias:br"`

	ID         uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	BatchID    uuid.UUID `bun:"batch_id,notnull,type:uuid" json:"batch_id" validate:"required"`
	ItemIndex  int       `bun:"item_index,notnull" json:"item_index"`
	ChildRunID *uuid.UUID `bun:"child_run_id,type:uuid" json:"child_run_id,omitempty"`
	Success    bool      `bun:"success,notnull" json:"success"`
	Output     JSONBMap  `bun:"output,type:jsonb" json:"output,omitempty"`
	Error      string    `bun:"error" json:"error,omitempty"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

func (BatchResultModel) TableName() string { return "batch_results" }

func (r *BatchResultModel) BeforeInsert(ctx interface{}) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return nil
}
