package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SuspensionModel represents a paused point in a run awaiting an
// external signal. The unique index on (run_id, node_id, subtype) where
// resolved = false enforces the "at most one unresolved suspension per
// node" invariant at the database layer.
type SuspensionModel struct {
	bun.BaseModel `bun:"table:suspensions,alias:sp"`

	ID          uuid.UUID  `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	RunID       uuid.UUID  `bun:"run_id,notnull,type:uuid" json:"run_id" validate:"required"`
	NodeID      string     `bun:"node_id,notnull" json:"node_id" validate:"required"`
	Subtype     string     `bun:"subtype,notnull" json:"subtype" validate:"required,oneof=webhook_wait sleep subflow"`
	ResumeToken string     `bun:"resume_token" json:"-"`
	ExpiresAt   *time.Time `bun:"expires_at" json:"expires_at,omitempty"`
	Resolved    bool       `bun:"resolved,notnull,default:false" json:"resolved"`
	ResolvedAt  *time.Time `bun:"resolved_at" json:"resolved_at,omitempty"`
	Result      JSONBMap   `bun:"result,type:jsonb" json:"result,omitempty"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`

	Run *RunModel `bun:"rel:belongs-to,join:run_id=id" json:"-"`
}

func (SuspensionModel) TableName() string { return "suspensions" }

func (s *SuspensionModel) BeforeInsert(ctx interface{}) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	return nil
}

// IsExpired reports whether the suspension's deadline has passed.
func (s *SuspensionModel) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// MarkResolved records the outcome that unblocks the suspended node.
func (s *SuspensionModel) MarkResolved(result JSONBMap) {
	now := time.Now()
	s.Resolved = true
	s.ResolvedAt = &now
	s.Result = result
}

// ScheduledJobModel is the durable timer entry backing sleep suspensions.
type ScheduledJobModel struct {
	bun.BaseModel `bun:"table:scheduled_jobs,alias:sj"`

	ID           uuid.UUID  `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	RunID        uuid.UUID  `bun:"run_id,notnull,type:uuid" json:"run_id" validate:"required"`
	NodeID       string     `bun:"node_id,notnull" json:"node_id" validate:"required"`
	SuspensionID uuid.UUID  `bun:"suspension_id,notnull,type:uuid" json:"suspension_id" validate:"required"`
	RunAt        time.Time  `bun:"run_at,notnull" json:"run_at"`
	Claimed      bool       `bun:"claimed,notnull,default:false" json:"claimed"`
	ClaimedAt    *time.Time `bun:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

func (ScheduledJobModel) TableName() string { return "scheduled_jobs" }

func (j *ScheduledJobModel) BeforeInsert(ctx interface{}) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	return nil
}

// MarkClaimed sets Claimed and ClaimedAt on the in-memory model.
// ScheduledJobRepository.ClaimDue does not call it; it sets the same
// columns itself in its row-locked UPDATE.
func (j *ScheduledJobModel) MarkClaimed() {
	now := time.Now()
	j.Claimed = true
	j.ClaimedAt = &now
}
