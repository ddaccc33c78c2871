package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WebhookDeliveryModel records a single inbound webhook request. The
// unique index on (workflow_id, idempotency_key) is the replay guard:
// a retried delivery with the same key returns the stored response
// instead of triggering a second run.
type WebhookDeliveryModel struct {
	bun.BaseModel `bun:"table:webhook_deliveries,alias:wd"`

	ID             uuid.UUID  `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	WorkflowID     uuid.UUID  `bun:"workflow_id,notnull,type:uuid" json:"workflow_id" validate:"required"`
	IdempotencyKey string     `bun:"idempotency_key,notnull" json:"idempotency_key"`
	RunID          *uuid.UUID `bun:"run_id,type:uuid" json:"run_id,omitempty"`
	StatusCode     int        `bun:"status_code,notnull" json:"status_code"`
	ResponseBody   JSONBMap   `bun:"response_body,type:jsonb" json:"response_body,omitempty"`
	ReceivedAt     time.Time  `bun:"received_at,notnull,default:current_timestamp" json:"received_at"`
}

func (WebhookDeliveryModel) TableName() string { return "webhook_deliveries" }

func (d *WebhookDeliveryModel) BeforeInsert(ctx interface{}) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now()
	}
	return nil
}

// SecretModel is an encrypted-at-rest value bound to a workflow.
type SecretModel struct {
	bun.BaseModel `bun:"table:secrets,alias:sec"`

	ID             uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	WorkflowID     uuid.UUID `bun:"workflow_id,notnull,type:uuid" json:"workflow_id" validate:"required"`
	Key            string    `bun:"key,notnull" json:"key" validate:"required"`
	EncryptedValue []byte    `bun:"encrypted_value,notnull" json:"-"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

func (SecretModel) TableName() string { return "secrets" }

func (s *SecretModel) BeforeInsert(ctx interface{}) error {
	now := time.Now()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

func (s *SecretModel) BeforeUpdate(ctx interface{}) error {
	s.UpdatedAt = time.Now()
	return nil
}

// ChunkModel is one fragment of a streaming node's partial output,
// persisted so a reconnecting SSE client can replay missed chunks.
type ChunkModel struct {
	bun.BaseModel `bun:"table:chunks,alias:ch"`

	ID        uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	RunID     uuid.UUID `bun:"run_id,notnull,type:uuid" json:"run_id" validate:"required"`
	NodeID    string    `bun:"node_id,notnull" json:"node_id" validate:"required"`
	Sequence  int64     `bun:"sequence,notnull" json:"sequence"`
	Data      string    `bun:"data,notnull" json:"data"`
	Final     bool      `bun:"final,notnull,default:false" json:"final"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

func (ChunkModel) TableName() string { return "chunks" }

func (c *ChunkModel) BeforeInsert(ctx interface{}) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return nil
}
