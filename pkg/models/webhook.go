package models

import "time"

// WebhookDelivery records a single inbound webhook request for
// idempotency-key replay and audit. A delivery is keyed by the caller's
// X-Idempotency-Key header when present, otherwise by the SHA-256 of the
// raw request body.
type WebhookDelivery struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	RunID          string                 `json:"run_id,omitempty"`
	StatusCode     int                    `json:"status_code"`
	ResponseBody   map[string]interface{} `json:"response_body,omitempty"`
	ReceivedAt     time.Time              `json:"received_at"`
}

// Secret is an encrypted-at-rest value bound to a workflow, substitutable
// into node configuration through the interpolator's $env path.
type Secret struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	Key         string    `json:"key"`
	EncryptedValue []byte `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Chunk is one fragment of a streaming node's partial output (e.g. an
// LLM token stream), persisted so a reconnecting SSE client can replay
// missed chunks and fanned out live to connected subscribers.
type Chunk struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	Sequence  int64     `json:"sequence"`
	Data      string    `json:"data"`
	Final     bool      `json:"final"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerHeartbeat is the liveness record a worker process publishes to
// the bus on an interval; the registry aggregates these into a health
// view without persisting them to Postgres.
type WorkerHeartbeat struct {
	WorkerID       string    `json:"worker_id"`
	MemoryMB       int       `json:"memory_mb"`
	JobsProcessed  int64     `json:"jobs_processed"`
	CurrentJobs    int       `json:"current_jobs"`
	UptimeSecs     int64     `json:"uptime_secs"`
	LastSeen       time.Time `json:"last_seen"`
}
