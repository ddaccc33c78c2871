package models

import "time"

// Suspension represents a paused point in a run awaiting an external
// signal: a webhook callback, a sleep deadline, or a child subflow's
// completion. At most one unresolved suspension may exist per
// (run_id, node_id, subtype).
type Suspension struct {
	ID          string                 `json:"id"`
	RunID       string                 `json:"run_id"`
	NodeID      string                 `json:"node_id"`
	Subtype     SuspensionType         `json:"subtype"`
	ResumeToken string                 `json:"resume_token,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Resolved    bool                   `json:"resolved"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// SuspensionType identifies what a suspension is waiting on.
type SuspensionType string

const (
	SuspensionWebhookWait SuspensionType = "webhook_wait"
	SuspensionSleep       SuspensionType = "sleep"
	SuspensionSubFlow     SuspensionType = "subflow"
)

// IsExpired reports whether the suspension's deadline, if any, has passed.
func (s *Suspension) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// ScheduledJob is a durable timer entry backing sleep-type suspensions:
// a sweeper polls for jobs whose RunAt has passed and resumes the
// associated suspension.
type ScheduledJob struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	NodeID       string    `json:"node_id"`
	SuspensionID string    `json:"suspension_id"`
	RunAt        time.Time `json:"run_at"`
	Claimed      bool      `json:"claimed"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
