package models

import "time"

// BatchOperation tracks a single map-node fan-out: the set of child
// dispatches produced by iterating a map node's input collection, with
// bounded concurrency and a per-batch item counter used to detect
// completion.
type BatchOperation struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	NodeID        string    `json:"node_id"`
	TotalItems    int       `json:"total_items"`
	CompletedItems int      `json:"completed_items"`
	FailedItems   int       `json:"failed_items"`
	Concurrency   int       `json:"concurrency"`
	FailFast      bool      `json:"fail_fast"`
	Aborted       bool      `json:"aborted"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// IsDone reports whether every item has reported a result, or the batch
// was aborted by a fail-fast policy.
func (b *BatchOperation) IsDone() bool {
	return b.Aborted || b.CompletedItems+b.FailedItems >= b.TotalItems
}

// BatchResult is one child run's outcome within a BatchOperation. Inserts
// are idempotent on (batch_id, item_index) so a redelivered result
// message cannot double-count.
type BatchResult struct {
	ID         string                 `json:"id"`
	BatchID    string                 `json:"batch_id"`
	ItemIndex  int                    `json:"item_index"`
	ChildRunID string                 `json:"child_run_id,omitempty"`
	Success    bool                   `json:"success"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
