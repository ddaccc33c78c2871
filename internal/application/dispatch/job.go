// Package dispatch builds the typed work items the control plane puts on
// the jobs stream for workers to pick up, and the job types workers send
// results back against. A Job is opaque cargo once it leaves the control
// plane — the orchestrator never inspects a worker's result payload beyond
// the fields the bus contract promises.
package dispatch

// Job types recognized on the jobs stream. ROUTER, SUBFLOW and MAP are
// dispatched to the control plane's own coordinators rather than to a
// remote worker, but they share the same envelope so the bus has one wire
// shape for every kind of work.
const (
	JobTypeHTTP             = "HTTP"
	JobTypeCode             = "CODE"
	JobTypeLLM              = "LLM"
	JobTypeDelay            = "DELAY"
	JobTypeWebhookWait      = "WEBHOOKWAIT"
	JobTypeRouter           = "ROUTER"
	JobTypeSubFlow          = "SUBFLOW"
	JobTypeMap              = "MAP"
	JobTypeSubFlowResume    = "SUBFLOWRESUME"
	JobTypeMapChildComplete = "MAPCHILDCOMPLETE"
	JobTypeWebhookResume    = "WEBHOOKRESUME"
)

// Job is the work item enqueued on the jobs stream: one dispatch of one
// node, at one retry attempt.
type Job struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id"`
	Node       JobNode                `json:"node"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
}

// JobNode is the worker-facing view of a node: its type, plus the fully
// interpolated data it needs to run. The shape of Data is type-specific —
// see the build* helpers in builder.go.
type JobNode struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Result is what a worker (or an internal coordinator acting like one)
// reports back on the results stream for a single job.
type Result struct {
	NodeID     string                 `json:"node_id"`
	RunID      string                 `json:"run_id"`
	StatusCode int                    `json:"status_code"`
	Body       map[string]interface{} `json:"body,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Isolated   bool                   `json:"isolated,omitempty"`
}

// Outcome classifies a Result's status code per the wire contract: 2xx is
// success, 499 is a cooperative cancellation, anything else is a failure.
func (r *Result) Outcome() string {
	switch {
	case r.StatusCode == 499:
		return "cancelled"
	case r.StatusCode >= 200 && r.StatusCode < 300:
		return "success"
	default:
		return "failure"
	}
}
