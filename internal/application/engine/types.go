package engine

import (
	"context"

	"github.com/mbflow/orchestrator/internal/application/dispatch"
)

// JobDispatcher puts a built job on the jobs stream. Production code is
// backed by the Redis-streams bus; tests use an in-memory fake.
type JobDispatcher interface {
	Enqueue(ctx context.Context, job *dispatch.Job) error
}

// SecretProvider resolves the decrypted secret set a workflow's nodes may
// reference via {{$env.KEY}}. Implementations are expected to cache: this
// is called once per orchestration step, not once per node.
type SecretProvider interface {
	GetSecrets(ctx context.Context, workflowID string) (map[string]interface{}, error)
}

// CancellationPublisher notifies anything waiting on a run's cooperative
// cancellation channel (a suspended webhook-wait timer, a worker mid-job)
// that the run has been cancelled.
type CancellationPublisher interface {
	PublishCancel(ctx context.Context, runID string) error
}

// MaxSubFlowDepth is the hard recursion ceiling enforced regardless of a
// node's own depth_limit configuration.
const MaxSubFlowDepth = 10

// SuspensionCreator registers the durable suspension a webhook-wait or
// sleep node needs before the orchestrator can park it. It is implemented
// by trigger.SuspensionManager; the interface lives here instead so this
// package doesn't import trigger (which imports engine for Orchestrator.Resume).
type SuspensionCreator interface {
	// CreateWebhookWait persists a "webhook_wait" suspension with a fresh
	// resume token and returns that token so it can be recorded in the
	// node's suspended event payload for the run's caller to read back.
	CreateWebhookWait(ctx context.Context, runID, nodeID string, timeoutMs int) (token string, err error)
	// CreateSleep persists a "sleep" suspension plus the ScheduledJob the
	// sweeper will promote once durationMs has elapsed.
	CreateSleep(ctx context.Context, runID, nodeID string, durationMs int) error
}
