package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbflow/orchestrator/internal/application/dispatch"
	"github.com/mbflow/orchestrator/internal/infrastructure/cache"
)

// fakeResultReader feeds a fixed sequence of entries once, then blocks
// until ctx is cancelled — enough to drive exactly one pass through
// ResultConsumer.Run without a real bus.
type fakeResultReader struct {
	mu      sync.Mutex
	entries []cache.StreamEntry
	served  bool
}

func (f *fakeResultReader) ReadResults(ctx context.Context, lastID string, block time.Duration) ([]cache.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.served {
		f.served = true
		return f.entries, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func TestResultConsumer_Run_AdvancesOrchestratorFromBusEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, lifecycle, runs, dispatcher := newOrchestratorHarness(linearGraph())
	run, err := lifecycle.Create(ctx, CreateRunRequest{WorkflowID: uuid.New().String(), TriggerType: "manual"})
	require.NoError(t, err)
	require.NoError(t, lifecycle.Start(ctx, run.ID))
	require.NotNil(t, dispatcher.last())

	result := dispatch.Result{NodeID: "a", RunID: run.ID.String(), StatusCode: 200, Body: map[string]interface{}{"ok": true}}
	payload, err := json.Marshal(result)
	require.NoError(t, err)

	reader := &fakeResultReader{entries: []cache.StreamEntry{{ID: "1-1", Payload: payload}}}
	consumer := NewResultConsumer(reader, orch, nil)

	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job := dispatcher.last()
		return job != nil && job.ID == "b"
	}, 2*time.Second, 10*time.Millisecond, "expected node b dispatched after result for a is consumed")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestResultConsumer_Run_SkipsMalformedPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, _, _, dispatcher := newOrchestratorHarness(linearGraph())
	reader := &fakeResultReader{entries: []cache.StreamEntry{{ID: "1-1", Payload: []byte("not json")}}}
	consumer := NewResultConsumer(reader, orch, nil)

	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, dispatcher.last())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
