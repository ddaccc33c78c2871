package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbflow/orchestrator/pkg/models"
)

// fakeHeartbeatStore is an in-memory stand-in for *cache.Bus.
type fakeHeartbeatStore struct {
	data map[string][]byte
}

func newFakeHeartbeatStore() *fakeHeartbeatStore {
	return &fakeHeartbeatStore{data: make(map[string][]byte)}
}

func (f *fakeHeartbeatStore) Heartbeat(ctx context.Context, workerID string, snapshot []byte) error {
	f.data[workerID] = snapshot
	return nil
}

func (f *fakeHeartbeatStore) ListWorkers(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte, len(f.data))
	for k, v := range f.data {
		out[k] = v
	}
	return out, nil
}

func (f *fakeHeartbeatStore) RemoveWorker(ctx context.Context, workerID string) error {
	delete(f.data, workerID)
	return nil
}

func putHeartbeat(t *testing.T, store *fakeHeartbeatStore, hb models.WorkerHeartbeat) {
	t.Helper()
	data, err := json.Marshal(hb)
	require.NoError(t, err)
	store.data[hb.WorkerID] = data
}

// ==================== RecordHeartbeat Tests ====================

func TestWorkerRegistry_RecordHeartbeat(t *testing.T) {
	store := newFakeHeartbeatStore()
	registry := NewWorkerRegistry(store)

	hb := models.WorkerHeartbeat{WorkerID: "worker-1", MemoryMB: 256, JobsProcessed: 10, CurrentJobs: 1, UptimeSecs: 120, LastSeen: time.Now()}
	err := registry.RecordHeartbeat(context.Background(), hb)
	require.NoError(t, err)

	assert.Contains(t, store.data, "worker-1")
}

// ==================== Summary Tests ====================

func TestWorkerRegistry_Summary_HealthyWorker(t *testing.T) {
	store := newFakeHeartbeatStore()
	putHeartbeat(t, store, models.WorkerHeartbeat{
		WorkerID: "worker-1", JobsProcessed: 100, CurrentJobs: 2, UptimeSecs: 600, LastSeen: time.Now(),
	})
	registry := NewWorkerRegistry(store)

	summary, err := registry.Summary(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Workers, 1)
	assert.Equal(t, WorkerHealthy, summary.Workers[0].Health)
	assert.Equal(t, int64(100), summary.TotalProcessed)
	assert.Equal(t, 2, summary.TotalActive)
	assert.Greater(t, summary.ThroughputPerMin, 0.0)
}

func TestWorkerRegistry_Summary_UnhealthyWorker(t *testing.T) {
	store := newFakeHeartbeatStore()
	putHeartbeat(t, store, models.WorkerHeartbeat{
		WorkerID: "worker-2", JobsProcessed: 5, UptimeSecs: 60, LastSeen: time.Now().Add(-30 * time.Second),
	})
	registry := NewWorkerRegistry(store)

	summary, err := registry.Summary(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Workers, 1)
	assert.Equal(t, WorkerUnhealthy, summary.Workers[0].Health)
}

func TestWorkerRegistry_Summary_DeadWorkerRemoved(t *testing.T) {
	store := newFakeHeartbeatStore()
	putHeartbeat(t, store, models.WorkerHeartbeat{
		WorkerID: "worker-3", LastSeen: time.Now().Add(-2 * time.Minute),
	})
	registry := NewWorkerRegistry(store)

	summary, err := registry.Summary(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Workers)
	assert.NotContains(t, store.data, "worker-3")
}

func TestWorkerRegistry_Summary_Empty(t *testing.T) {
	store := newFakeHeartbeatStore()
	registry := NewWorkerRegistry(store)

	summary, err := registry.Summary(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Workers)
	assert.Equal(t, int64(0), summary.TotalProcessed)
	assert.Equal(t, 0.0, summary.ThroughputPerMin)
}

func TestWorkerRegistry_Summary_IgnoresUnmarshalableEntries(t *testing.T) {
	store := newFakeHeartbeatStore()
	store.data["bad-worker"] = []byte("not json")
	registry := NewWorkerRegistry(store)

	summary, err := registry.Summary(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Workers)
}
