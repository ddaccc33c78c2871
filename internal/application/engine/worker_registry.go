package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbflow/orchestrator/pkg/models"
)

// Health thresholds for a worker's time-since-last-heartbeat, per the
// registry's "now - last_seen" health computation.
const (
	workerHealthyThreshold   = 15 * time.Second
	workerUnhealthyThreshold = 60 * time.Second
)

// WorkerHealth classifies a worker by how long ago its last heartbeat
// arrived.
type WorkerHealth string

const (
	WorkerHealthy   WorkerHealth = "healthy"
	WorkerUnhealthy WorkerHealth = "unhealthy"
	WorkerDead      WorkerHealth = "dead"
)

// WorkerSnapshot is one worker's latest heartbeat plus its derived health.
type WorkerSnapshot struct {
	models.WorkerHeartbeat
	Health WorkerHealth `json:"health"`
}

// RegistrySummary is the aggregated GET /workers response: per-worker
// snapshots plus pool-wide totals.
type RegistrySummary struct {
	Workers          []WorkerSnapshot `json:"workers"`
	TotalProcessed   int64            `json:"total_processed"`
	TotalActive      int              `json:"total_active"`
	ThroughputPerMin float64          `json:"throughput_per_min"`
}

// workerHeartbeatStore is the bus surface WorkerRegistry needs: a
// worker-keyed hash of last-reported heartbeat snapshots.
type workerHeartbeatStore interface {
	Heartbeat(ctx context.Context, workerID string, snapshot []byte) error
	ListWorkers(ctx context.Context) (map[string][]byte, error)
	RemoveWorker(ctx context.Context, workerID string) error
}

// WorkerRegistry aggregates worker heartbeats into a health/throughput
// view (spec.md §4.12). It holds no long-lived state of its own — every
// call polls the bus's worker hash, so multiple control-plane replicas
// see a consistent view without needing to coordinate.
type WorkerRegistry struct {
	bus workerHeartbeatStore
}

// NewWorkerRegistry wires a WorkerRegistry over the given heartbeat store
// (normally *cache.Bus).
func NewWorkerRegistry(bus workerHeartbeatStore) *WorkerRegistry {
	return &WorkerRegistry{bus: bus}
}

// RecordHeartbeat stores a worker's self-reported heartbeat. Exposed for
// the rare case the control plane itself needs to inject a synthetic
// heartbeat (e.g. tests); workers normally publish directly onto the bus.
func (r *WorkerRegistry) RecordHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error {
	snapshot, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("worker registry: marshal heartbeat: %w", err)
	}
	return r.bus.Heartbeat(ctx, hb.WorkerID, snapshot)
}

// Summary computes the current registry view: every worker's health
// classification (dead workers are omitted entirely, per spec.md §4.12's
// "≥ 60s dead (and removed)") plus pool-wide totals.
func (r *WorkerRegistry) Summary(ctx context.Context) (*RegistrySummary, error) {
	raw, err := r.bus.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker registry: list workers: %w", err)
	}

	now := time.Now()
	summary := &RegistrySummary{Workers: make([]WorkerSnapshot, 0, len(raw))}

	var uptimeSeconds int64
	for _, data := range raw {
		var hb models.WorkerHeartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			continue
		}

		age := now.Sub(hb.LastSeen)
		health := classifyHealth(age)
		if health == WorkerDead {
			_ = r.bus.RemoveWorker(ctx, hb.WorkerID)
			continue
		}

		summary.Workers = append(summary.Workers, WorkerSnapshot{WorkerHeartbeat: hb, Health: health})
		summary.TotalProcessed += hb.JobsProcessed
		summary.TotalActive += hb.CurrentJobs
		if hb.UptimeSecs > uptimeSeconds {
			uptimeSeconds = hb.UptimeSecs
		}
	}

	if uptimeSeconds > 0 {
		summary.ThroughputPerMin = float64(summary.TotalProcessed) / (float64(uptimeSeconds) / 60.0)
	}

	return summary, nil
}

func classifyHealth(age time.Duration) WorkerHealth {
	switch {
	case age < workerHealthyThreshold:
		return WorkerHealthy
	case age < workerUnhealthyThreshold:
		return WorkerUnhealthy
	default:
		return WorkerDead
	}
}
