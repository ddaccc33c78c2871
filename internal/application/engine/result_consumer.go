package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbflow/orchestrator/internal/application/dispatch"
	"github.com/mbflow/orchestrator/internal/infrastructure/cache"
	"github.com/mbflow/orchestrator/internal/infrastructure/logger"
)

// resultReader is the bus surface ResultConsumer needs: a blocking read of
// the results stream since a cursor.
type resultReader interface {
	ReadResults(ctx context.Context, lastID string, block time.Duration) ([]cache.StreamEntry, error)
}

// ResultConsumer drives the Orchestrator from the bus: it is the one
// place a worker's reported outcome turns into a HandleResult call. A
// single instance is meant to run for the process's lifetime, grounded
// on the same single-consumer, alternating-cursor shape observer.StreamHub
// uses for its own bus loop.
type ResultConsumer struct {
	bus          resultReader
	orchestrator *Orchestrator
	logger       *logger.Logger
}

// NewResultConsumer wires a ResultConsumer.
func NewResultConsumer(bus resultReader, orchestrator *Orchestrator, log *logger.Logger) *ResultConsumer {
	return &ResultConsumer{bus: bus, orchestrator: orchestrator, logger: log}
}

// Run blocks until ctx is cancelled, reading results off the bus and
// advancing the run each one belongs to. A single malformed or failing
// entry is logged and skipped rather than stalling every other run.
func (c *ResultConsumer) Run(ctx context.Context) {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := c.bus.ReadResults(ctx, lastID, 2*time.Second)
		if err != nil {
			if c.logger != nil {
				c.logger.ErrorContext(ctx, "result consumer: read results", "error", err)
			}
			continue
		}

		for _, entry := range entries {
			lastID = entry.ID

			var result dispatch.Result
			if err := json.Unmarshal(entry.Payload, &result); err != nil {
				if c.logger != nil {
					c.logger.ErrorContext(ctx, "result consumer: decode result", "error", err)
				}
				continue
			}

			if err := c.orchestrator.HandleResult(ctx, &result); err != nil {
				if c.logger != nil {
					c.logger.ErrorContext(ctx, "result consumer: handle result", "error", err, "run_id", result.RunID, "node_id", result.NodeID)
				}
			}
		}
	}
}
