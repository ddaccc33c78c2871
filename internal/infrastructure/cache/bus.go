package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbflow/orchestrator/internal/application/dispatch"
)

// Stream names on the Redis bus. Jobs flow control-plane -> worker; results
// and chunks flow worker -> control-plane.
const (
	StreamJobs    = "mbflow:jobs"
	StreamResults = "mbflow:results"
	StreamChunks  = "mbflow:chunks"

	cancelChannelPrefix = "mbflow:cancel:"
	workerHashKey       = "mbflow:workers"
)

// Bus is the Redis-streams-backed implementation of the control plane's
// dispatch boundary: job enqueue, cancellation fan-out, and the two result
// streams the stream handler (C10) consumes. It generalizes the teacher's
// RedisCache connection rather than opening a second client.
type Bus struct {
	cache *RedisCache
}

// NewBus wraps an already-connected RedisCache as a Bus.
func NewBus(cache *RedisCache) *Bus {
	return &Bus{cache: cache}
}

// Enqueue implements engine.JobDispatcher: it XADDs the job onto the jobs
// stream as a single "payload" field so workers don't have to reconstruct
// a Job from a flat field set.
func (b *Bus) Enqueue(ctx context.Context, job *dispatch.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("bus: marshal job: %w", err)
	}
	return b.cache.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: StreamJobs,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
}

// PublishCancel implements engine.CancellationPublisher: a pub/sub
// broadcast on a per-run channel. Workers subscribe for the duration of a
// job; there is nothing to miss if nobody is currently listening, since a
// run that finishes before cancellation arrives has nothing left to cancel.
func (b *Bus) PublishCancel(ctx context.Context, runID string) error {
	return b.cache.Client().Publish(ctx, cancelChannelPrefix+runID, "1").Err()
}

// ReadResults blocks (up to block) for entries appended to the results
// stream after lastID, returning their raw "payload" field values. Callers
// pass "$" as lastID to start from "now".
func (b *Bus) ReadResults(ctx context.Context, lastID string, block time.Duration) ([]StreamEntry, error) {
	return b.readStream(ctx, StreamResults, lastID, block)
}

// ReadChunks blocks for entries appended to the chunks stream (streamed
// partial output from LLM/code nodes), same contract as ReadResults.
func (b *Bus) ReadChunks(ctx context.Context, lastID string, block time.Duration) ([]StreamEntry, error) {
	return b.readStream(ctx, StreamChunks, lastID, block)
}

// StreamEntry is one XREAD record: the stream-assigned ID (to resume from
// next time) plus the raw JSON payload a worker wrote.
type StreamEntry struct {
	ID      string
	Payload []byte
}

func (b *Bus) readStream(ctx context.Context, stream, lastID string, block time.Duration) ([]StreamEntry, error) {
	res, err := b.cache.Client().XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Block:   block,
		Count:   100,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var entries []StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["payload"]
			if !ok {
				continue
			}
			str, ok := raw.(string)
			if !ok {
				continue
			}
			entries = append(entries, StreamEntry{ID: msg.ID, Payload: []byte(str)})
		}
	}
	return entries, nil
}

// SubscribeCancel returns a pub/sub handle for a single run's cancellation
// channel. Callers must Close it when done listening.
func (b *Bus) SubscribeCancel(ctx context.Context, runID string) *redis.PubSub {
	return b.cache.Client().Subscribe(ctx, cancelChannelPrefix+runID)
}

// Heartbeat implements engine.WorkerHeartbeatStore: workers call this
// periodically to keep their entry in the shared hash fresh. Storing
// workers as hash fields (rather than one key per worker with its own TTL)
// lets the registry list every known worker with a single HGETALL instead
// of a SCAN, per spec.md's "key" phrasing for GET /workers.
func (b *Bus) Heartbeat(ctx context.Context, workerID string, snapshot []byte) error {
	return b.cache.Client().HSet(ctx, workerHashKey, workerID, snapshot).Err()
}

// ListWorkers returns every worker's last-reported heartbeat snapshot,
// keyed by worker ID.
func (b *Bus) ListWorkers(ctx context.Context) (map[string][]byte, error) {
	raw, err := b.cache.Client().HGetAll(ctx, workerHashKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for id, v := range raw {
		out[id] = []byte(v)
	}
	return out, nil
}

// RemoveWorker evicts a worker's heartbeat entry, e.g. once the registry
// has classified it dead.
func (b *Bus) RemoveWorker(ctx context.Context, workerID string) error {
	return b.cache.Client().HDel(ctx, workerHashKey, workerID).Err()
}
