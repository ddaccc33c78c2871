package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/crypto"
)

// secretTTL is how long a workflow's decrypted secret snapshot is served
// from memory before the next reader forces a refresh.
const secretTTL = 60 * time.Second

type secretSnapshot struct {
	values    map[string]interface{}
	expiresAt time.Time
}

// SecretCache generalizes RedisCache with an in-process, single-writer TTL
// snapshot per workflow: the first reader past expiry refits the snapshot
// under a per-key lock while every other reader keeps serving the stale
// value lock-free via atomic.Value, rather than every concurrent orchestrator
// step re-decrypting the same row.
type SecretCache struct {
	secrets repository.SecretRepository
	crypto  *crypto.Service

	mu        sync.Mutex
	snapshots map[string]*atomic.Value // workflowID -> *secretSnapshot
	refreshes map[string]*sync.Mutex   // workflowID -> single-writer lock
}

// NewSecretCache wraps a SecretRepository with the 60s snapshot policy.
func NewSecretCache(secrets repository.SecretRepository, svc *crypto.Service) *SecretCache {
	return &SecretCache{
		secrets:   secrets,
		crypto:    svc,
		snapshots: make(map[string]*atomic.Value),
		refreshes: make(map[string]*sync.Mutex),
	}
}

// GetSecrets implements engine.SecretProvider.
func (c *SecretCache) GetSecrets(ctx context.Context, workflowID string) (map[string]interface{}, error) {
	slot, lock := c.slotFor(workflowID)

	if cur, ok := slot.Load().(*secretSnapshot); ok && time.Now().Before(cur.expiresAt) {
		return cur.values, nil
	}

	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if cur, ok := slot.Load().(*secretSnapshot); ok && time.Now().Before(cur.expiresAt) {
		return cur.values, nil
	}

	values, err := c.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	slot.Store(&secretSnapshot{values: values, expiresAt: time.Now().Add(secretTTL)})
	return values, nil
}

// Invalidate forces the next GetSecrets call for workflowID to refresh from
// the repository, for callers that just wrote a secret and cannot wait out
// the TTL (the workflow secrets editor, for instance).
func (c *SecretCache) Invalidate(workflowID string) {
	c.mu.Lock()
	slot, ok := c.snapshots[workflowID]
	c.mu.Unlock()
	if ok {
		slot.Store(&secretSnapshot{})
	}
}

func (c *SecretCache) slotFor(workflowID string) (*atomic.Value, *sync.Mutex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.snapshots[workflowID]
	if !ok {
		slot = &atomic.Value{}
		c.snapshots[workflowID] = slot
	}
	lock, ok := c.refreshes[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		c.refreshes[workflowID] = lock
	}
	return slot, lock
}

func (c *SecretCache) load(ctx context.Context, workflowID string) (map[string]interface{}, error) {
	id, err := uuid.Parse(workflowID)
	if err != nil {
		return nil, err
	}
	rows, err := c.secrets.FindByWorkflowID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(rows))
	for _, row := range rows {
		value, err := c.crypto.DecryptString(string(row.EncryptedValue))
		if err != nil {
			return nil, fmt.Errorf("secret cache: decrypt %s/%s: %w", workflowID, row.Key, err)
		}
		out[row.Key] = value
	}
	return out, nil
}
