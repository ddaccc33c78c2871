package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbflow/orchestrator/internal/application/engine"
	"github.com/mbflow/orchestrator/internal/domain/repository"
	"github.com/mbflow/orchestrator/internal/infrastructure/cache"
	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
)

// ErrInvalidSignature is returned when a webhook's X-Webhook-Signature
// header doesn't match the workflow's configured secret.
var ErrInvalidSignature = errors.New("trigger: invalid webhook signature")

// ErrWebhookRateLimited is returned once a workflow's inbound webhook rate
// exceeds WebhookRateLimit requests in the current minute window.
var ErrWebhookRateLimited = errors.New("trigger: webhook rate limit exceeded")

// ErrWebhookDisabled is returned for a workflow that has no webhook
// trigger enabled.
var ErrWebhookDisabled = errors.New("trigger: webhook not enabled for workflow")

// WebhookRateLimit is the inbound request budget per workflow per minute.
const WebhookRateLimit = 100

// WebhookDelivery is the outcome ExecuteWebhook hands back to the HTTP
// handler: either a replayed response (Replayed true) or the run a fresh
// delivery started.
type WebhookDelivery struct {
	RunID      uuid.UUID
	StatusCode int
	Replayed   bool
}

// WebhookRegistry is the webhook trigger intake (spec.md §6.2
// POST /webhooks/{flowId}): signature verification, per-workflow rate
// limiting, and idempotent delivery tracking, all grounded on the
// teacher's webhook_registry.go shape but fixed to sign the raw request
// body instead of a %v-formatted payload (the teacher's approach breaks
// as soon as a client's JSON key ordering differs from Go's map
// iteration, which is not stable).
type WebhookRegistry struct {
	workflows repository.WorkflowRepository
	triggers  repository.TriggerRepository
	webhooks  repository.WebhookRepository
	lifecycle *engine.RunLifecycleManager
	cache     *cache.RedisCache
}

// NewWebhookRegistry wires a WebhookRegistry.
func NewWebhookRegistry(
	workflows repository.WorkflowRepository,
	triggers repository.TriggerRepository,
	webhooks repository.WebhookRepository,
	lifecycle *engine.RunLifecycleManager,
	cache *cache.RedisCache,
) *WebhookRegistry {
	return &WebhookRegistry{
		workflows: workflows,
		triggers:  triggers,
		webhooks:  webhooks,
		lifecycle: lifecycle,
		cache:     cache,
	}
}

// ExecuteWebhook validates and starts a run for an inbound webhook
// delivery. rawBody is the exact bytes received on the wire — signature
// verification MUST run over those bytes, not a re-serialization of a
// parsed payload, or a byte-for-byte replay with a different JSON
// formatting would wrongly fail.
func (r *WebhookRegistry) ExecuteWebhook(ctx context.Context, workflowID uuid.UUID, rawBody []byte, signature, idempotencyKey string, payload map[string]interface{}) (*WebhookDelivery, error) {
	workflow, err := r.workflows.FindByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !workflow.WebhookEnabled {
		return nil, ErrWebhookDisabled
	}

	if workflow.WebhookSecret != "" {
		if !verifySignature(workflow.WebhookSecret, rawBody, signature) {
			return nil, ErrInvalidSignature
		}
	}

	if err := r.checkRateLimit(ctx, workflowID); err != nil {
		return nil, err
	}

	key := idempotencyKey
	if key == "" {
		sum := sha256.Sum256(rawBody)
		key = hex.EncodeToString(sum[:])
	}

	if existing, err := r.webhooks.FindByIdempotencyKey(ctx, workflowID, key); err == nil && existing != nil {
		delivery := &WebhookDelivery{StatusCode: existing.StatusCode, Replayed: true}
		if existing.RunID != nil {
			delivery.RunID = *existing.RunID
		}
		return delivery, nil
	}

	run, err := r.lifecycle.Create(ctx, engine.CreateRunRequest{
		WorkflowID:  workflowID.String(),
		TriggerType: "webhook",
		Input:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("trigger: create run for webhook: %w", err)
	}
	if err := r.lifecycle.Start(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("trigger: start run for webhook: %w", err)
	}

	delivery := &storagemodels.WebhookDeliveryModel{
		WorkflowID:     workflowID,
		IdempotencyKey: key,
		RunID:          &run.ID,
		StatusCode:     202,
	}
	if err := r.webhooks.Create(ctx, delivery); err != nil {
		return nil, fmt.Errorf("trigger: record webhook delivery: %w", err)
	}

	if triggers, err := r.triggers.FindByWorkflowID(ctx, workflowID); err == nil {
		for _, t := range triggers {
			if t.IsWebhook() {
				_ = r.triggers.MarkTriggered(ctx, t.ID)
			}
		}
	}

	return &WebhookDelivery{RunID: run.ID, StatusCode: 202}, nil
}

// checkRateLimit implements a fixed-minute-window counter via Redis
// INCR+EXPIRE: the first request in a window sets the 60s expiry, every
// subsequent request in that window just increments. The count resets at
// each minute boundary and bursts are not smoothed, so up to
// 2*WebhookRateLimit requests can pass within 60s spanning two windows.
func (r *WebhookRegistry) checkRateLimit(ctx context.Context, workflowID uuid.UUID) error {
	if r.cache == nil {
		return nil
	}
	window := time.Now().Unix() / 60
	key := fmt.Sprintf("mbflow:webhook_rate:%s:%d", workflowID, window)

	count, err := r.cache.Increment(ctx, key)
	if err != nil {
		return fmt.Errorf("trigger: check webhook rate limit: %w", err)
	}
	if count == 1 {
		if err := r.cache.Expire(ctx, key, 60*time.Second); err != nil {
			return fmt.Errorf("trigger: set webhook rate limit expiry: %w", err)
		}
	}
	if count > WebhookRateLimit {
		return ErrWebhookRateLimited
	}
	return nil
}

func verifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
