package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	storagemodels "github.com/mbflow/orchestrator/internal/infrastructure/storage/models"
	"github.com/mbflow/orchestrator/pkg/models"
)

// graphFromJSONB decodes a workflow's stored graph blob into the domain
// Graph type the orchestrator operates on.
func graphFromJSONB(blob storagemodels.JSONBMap) (*models.Graph, error) {
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, err
	}
	var g models.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// graphToJSONB encodes a domain Graph for storage as a JSONB blob.
func graphToJSONB(g *models.Graph) (storagemodels.JSONBMap, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	var blob storagemodels.JSONBMap
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, err
	}
	return blob, nil
}

// runToDomain projects a persisted run row into the domain Run type.
func runToDomain(m *storagemodels.RunModel) (*models.Run, error) {
	graph, err := graphFromJSONB(m.SnapshotGraph)
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		ID:            m.ID.String(),
		WorkflowID:    m.WorkflowID.String(),
		SnapshotGraph: graph,
		Status:        models.RunStatus(m.Status),
		TriggerType:   m.TriggerType,
		Input:         map[string]interface{}(m.InputData),
		Output:        map[string]interface{}(m.OutputData),
		Error:         m.Error,
		ParentNodeID:  m.ParentNodeID,
		Depth:         m.Depth,
		Pinned:        m.Pinned,
		CompletedAt:   m.CompletedAt,
		Metadata:      map[string]interface{}(m.Metadata),
	}
	if m.VersionID != nil {
		run.VersionID = m.VersionID.String()
	}
	if m.ParentRunID != nil {
		run.ParentRunID = m.ParentRunID.String()
	}
	if m.StartedAt != nil {
		run.StartedAt = *m.StartedAt
	} else {
		run.StartedAt = m.CreatedAt
	}
	return run, nil
}

// eventToDomain projects a persisted event row into the domain RunEvent type.
func eventToDomain(m *storagemodels.EventModel) *models.RunEvent {
	return &models.RunEvent{
		ID:             m.ID.String(),
		RunID:          m.RunID.String(),
		NodeID:         m.NodeID,
		EventType:      m.EventType,
		RetryCount:     m.RetryCount,
		IdempotencyKey: m.IdempotencyKey,
		Sequence:       m.Sequence,
		Payload:        map[string]interface{}(m.Payload),
		CreatedAt:      m.CreatedAt,
	}
}

// newEventModel builds the row to append for a node- or run-level event.
// idempotencyKey is computed by the caller via models.IdempotencyKeyOf so
// every call site uses the same (run_id, node_id, retry_count, event_type)
// shape the unique index enforces.
func newEventModel(runID uuid.UUID, nodeID, eventType string, retryCount int, payload map[string]interface{}) *storagemodels.EventModel {
	return &storagemodels.EventModel{
		RunID:          runID,
		NodeID:         nodeID,
		EventType:      eventType,
		RetryCount:     retryCount,
		IdempotencyKey: models.IdempotencyKeyOf(runID.String(), nodeID, retryCount, eventType),
		Payload:        storagemodels.JSONBMap(payload),
	}
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func timePtr(t time.Time) *time.Time { return &t }
