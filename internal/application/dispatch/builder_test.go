package dispatch

import (
	"testing"

	"github.com/mbflow/orchestrator/pkg/models"
)

func TestBuilder_Build_HTTP(t *testing.T) {
	node := &models.Node{
		ID:   "fetch",
		Type: models.NodeTypeHTTP,
		Config: map[string]interface{}{
			"url":    "https://api.example.com/users/{{fetchUser.id}}",
			"method": "POST",
			"headers": map[string]interface{}{
				"Authorization": "Bearer {{$env.token}}",
			},
		},
	}
	secrets := map[string]interface{}{"token": "tok-1"}
	nodeOutputs := map[string]map[string]interface{}{
		"fetchUser": {"id": "u1"},
	}

	b := NewBuilder()
	job, err := b.Build(node, "run-1", 0, 0, 3, secrets, nil, nodeOutputs)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if job.Node.Type != JobTypeHTTP {
		t.Errorf("job type = %v, want %v", job.Node.Type, JobTypeHTTP)
	}
	if job.Node.Data["url"] != "https://api.example.com/users/u1" {
		t.Errorf("url = %v", job.Node.Data["url"])
	}
	headers, ok := job.Node.Data["headers"].(map[string]interface{})
	if !ok || headers["Authorization"] != "Bearer tok-1" {
		t.Errorf("headers = %v", job.Node.Data["headers"])
	}
}

func TestBuilder_Build_HTTP_MissingURL(t *testing.T) {
	node := &models.Node{ID: "fetch", Type: models.NodeTypeHTTP, Config: map[string]interface{}{}}
	b := NewBuilder()
	if _, err := b.Build(node, "run-1", 0, 0, 0, nil, nil, nil); err == nil {
		t.Fatal("expected an error for a missing url")
	}
}

func TestBuilder_Build_Delay(t *testing.T) {
	node := &models.Node{ID: "wait", Type: models.NodeTypeSleep, Config: map[string]interface{}{"duration_ms": 5000}}
	b := NewBuilder()
	job, err := b.Build(node, "run-1", 0, 0, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if job.Node.Data["duration_ms"] != 5000 {
		t.Errorf("duration_ms = %v", job.Node.Data["duration_ms"])
	}
}

func TestBuilder_Build_Delay_Negative(t *testing.T) {
	node := &models.Node{ID: "wait", Type: models.NodeTypeSleep, Config: map[string]interface{}{"duration_ms": -1}}
	b := NewBuilder()
	if _, err := b.Build(node, "run-1", 0, 0, 0, nil, nil, nil); err == nil {
		t.Fatal("expected an error for negative duration_ms")
	}
}

func TestBuilder_Build_WebhookWait_DefaultTimeout(t *testing.T) {
	node := &models.Node{ID: "wh", Type: models.NodeTypeWebhookWait, Config: map[string]interface{}{}}
	b := NewBuilder()
	job, err := b.Build(node, "run-1", 0, 0, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if job.Node.Data["timeout_ms"] != DefaultWebhookWaitTimeoutMs {
		t.Errorf("timeout_ms = %v, want %v", job.Node.Data["timeout_ms"], DefaultWebhookWaitTimeoutMs)
	}
}

func TestBuilder_Build_SubFlow(t *testing.T) {
	node := &models.Node{
		ID:   "callChild",
		Type: models.NodeTypeSubFlow,
		Config: map[string]interface{}{
			"workflow_id": "wf-2",
			"input":       map[string]interface{}{"id": "{{fetchUser.id}}"},
		},
	}
	nodeOutputs := map[string]map[string]interface{}{"fetchUser": {"id": "u1"}}

	b := NewBuilder()
	job, err := b.Build(node, "run-1", 2, 0, 0, nil, nil, nodeOutputs)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if job.Node.Data["current_depth"] != 2 {
		t.Errorf("current_depth = %v, want 2", job.Node.Data["current_depth"])
	}
	if job.Node.Data["depth_limit"] != DefaultDepthLimit {
		t.Errorf("depth_limit = %v, want %v", job.Node.Data["depth_limit"], DefaultDepthLimit)
	}
	input, ok := job.Node.Data["input"].(map[string]interface{})
	if !ok || input["id"] != "u1" {
		t.Errorf("input = %v", job.Node.Data["input"])
	}
}

func TestBuilder_Build_Map_ConcurrencyClampedAndDefaulted(t *testing.T) {
	node := &models.Node{
		ID:   "fanOut",
		Type: models.NodeTypeMap,
		Config: map[string]interface{}{
			"workflow_id": "wf-3",
			"items":       []interface{}{"a", "b", "c"},
			"concurrency": 500,
		},
	}
	b := NewBuilder()
	job, err := b.Build(node, "run-1", 0, 0, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if job.Node.Data["concurrency"] != MaxMapConcurrency {
		t.Errorf("concurrency = %v, want clamped to %v", job.Node.Data["concurrency"], MaxMapConcurrency)
	}
	items, ok := job.Node.Data["items"].([]interface{})
	if !ok || len(items) != 3 {
		t.Errorf("items = %v", job.Node.Data["items"])
	}
}

func TestBuilder_Build_Map_DefaultConcurrency(t *testing.T) {
	node := &models.Node{
		ID:   "fanOut",
		Type: models.NodeTypeMap,
		Config: map[string]interface{}{
			"workflow_id": "wf-3",
			"items":       "solo",
		},
	}
	b := NewBuilder()
	job, err := b.Build(node, "run-1", 0, 0, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if job.Node.Data["concurrency"] != DefaultMapConcurrency {
		t.Errorf("concurrency = %v, want %v", job.Node.Data["concurrency"], DefaultMapConcurrency)
	}
	items, ok := job.Node.Data["items"].([]interface{})
	if !ok || len(items) != 1 || items[0] != "solo" {
		t.Errorf("expected non-array items to be wrapped into a singleton, got %v", job.Node.Data["items"])
	}
}

func TestBuilder_Build_Router_PassesConfigThrough(t *testing.T) {
	config := map[string]interface{}{
		"route_by": "{{fetchUser.tier}}",
		"mode":     "first_match",
	}
	node := &models.Node{ID: "route", Type: models.NodeTypeRouter, Config: config}
	b := NewBuilder()
	job, err := b.Build(node, "run-1", 0, 0, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if job.Node.Data["route_by"] != "{{fetchUser.tier}}" {
		t.Errorf("expected router config to pass through uninterpolated, got %v", job.Node.Data["route_by"])
	}
}

func TestBuilder_Build_UnsupportedNodeType(t *testing.T) {
	node := &models.Node{ID: "x", Type: "bogus", Config: map[string]interface{}{}}
	b := NewBuilder()
	if _, err := b.Build(node, "run-1", 0, 0, 0, nil, nil, nil); err == nil {
		t.Fatal("expected an error for an unsupported node type")
	}
}
