package dispatch

import (
	"fmt"

	"github.com/mbflow/orchestrator/internal/application/template"
	"github.com/mbflow/orchestrator/pkg/models"
)

// DefaultWebhookWaitTimeoutMs is the timeout a webhook-wait node gets when
// its config names none: seven days.
const DefaultWebhookWaitTimeoutMs = 7 * 24 * 60 * 60 * 1000

// DefaultMapConcurrency is the fan-out width a map node gets when its
// config names none.
const DefaultMapConcurrency = 5

// MaxMapConcurrency bounds how many children a single map node may run at
// once, regardless of what its config requests.
const MaxMapConcurrency = 50

// DefaultDepthLimit bounds subflow/map recursion when a node's config
// does not override it.
const DefaultDepthLimit = 10

// Builder turns a graph node plus its run-time context into the job the
// jobs stream carries. All template interpolation happens here, once, so
// neither the bus nor the worker/coordinator on the other end ever sees a
// raw {{...}} token that should have been resolved.
type Builder struct{}

// NewBuilder returns a ready-to-use job builder. It is stateless: all the
// per-run context a build needs is passed into Build.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build resolves node.Config against the run's variable context and
// produces the typed job for node.Type. runDepth is the depth of the run
// the node belongs to, carried through as current_depth for subflow/map
// nodes so the coordinator can enforce the recursion limit before
// spawning a child one level deeper.
func (b *Builder) Build(node *models.Node, runID string, runDepth, retryCount, maxRetries int, secrets, trigger map[string]interface{}, nodeOutputs map[string]map[string]interface{}) (*Job, error) {
	ctx := template.NewVariableContext()
	if secrets != nil {
		ctx.Env = secrets
	}
	if trigger != nil {
		ctx.Trigger = trigger
	}
	for id, out := range nodeOutputs {
		ctx.NodeOutputs[id] = out
	}
	engine := template.NewEngineWithDefaults(ctx)

	var data map[string]interface{}
	var err error

	switch node.Type {
	case models.NodeTypeHTTP:
		data, err = b.buildHTTP(engine, node)
	case models.NodeTypeCode:
		data, err = b.buildCode(engine, node)
	case models.NodeTypeLLM:
		data, err = b.buildLLM(engine, node)
	case models.NodeTypeSleep:
		data, err = b.buildDelay(node)
	case models.NodeTypeWebhookWait:
		data, err = b.buildWebhookWait(node)
	case models.NodeTypeRouter:
		data = node.Config
	case models.NodeTypeSubFlow:
		data, err = b.buildSubFlow(engine, node, runDepth)
	case models.NodeTypeMap:
		data, err = b.buildMap(engine, node, runDepth)
	default:
		return nil, fmt.Errorf("dispatch: unsupported node type %q", node.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: building job for node %s: %w", node.ID, err)
	}

	return &Job{
		ID:         node.ID,
		RunID:      runID,
		Node:       JobNode{Type: jobType(node.Type), Data: data},
		RetryCount: retryCount,
		MaxRetries: maxRetries,
	}, nil
}

func jobType(nodeType string) string {
	switch nodeType {
	case models.NodeTypeHTTP:
		return JobTypeHTTP
	case models.NodeTypeCode:
		return JobTypeCode
	case models.NodeTypeLLM:
		return JobTypeLLM
	case models.NodeTypeSleep:
		return JobTypeDelay
	case models.NodeTypeWebhookWait:
		return JobTypeWebhookWait
	case models.NodeTypeRouter:
		return JobTypeRouter
	case models.NodeTypeSubFlow:
		return JobTypeSubFlow
	case models.NodeTypeMap:
		return JobTypeMap
	default:
		return nodeType
	}
}

func (b *Builder) buildHTTP(engine *template.Engine, node *models.Node) (map[string]interface{}, error) {
	url, _ := node.Config["url"].(string)
	method, _ := node.Config["method"].(string)
	if url == "" {
		return nil, fmt.Errorf("http node requires a url")
	}
	if method == "" {
		method = "GET"
	}

	resolvedURL, err := engine.ResolveString(url)
	if err != nil {
		return nil, err
	}

	var headers interface{}
	if h, ok := node.Config["headers"]; ok {
		headers, err = engine.Resolve(h)
		if err != nil {
			return nil, err
		}
	}

	var body interface{}
	if rawBody, ok := node.Config["body"]; ok {
		body, err = engine.Resolve(rawBody)
		if err != nil {
			return nil, err
		}
	}

	return map[string]interface{}{
		"url":     resolvedURL,
		"method":  method,
		"headers": headers,
		"body":    body,
	}, nil
}

func (b *Builder) buildCode(engine *template.Engine, node *models.Node) (map[string]interface{}, error) {
	code, _ := node.Config["code"].(string)
	language, _ := node.Config["language"].(string)

	var inputs interface{}
	if raw, ok := node.Config["inputs"]; ok {
		resolved, err := engine.Resolve(raw)
		if err != nil {
			return nil, err
		}
		inputs = resolved
	} else {
		inputs = map[string]interface{}{}
	}

	return map[string]interface{}{
		"code":     code,
		"language": language,
		"inputs":   inputs,
	}, nil
}

func (b *Builder) buildLLM(engine *template.Engine, node *models.Node) (map[string]interface{}, error) {
	model, _ := node.Config["model"].(string)

	if rawMessages, ok := node.Config["messages"]; ok {
		resolved, err := engine.Resolve(rawMessages)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"model": model, "messages": resolved}, nil
	}

	var messages []map[string]interface{}
	if sys, ok := node.Config["system_prompt"].(string); ok && sys != "" {
		resolvedSys, err := engine.ResolveString(sys)
		if err != nil {
			return nil, err
		}
		messages = append(messages, map[string]interface{}{"role": "system", "content": resolvedSys})
	}
	if user, ok := node.Config["user_prompt"].(string); ok && user != "" {
		resolvedUser, err := engine.ResolveString(user)
		if err != nil {
			return nil, err
		}
		messages = append(messages, map[string]interface{}{"role": "user", "content": resolvedUser})
	}

	return map[string]interface{}{"model": model, "messages": messages}, nil
}

func (b *Builder) buildDelay(node *models.Node) (map[string]interface{}, error) {
	durationMs := intFromConfig(node.Config, "duration_ms", 0)
	if durationMs < 0 {
		return nil, fmt.Errorf("sleep node duration_ms must be >= 0")
	}
	return map[string]interface{}{"duration_ms": durationMs}, nil
}

func (b *Builder) buildWebhookWait(node *models.Node) (map[string]interface{}, error) {
	timeoutMs := intFromConfig(node.Config, "timeout_ms", DefaultWebhookWaitTimeoutMs)
	return map[string]interface{}{"timeout_ms": timeoutMs}, nil
}

func (b *Builder) buildSubFlow(engine *template.Engine, node *models.Node, runDepth int) (map[string]interface{}, error) {
	workflowID, _ := node.Config["workflow_id"].(string)
	if workflowID == "" {
		return nil, fmt.Errorf("subflow node requires workflow_id")
	}
	versionID, _ := node.Config["version_id"].(string)
	outputPath, _ := node.Config["output_path"].(string)
	failOnError := boolFromConfig(node.Config, "fail_on_error", true)
	depthLimit := intFromConfig(node.Config, "depth_limit", DefaultDepthLimit)
	timeoutMs := intFromConfig(node.Config, "timeout_ms", 0)
	maxRetries := intFromConfig(node.Config, "max_retries", 0)

	var input interface{}
	if raw, ok := node.Config["input"]; ok {
		resolved, err := engine.Resolve(raw)
		if err != nil {
			return nil, err
		}
		input = resolved
	}

	return map[string]interface{}{
		"workflow_id":   workflowID,
		"version_id":    versionID,
		"input":         input,
		"fail_on_error": failOnError,
		"current_depth": runDepth,
		"depth_limit":   depthLimit,
		"timeout_ms":    timeoutMs,
		"output_path":   outputPath,
		"max_retries":   maxRetries,
	}, nil
}

func (b *Builder) buildMap(engine *template.Engine, node *models.Node, runDepth int) (map[string]interface{}, error) {
	workflowID, _ := node.Config["workflow_id"].(string)
	if workflowID == "" {
		return nil, fmt.Errorf("map node requires workflow_id")
	}
	versionID, _ := node.Config["version_id"].(string)
	failFast := boolFromConfig(node.Config, "fail_fast", false)
	timeoutMs := intFromConfig(node.Config, "timeout_ms", 0)
	depthLimit := intFromConfig(node.Config, "depth_limit", DefaultDepthLimit)
	concurrency := intFromConfig(node.Config, "concurrency", DefaultMapConcurrency)
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > MaxMapConcurrency {
		concurrency = MaxMapConcurrency
	}

	var items []interface{}
	if raw, ok := node.Config["items"]; ok {
		resolved, err := engine.Resolve(raw)
		if err != nil {
			return nil, err
		}
		switch v := resolved.(type) {
		case []interface{}:
			items = v
		default:
			items = []interface{}{v}
		}
	}

	return map[string]interface{}{
		"workflow_id":   workflowID,
		"version_id":    versionID,
		"items":         items,
		"concurrency":   concurrency,
		"fail_fast":     failFast,
		"timeout_ms":    timeoutMs,
		"current_depth": runDepth,
		"depth_limit":   depthLimit,
	}, nil
}

func intFromConfig(config map[string]interface{}, key string, def int) int {
	if config == nil {
		return def
	}
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func boolFromConfig(config map[string]interface{}, key string, def bool) bool {
	if config == nil {
		return def
	}
	if v, ok := config[key].(bool); ok {
		return v
	}
	return def
}
