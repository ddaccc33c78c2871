package engine

import (
	"encoding/json"
	"strings"

	"github.com/mbflow/orchestrator/pkg/models"
)

// findNodeByID finds a node by ID in a slice of nodes
func findNodeByID(nodes []*models.Node, nodeID string) *models.Node {
	for _, node := range nodes {
		if node.ID == nodeID {
			return node
		}
	}
	return nil
}

// collectIncomingEdges collects all edges that have the given node as target
func collectIncomingEdges(edges []*models.Edge, targetNodeID string) []*models.Edge {
	var incoming []*models.Edge
	for _, edge := range edges {
		if edge.Target == targetNodeID {
			incoming = append(incoming, edge)
		}
	}
	return incoming
}

// collectOutgoingEdges collects all edges that have the given node as source
func collectOutgoingEdges(edges []*models.Edge, sourceNodeID string) []*models.Edge {
	var outgoing []*models.Edge
	for _, edge := range edges {
		if edge.Source == sourceNodeID {
			outgoing = append(outgoing, edge)
		}
	}
	return outgoing
}

// boolFromNodeConfig reads a boolean override from a node's config,
// falling back to def if the key is absent or not a bool.
func boolFromNodeConfig(node *models.Node, key string, def bool) bool {
	if node.Config == nil {
		return def
	}
	if v, ok := node.Config[key].(bool); ok {
		return v
	}
	return def
}

// toInt coerces a job-data value (already a Go int in the common in-
// process case, but possibly int64/float64 if it passed through a JSON
// round-trip somewhere upstream) to int, falling back to def.
func toInt(v interface{}, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// clampDepthLimit bounds a subflow/map node's configured depth_limit to
// MaxSubFlowDepth, regardless of what it asked for.
func clampDepthLimit(n int) int {
	if n <= 0 || n > MaxSubFlowDepth {
		return MaxSubFlowDepth
	}
	return n
}

// mergeRouteTo shallow-copies output with a "route_to" key set, the
// signal routeToFilteredEdges reads to steer a subflow/map node's
// success/error edges.
func mergeRouteTo(output map[string]interface{}, routeTo string) map[string]interface{} {
	result := make(map[string]interface{}, len(output)+1)
	for k, v := range output {
		result[k] = v
	}
	result["route_to"] = routeTo
	return result
}

// applyOutputPath navigates a dot-separated path into a nested map,
// returning the value found there coerced to map[string]interface{}. A
// path that doesn't resolve (wrong shape, missing key) falls back to the
// original data rather than erroring — a misconfigured output_path
// degrades to "pass everything through".
func applyOutputPath(data map[string]interface{}, path string) map[string]interface{} {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return data
		}
		next, ok := m[part]
		if !ok {
			return data
		}
		current = next
	}
	return toMapInterface(current)
}

// toMapInterface converts any value to map[string]interface{}.
// Fast path for already-map values, JSON roundtrip for structs.
func toMapInterface(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"value": v}
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return map[string]interface{}{"value": v}
	}
	return result
}
