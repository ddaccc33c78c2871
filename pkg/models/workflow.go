package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Workflow is identity plus a mutable draft graph, a pointer to the
// currently published version, and trigger settings. A webhook or
// schedule trigger always runs the active version's graph; a manual
// trigger may run the draft.
type Workflow struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Status           WorkflowStatus `json:"status"`
	Tags             []string  `json:"tags,omitempty"`
	DraftGraph       *Graph    `json:"draft_graph"`
	ActiveVersionID  string    `json:"active_version_id,omitempty"`
	WebhookEnabled   bool      `json:"webhook_enabled"`
	WebhookSecret    string    `json:"webhook_secret,omitempty"`
	ShareKillSwitch  int       `json:"share_kill_switch"`
	CreatedBy        string    `json:"created_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// WorkflowStatus represents the status of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// WorkflowVersion is an immutable, numbered snapshot of a workflow's
// graph. Publishing a workflow copies the current draft graph into a new
// version and repoints ActiveVersionID at it; the version's graph is
// never mutated afterwards.
type WorkflowVersion struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	VersionNumber int       `json:"version_number"`
	Graph         *Graph    `json:"graph"`
	Notes         string    `json:"notes,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Graph is the DAG structure shared by a workflow's draft and by every
// published version and run snapshot.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Node represents a single node in the workflow DAG.
type Node struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Config      map[string]interface{} `json:"config"`
	RouteMode   string                 `json:"route_mode,omitempty"`   // router nodes: "first_match" | "broadcast"
	DefaultEdge string                 `json:"default_edge,omitempty"` // router nodes: edge ID fired when nothing else matches
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// LoopConfig configures a loop edge that allows controlled re-execution
// of a wave range.
type LoopConfig struct {
	MaxIterations int `json:"max_iterations"`
}

// Edge represents a directed edge between two nodes in the DAG. Field
// names follow the external wire contract: Source/Target rather than
// From/To.
type Edge struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	RouteTo   string                 `json:"route_to,omitempty"` // map/subflow partial-failure routing: "success" | "error"
	Condition string                 `json:"condition,omitempty"`
	Loop      *LoopConfig            `json:"loop,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// IsLoop returns true if this edge is a loop (back) edge.
func (e *Edge) IsLoop() bool { return e.Loop != nil }

// NodeTypes recognized by the orchestrator. Worker-executed node bodies
// (http/code/llm) are opaque payloads to the control plane; it only needs
// to know enough about a node's type to decide dispatch and routing
// behavior.
const (
	NodeTypeHTTP      = "http"
	NodeTypeCode       = "code"
	NodeTypeLLM        = "llm"
	NodeTypeRouter     = "router"
	NodeTypeMap        = "map"
	NodeTypeSubFlow    = "subflow"
	NodeTypeWebhookWait = "webhook_wait"
	NodeTypeSleep      = "sleep"
	NodeTypeStart      = "start"
	NodeTypeEnd        = "end"
)

// DefaultMaxRetries returns the default retry budget for a node type, per
// the node-type table: structural/control nodes never retry, worker-
// dispatched nodes get three attempts by default.
func DefaultMaxRetries(nodeType string) int {
	switch nodeType {
	case NodeTypeHTTP, NodeTypeCode, NodeTypeLLM:
		return 3
	default:
		return 0
	}
}

// Validate validates the workflow structure.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if w.DraftGraph == nil {
		return &ValidationError{Field: "draft_graph", Message: "draft graph is required"}
	}
	return w.DraftGraph.Validate()
}

// Validate validates the graph structure: unique node IDs, unique edge
// IDs, edges referencing existing nodes, no self-loops, and loop-edge
// constraints.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return &ValidationError{Field: "nodes", Message: "at least one node is required"}
	}

	nodeIDs := make(map[string]bool)
	for _, node := range g.Nodes {
		if err := node.Validate(); err != nil {
			return err
		}
		if nodeIDs[node.ID] {
			return &ValidationError{Field: "nodes", Message: fmt.Sprintf("duplicate node ID: %s", node.ID)}
		}
		nodeIDs[node.ID] = true
	}

	edgeIDs := make(map[string]bool)
	for _, edge := range g.Edges {
		if err := edge.Validate(); err != nil {
			return err
		}
		if edgeIDs[edge.ID] {
			return &ValidationError{Field: "edges", Message: fmt.Sprintf("duplicate edge ID: %s", edge.ID)}
		}
		edgeIDs[edge.ID] = true

		if !nodeIDs[edge.Source] {
			return &ValidationError{Field: "edges", Message: fmt.Sprintf("edge references non-existent source node: %s", edge.Source)}
		}
		if !nodeIDs[edge.Target] {
			return &ValidationError{Field: "edges", Message: fmt.Sprintf("edge references non-existent target node: %s", edge.Target)}
		}
	}

	return nil
}

// Validate validates the node structure.
func (n *Node) Validate() error {
	if n.ID == "" {
		return &ValidationError{Field: "id", Message: "node ID is required"}
	}
	if n.Name == "" {
		return &ValidationError{Field: "name", Message: "node name is required"}
	}
	if n.Type == "" {
		return &ValidationError{Field: "type", Message: "node type is required"}
	}
	if n.Type == NodeTypeRouter && n.RouteMode != "" && n.RouteMode != "first_match" && n.RouteMode != "broadcast" {
		return &ValidationError{Field: "route_mode", Message: "must be first_match or broadcast"}
	}
	return nil
}

// Validate validates the edge structure.
func (e *Edge) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "edge ID is required"}
	}
	if e.Source == "" {
		return &ValidationError{Field: "source", Message: "edge source is required"}
	}
	if e.Target == "" {
		return &ValidationError{Field: "target", Message: "edge target is required"}
	}
	if e.Source == e.Target {
		return &ValidationError{Field: "edge", Message: "self-loop edges are not allowed"}
	}
	if e.Loop != nil {
		if e.Loop.MaxIterations <= 0 {
			return &ValidationError{Field: "loop.max_iterations", Message: "must be > 0"}
		}
		if e.Condition != "" {
			return &ValidationError{Field: "loop", Message: "loop edges must not have conditions"}
		}
	}
	return nil
}

// GetNode returns a node by ID.
func (g *Graph) GetNode(nodeID string) (*Node, error) {
	for _, node := range g.Nodes {
		if node.ID == nodeID {
			return node, nil
		}
	}
	return nil, ErrNodeNotFound
}

// GetEdge returns an edge by ID.
func (g *Graph) GetEdge(edgeID string) (*Edge, error) {
	for _, edge := range g.Edges {
		if edge.ID == edgeID {
			return edge, nil
		}
	}
	return nil, ErrEdgeNotFound
}

// OutEdges returns the edges leaving a node, in declaration order.
func (g *Graph) OutEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, edge := range g.Edges {
		if edge.Source == nodeID {
			out = append(out, edge)
		}
	}
	return out
}

// InEdges returns the edges entering a node.
func (g *Graph) InEdges(nodeID string) []*Edge {
	var in []*Edge
	for _, edge := range g.Edges {
		if edge.Target == nodeID {
			in = append(in, edge)
		}
	}
	return in
}

// NodeIDs returns every node ID in declaration order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Clone creates a deep copy of the graph via JSON round-trip.
func (g *Graph) Clone() (*Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	var clone Graph
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
