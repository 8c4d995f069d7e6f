// Package models defines workflows, their DAG graphs and execution
// records.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType enumerates the node kinds a graph may contain.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeTool      NodeType = "tool"
	NodeAgent     NodeType = "agent"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeTrigger, NodeTool, NodeAgent, NodeCondition, NodeAction:
		return true
	}
	return false
}

// Node is one vertex of the workflow graph.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
	// MaxRetries is the number of re-attempts after a failure.
	MaxRetries int `json:"max_retries,omitempty"`
	// FailWorkflow marks the node critical; nil means true.
	FailWorkflow *bool `json:"fail_workflow,omitempty"`
}

// Critical reports whether this node's failure fails the workflow.
func (n *Node) Critical() bool {
	return n.FailWorkflow == nil || *n.FailWorkflow
}

// Edge is one directed edge of the graph.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the JSON-stored DAG.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ParseGraph decodes and validates a stored graph.
func ParseGraph(raw json.RawMessage) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("invalid graph JSON: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks node ids, node types, edge endpoints and acyclicity.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	ids := make(map[string]bool, len(g.Nodes))
	for _, node := range g.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if ids[node.ID] {
			return fmt.Errorf("duplicate node id %q", node.ID)
		}
		if !node.Type.Valid() {
			return fmt.Errorf("node %q has unknown type %q", node.ID, node.Type)
		}
		if node.MaxRetries < 0 {
			return fmt.Errorf("node %q has negative max_retries", node.ID)
		}
		ids[node.ID] = true
	}
	for _, edge := range g.Edges {
		if !ids[edge.From] {
			return fmt.Errorf("edge references unknown node %q", edge.From)
		}
		if !ids[edge.To] {
			return fmt.Errorf("edge references unknown node %q", edge.To)
		}
		if edge.From == edge.To {
			return fmt.Errorf("node %q has a self edge", edge.From)
		}
	}
	if _, err := g.TopoSort(); err != nil {
		return err
	}
	return nil
}

// TopoSort returns a topological ordering of node ids, or an error when
// the graph contains a cycle.
func (g *Graph) TopoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	adjacent := make(map[string][]string, len(g.Nodes))
	for _, node := range g.Nodes {
		inDegree[node.ID] = 0
	}
	for _, edge := range g.Edges {
		adjacent[edge.From] = append(adjacent[edge.From], edge.To)
		inDegree[edge.To]++
	}

	var queue []string
	for _, node := range g.Nodes {
		if inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adjacent[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("graph contains a cycle")
	}
	return order, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Parents returns the ids of nodes with an edge into id.
func (g *Graph) Parents(id string) []string {
	var parents []string
	for _, edge := range g.Edges {
		if edge.To == id {
			parents = append(parents, edge.From)
		}
	}
	return parents
}

// Workflow is a stored DAG. Deletion is soft: deleted workflows keep
// their execution history but stop listing and executing.
type Workflow struct {
	ID          string          `json:"id" db:"id"`
	OwnerID     string          `json:"owner_id" db:"owner_id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description,omitempty" db:"description"`
	Graph       json.RawMessage `json:"graph" db:"graph"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// ExecutionStatus is the monotone execution state.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// Execution is one run of a workflow.
type Execution struct {
	ID         string          `json:"id" db:"id"`
	WorkflowID string          `json:"workflow_id" db:"workflow_id"`
	Status     ExecutionStatus `json:"status" db:"status"`
	Input      json.RawMessage `json:"input,omitempty" db:"input"`
	Error      *string         `json:"error,omitempty" db:"error"`
	DurationMs *int64          `json:"duration_ms,omitempty" db:"duration_ms"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// NodeStatus is the per-node lifecycle state within an execution.
type NodeStatus string

const (
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusFailed  NodeStatus = "failed"
	NodeStatusSkipped NodeStatus = "skipped"
)

// NodeState is the stored per-node outcome of an execution.
type NodeState struct {
	ID          string          `json:"id" db:"id"`
	ExecutionID string          `json:"execution_id" db:"execution_id"`
	NodeID      string          `json:"node_id" db:"node_id"`
	Status      NodeStatus      `json:"status" db:"status"`
	Output      json.RawMessage `json:"output,omitempty" db:"output"`
	Error       *string         `json:"error,omitempty" db:"error"`
	Attempts    int             `json:"attempts" db:"attempts"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
