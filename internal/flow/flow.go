// Package flow defines the persisted representation of an agent flow: a
// directed graph of typed nodes connected by action-labelled edges. The
// executor never mutates a Flow; all lookups are by id so cycles are fine.
package flow

import "fmt"

// NodeType discriminates the node variants of a flow graph.
type NodeType string

const (
	NodeStart   NodeType = "start"
	NodeProcess NodeType = "process"
	NodeFinish  NodeType = "finish"
	NodeMCP     NodeType = "mcp"
)

// ActionDefault is the successor label a node falls back to when it does not
// produce an explicit one.
const ActionDefault = "default"

// ActionMCP tags edges that attach an mcp node to the process node that may
// use its tools. These edges declare a dependency; they are never followed
// as handoffs.
const ActionMCP = "mcp"

// Flow is a complete agent flow as stored under the "flows" key.
type Flow struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a single vertex of a flow.
type Node struct {
	ID         string         `json:"id"`
	Type       NodeType       `json:"type"`
	Properties NodeProperties `json:"properties"`
}

// NodeProperties carries the per-node configuration the designer sets.
// Which fields are meaningful depends on the node type.
type NodeProperties struct {
	Name                   string `json:"name,omitempty"`
	ModelID                string `json:"modelId,omitempty"`
	PromptTemplate         string `json:"promptTemplate,omitempty"`
	ExcludeStartNodePrompt bool   `json:"excludeStartNodePrompt,omitempty"`
	ExcludeModelPrompt     bool   `json:"excludeModelPrompt,omitempty"`

	// mcp nodes only.
	ServerName   string            `json:"boundServer,omitempty"`
	EnabledTools []string          `json:"enabledTools,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// Edge connects Source to Target under an action label. The executor follows
// an edge when the source node's step returns its Action string.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Action string `json:"action"`
}

// Node returns the node with the given id.
func (f *Flow) Node(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// Start returns the flow's start node.
func (f *Flow) Start() (*Node, error) {
	for i := range f.Nodes {
		if f.Nodes[i].Type == NodeStart {
			return &f.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("flow: %q has no start node", f.Name)
}

// Successor resolves the outgoing edge of nodeID labelled with action.
// Resolution is by exact label match; mcp dependency edges never match.
func (f *Flow) Successor(nodeID, action string) (*Edge, bool) {
	if action == ActionMCP {
		return nil, false
	}
	for i := range f.Edges {
		e := &f.Edges[i]
		if e.Source == nodeID && e.Action == action {
			return e, true
		}
	}
	return nil, false
}

// SuccessorActions returns the action labels of all outgoing non-mcp edges of
// nodeID, in declaration order.
func (f *Flow) SuccessorActions(nodeID string) []string {
	var actions []string
	for i := range f.Edges {
		e := &f.Edges[i]
		if e.Source == nodeID && e.Action != ActionMCP {
			actions = append(actions, e.Action)
		}
	}
	return actions
}

// MCPNodes returns the mcp nodes attached to nodeID via mcp-labelled edges.
func (f *Flow) MCPNodes(nodeID string) []*Node {
	var nodes []*Node
	for i := range f.Edges {
		e := &f.Edges[i]
		if e.Source != nodeID || e.Action != ActionMCP {
			continue
		}
		if n, ok := f.Node(e.Target); ok && n.Type == NodeMCP {
			nodes = append(nodes, n)
		}
	}
	return nodes
}
