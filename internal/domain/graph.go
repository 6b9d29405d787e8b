package domain

import "fmt"

// RootNodeID is the identifier of the graph's single root node.
const RootNodeID = "root"

// ThoughtNode is a vertex in the reasoning DAG.
type ThoughtNode struct {
	NodeID      string
	Description string
	Candidates  map[string]struct{}
	ParentIDs   []string

	// IsTerminal marks a dead-end leaf (an empty filter result or a
	// relaxation sentinel) so fallback answer selection can skip it.
	IsTerminal bool
}

// NewRootNode returns the graph's empty root node.
func NewRootNode() *ThoughtNode {
	return &ThoughtNode{
		NodeID:     RootNodeID,
		Candidates: map[string]struct{}{},
	}
}

// CandidateSlice returns the node's candidates as a sorted-free slice.
func (n *ThoughtNode) CandidateSlice() []string {
	out := make([]string, 0, len(n.Candidates))
	for c := range n.Candidates {
		out = append(out, c)
	}
	return out
}

// ThoughtGraph holds the nodes, edges, and action history for one question.
type ThoughtGraph struct {
	nodes   map[string]*ThoughtNode
	edges   [][2]string // (parent, child)
	history []string
}

// NewThoughtGraph returns a graph containing only the root node.
func NewThoughtGraph() *ThoughtGraph {
	root := NewRootNode()
	return &ThoughtGraph{
		nodes: map[string]*ThoughtNode{root.NodeID: root},
	}
}

// AddNode appends a node to the graph. Every parent referenced must already
// exist; violating this is a programmer error (panic), since it would break
// the DAG acyclicity the agent relies on.
func (g *ThoughtGraph) AddNode(node *ThoughtNode) {
	for _, parentID := range node.ParentIDs {
		if _, ok := g.nodes[parentID]; !ok {
			panic(fmt.Sprintf("thought graph: unknown parent %q for node %q", parentID, node.NodeID))
		}
		g.edges = append(g.edges, [2]string{parentID, node.NodeID})
	}
	g.nodes[node.NodeID] = node
}

// Node looks up a node by id.
func (g *ThoughtGraph) Node(nodeID string) (*ThoughtNode, bool) {
	n, ok := g.nodes[nodeID]
	return n, ok
}

// AppendHistory records a human-readable description of an action taken.
func (g *ThoughtGraph) AppendHistory(description string) {
	g.history = append(g.history, description)
}

// History returns the append-only action log.
func (g *ThoughtGraph) History() []string {
	return g.history
}

// Leaves returns every node with no outgoing edges.
func (g *ThoughtGraph) Leaves() []*ThoughtNode {
	hasChild := map[string]bool{}
	for _, e := range g.edges {
		hasChild[e[0]] = true
	}
	var leaves []*ThoughtNode
	for id, n := range g.nodes {
		if !hasChild[id] {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// LastAdded returns the most recently added node that has a parent edge, or
// the root if none exists. Nodes added without parents (relaxation
// sentinels) are never returned. LastLive falls back to it.
func (g *ThoughtGraph) LastAdded() *ThoughtNode {
	if len(g.edges) == 0 {
		root, _ := g.Node(RootNodeID)
		return root
	}
	last := g.edges[len(g.edges)-1]
	n, _ := g.Node(last[1])
	return n
}

// LastLive returns the most recently added non-terminal node, so fallback
// answer selection never lands on a dead end when a live candidate set
// exists. Falls back to LastAdded when every added node is terminal.
func (g *ThoughtGraph) LastLive() *ThoughtNode {
	for i := len(g.edges) - 1; i >= 0; i-- {
		if n, ok := g.Node(g.edges[i][1]); ok && !n.IsTerminal {
			return n
		}
	}
	return g.LastAdded()
}

// Summary renders a compact human-readable description of the graph's
// current state, for inclusion in the oracle's prompt.
func (g *ThoughtGraph) Summary() string {
	s := fmt.Sprintf("%d nodes, %d edges\n", len(g.nodes), len(g.edges))
	for _, n := range g.Leaves() {
		s += fmt.Sprintf("  leaf %s: %q (%d candidates)\n", n.NodeID, n.Description, len(n.Candidates))
	}
	return s
}
