package workflow

import (
	"fmt"
	"sort"
)

// NodeKind discriminates the three node families of a workflow graph.
type NodeKind string

const (
	KindActivity NodeKind = "activity"
	KindDecision NodeKind = "decision"
	KindEvent    NodeKind = "event"
)

// Node is the resolved union of the three node families. Exactly one of
// Activity, Decision and Event is set, matching Kind.
type Node struct {
	Kind     NodeKind
	Activity *Activity
	Decision *DecisionNode
	Event    *Event
}

// ID returns the node's entity id.
func (n *Node) ID() string {
	switch n.Kind {
	case KindActivity:
		return n.Activity.ID
	case KindDecision:
		return n.Decision.ID
	case KindEvent:
		return n.Event.ID
	}
	return ""
}

// Name returns the node's display name, falling back to the id.
func (n *Node) Name() string {
	switch n.Kind {
	case KindActivity:
		return n.Activity.Name
	case KindDecision:
		if n.Decision.Name != "" {
			return n.Decision.Name
		}
	case KindEvent:
		if n.Event.Name != "" {
			return n.Event.Name
		}
	}
	return n.ID()
}

// Graph is the immutable run-time index over a validated workflow:
// O(1) node and context lookup, O(out-degree) edge iteration. It holds
// no mutable state and is safe for concurrent readers.
type Graph struct {
	wf       *Workflow
	nodes    map[string]*Node
	edges    map[string]*Edge
	outbound map[string][]*Edge
	inbound  map[string][]*Edge
	contexts map[string]*Context
	starts   []*Node
}

// NewGraph indexes a workflow and resolves every id reference. A dangling
// edge endpoint, context binding or rule edge yields a ReferenceError;
// a violated default-edge invariant yields a ValidationError.
func NewGraph(wf *Workflow) (*Graph, error) {
	g := &Graph{
		wf:       wf,
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge, len(wf.Edges)),
		outbound: make(map[string][]*Edge),
		inbound:  make(map[string][]*Edge),
		contexts: make(map[string]*Context, len(wf.Contexts)),
	}

	for _, act := range wf.Activities {
		g.nodes[act.ID] = &Node{Kind: KindActivity, Activity: act}
	}
	for _, dn := range wf.DecisionNodes {
		g.nodes[dn.ID] = &Node{Kind: KindDecision, Decision: dn}
	}
	for _, ev := range wf.Events {
		g.nodes[ev.ID] = &Node{Kind: KindEvent, Event: ev}
	}
	for _, c := range wf.Contexts {
		g.contexts[c.ID] = c
	}

	for _, e := range wf.Edges {
		src, ok := g.nodes[e.SourceID]
		if !ok {
			return nil, &ReferenceError{Kind: "node", RefID: e.SourceID, From: "edge " + e.ID}
		}
		tgt, ok := g.nodes[e.TargetID]
		if !ok {
			return nil, &ReferenceError{Kind: "node", RefID: e.TargetID, From: "edge " + e.ID}
		}
		if e.SourceType != "" && e.SourceType != string(src.Kind) {
			return nil, &ReferenceError{Kind: "node", RefID: e.SourceID,
				From: fmt.Sprintf("edge %s (declared source_type %s, actual %s)", e.ID, e.SourceType, src.Kind)}
		}
		if e.TargetType != "" && e.TargetType != string(tgt.Kind) {
			return nil, &ReferenceError{Kind: "node", RefID: e.TargetID,
				From: fmt.Sprintf("edge %s (declared target_type %s, actual %s)", e.ID, e.TargetType, tgt.Kind)}
		}
		g.edges[e.ID] = e
		g.outbound[e.SourceID] = append(g.outbound[e.SourceID], e)
		g.inbound[e.TargetID] = append(g.inbound[e.TargetID], e)
	}

	for _, act := range wf.Activities {
		for _, b := range act.ContextBindings {
			if _, ok := g.contexts[b.ContextID]; !ok {
				return nil, &ReferenceError{Kind: "context", RefID: b.ContextID, From: "activity " + act.ID}
			}
		}
	}

	for _, dn := range wf.DecisionNodes {
		for i, r := range dn.Table.Rules {
			if r.OutputEdgeID == "" {
				continue
			}
			edge, ok := g.edges[r.OutputEdgeID]
			if !ok {
				return nil, &ReferenceError{Kind: "edge", RefID: r.OutputEdgeID,
					From: fmt.Sprintf("decision %s rule %d", dn.ID, i)}
			}
			if edge.SourceID != dn.ID {
				return nil, &ReferenceError{Kind: "edge", RefID: r.OutputEdgeID,
					From: fmt.Sprintf("decision %s rule %d (edge leaves node %s)", dn.ID, i, edge.SourceID)}
			}
		}
	}

	if err := g.checkDefaultEdges(); err != nil {
		return nil, err
	}

	g.starts = g.computeStartNodes()
	if len(g.starts) == 0 {
		return nil, &ValidationError{Field: "edges", Reason: "workflow has no entry nodes (no place to start)"}
	}

	return g, nil
}

// checkDefaultEdges enforces at most one default edge per source node and
// exactly one leaving each decision node.
func (g *Graph) checkDefaultEdges() error {
	for nodeID, edges := range g.outbound {
		defaults := 0
		for _, e := range edges {
			if e.IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			return &ValidationError{Field: "edges",
				Reason: fmt.Sprintf("node %s declares %d default edges", nodeID, defaults)}
		}
		if node := g.nodes[nodeID]; node.Kind == KindDecision && defaults != 1 {
			return &ValidationError{Field: "edges",
				Reason: fmt.Sprintf("decision node %s must declare exactly one default edge", nodeID)}
		}
	}
	// Decision nodes with no outbound edges at all also violate the
	// default-edge invariant.
	for id, node := range g.nodes {
		if node.Kind == KindDecision && len(g.outbound[id]) == 0 {
			return &ValidationError{Field: "edges",
				Reason: fmt.Sprintf("decision node %s must declare exactly one default edge", id)}
		}
	}
	return nil
}

// computeStartNodes returns declared start events when present, otherwise
// the nodes with no inbound edge. Order is deterministic by id.
func (g *Graph) computeStartNodes() []*Node {
	var starts []*Node
	for _, ev := range g.wf.Events {
		if ev.EventType == EventStart {
			starts = append(starts, g.nodes[ev.ID])
		}
	}
	if len(starts) == 0 {
		for id, node := range g.nodes {
			if len(g.inbound[id]) == 0 {
				starts = append(starts, node)
			}
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].ID() < starts[j].ID() })
	return starts
}

// Workflow returns the underlying document.
func (g *Graph) Workflow() *Workflow { return g.wf }

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edge looks up an edge by id.
func (g *Graph) Edge(id string) (*Edge, bool) {
	e, ok := g.edges[id]
	return e, ok
}

// Outbound returns the edges leaving a node in declaration order.
func (g *Graph) Outbound(id string) []*Edge { return g.outbound[id] }

// Inbound returns the edges entering a node in declaration order.
func (g *Graph) Inbound(id string) []*Edge { return g.inbound[id] }

// DefaultEdge returns the default outbound edge of a node, if any.
func (g *Graph) DefaultEdge(id string) *Edge {
	for _, e := range g.outbound[id] {
		if e.IsDefault {
			return e
		}
	}
	return nil
}

// CompensationEdge returns the compensation edge leaving a node, if any.
func (g *Graph) CompensationEdge(id string) *Edge {
	for _, e := range g.outbound[id] {
		if e.IsCompensation {
			return e
		}
	}
	return nil
}

// StartNodes returns the nodes that receive a token when a run starts.
func (g *Graph) StartNodes() []*Node { return g.starts }

// Context looks up a context definition by id.
func (g *Graph) Context(id string) (*Context, bool) {
	c, ok := g.contexts[id]
	return c, ok
}

// Contexts returns all context definitions in declaration order.
func (g *Graph) Contexts() []*Context { return g.wf.Contexts }
