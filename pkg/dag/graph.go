// Package dag models the pipeline graph: named nodes joined by labeled
// edges, validated before any run starts, with deterministic step
// assignment and a canonical fingerprint for checkpoint compatibility.
package dag

import (
	"fmt"
	"sort"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// NodeSpec declares one node of the graph.
type NodeSpec struct {
	NodeID        string
	PluginName    string
	NodeType      contracts.NodeType
	PluginVersion string
	Determinism   contracts.Determinism
	Config        map[string]any
	// OnError is consulted by the engine when the node's plugin fails.
	OnError contracts.ErrorPolicy
}

// EdgeSpec declares one labeled edge.
type EdgeSpec struct {
	From  string
	To    string
	Label string
	Mode  contracts.EdgeMode
}

// Graph is a validated pipeline DAG.
type Graph struct {
	nodes map[string]NodeSpec
	edges []EdgeSpec
	// outgoing[from][label] = edge
	outgoing map[string]map[string]EdgeSpec
	incoming map[string][]EdgeSpec
	steps    map[string]int
	sourceID string
}

// Builder accumulates nodes and edges before validation.
type Builder struct {
	nodes []NodeSpec
	edges []EdgeSpec
}

// NewBuilder returns an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddNode registers a node spec.
func (b *Builder) AddNode(spec NodeSpec) *Builder {
	b.nodes = append(b.nodes, spec)
	return b
}

// Connect registers an edge.
func (b *Builder) Connect(from, to, label string, mode contracts.EdgeMode) *Builder {
	b.edges = append(b.edges, EdgeSpec{From: from, To: to, Label: label, Mode: mode})
	return b
}

// Build validates the accumulated topology and assigns steps.
//
// Rules: exactly one source; every edge endpoint exists; (from, label) is
// unique; sinks have no outgoing edges; every node is reachable from the
// source; no cycles.
func (b *Builder) Build() (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]NodeSpec, len(b.nodes)),
		edges:    append([]EdgeSpec(nil), b.edges...),
		outgoing: make(map[string]map[string]EdgeSpec),
		incoming: make(map[string][]EdgeSpec),
		steps:    make(map[string]int),
	}

	for _, spec := range b.nodes {
		if spec.NodeID == "" {
			return nil, fmt.Errorf("dag: node with empty node_id")
		}
		if _, dup := g.nodes[spec.NodeID]; dup {
			return nil, fmt.Errorf("dag: duplicate node %q", spec.NodeID)
		}
		g.nodes[spec.NodeID] = spec
		if spec.NodeType == contracts.NodeSource {
			if g.sourceID != "" {
				return nil, fmt.Errorf("dag: multiple sources (%q and %q)", g.sourceID, spec.NodeID)
			}
			g.sourceID = spec.NodeID
		}
	}
	if g.sourceID == "" {
		return nil, fmt.Errorf("dag: graph has no source")
	}

	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("dag: edge from unknown node %q", e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("dag: edge to unknown node %q", e.To)
		}
		if g.nodes[e.From].NodeType == contracts.NodeSink {
			return nil, fmt.Errorf("dag: sink %q has an outgoing edge", e.From)
		}
		labels, ok := g.outgoing[e.From]
		if !ok {
			labels = make(map[string]EdgeSpec)
			g.outgoing[e.From] = labels
		}
		if _, dup := labels[e.Label]; dup {
			return nil, fmt.Errorf("dag: node %q has two edges labeled %q", e.From, e.Label)
		}
		labels[e.Label] = e
		g.incoming[e.To] = append(g.incoming[e.To], e)
	}

	if err := g.assignSteps(); err != nil {
		return nil, err
	}
	return g, nil
}

// assignSteps runs Kahn's algorithm from the source. The source is step 0,
// every processing node is max(predecessor steps)+1, and all sinks land at
// max(processing step)+1 so terminal writes sort last.
func (g *Graph) assignSteps() error {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		indegree[e.To]++
	}

	queue := []string{g.sourceID}
	g.steps[g.sourceID] = 0
	visited := 1
	maxProcessing := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		labels := make([]string, 0, len(g.outgoing[current]))
		for label := range g.outgoing[current] {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			e := g.outgoing[current][label]
			step := g.steps[current] + 1
			if prior, seen := g.steps[e.To]; !seen || step > prior {
				g.steps[e.To] = step
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				queue = append(queue, e.To)
				visited++
			}
		}
	}

	var unreached []string
	for id, spec := range g.nodes {
		if _, reached := g.steps[id]; !reached {
			unreached = append(unreached, id)
			continue
		}
		if spec.NodeType != contracts.NodeSink && g.steps[id] > maxProcessing {
			maxProcessing = g.steps[id]
		}
	}
	sort.Strings(unreached)
	for _, id := range unreached {
		if onCycle(g, id) {
			return fmt.Errorf("dag: cycle through node %q", id)
		}
	}
	if len(unreached) > 0 {
		return fmt.Errorf("dag: node %q unreachable from source", unreached[0])
	}
	if visited != len(g.nodes) {
		return fmt.Errorf("dag: cycle detected")
	}

	for id, spec := range g.nodes {
		if spec.NodeType == contracts.NodeSink {
			g.steps[id] = maxProcessing + 1
		}
	}
	return nil
}

func onCycle(g *Graph, start string) bool {
	// A node that can reach itself is on a cycle; an unreached node that
	// cannot is merely disconnected or downstream of one.
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.outgoing[current] {
			if e.To == start {
				return true
			}
			if !seen[e.To] {
				seen[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	return false
}

// Node returns a node spec by id.
func (g *Graph) Node(nodeID string) (NodeSpec, bool) {
	spec, ok := g.nodes[nodeID]
	return spec, ok
}

// Source returns the graph's single source node.
func (g *Graph) Source() NodeSpec {
	return g.nodes[g.sourceID]
}

// Step returns the assigned step index for a node.
func (g *Graph) Step(nodeID string) (int, bool) {
	step, ok := g.steps[nodeID]
	return step, ok
}

// OutgoingEdge resolves the edge for (from, label).
func (g *Graph) OutgoingEdge(from, label string) (EdgeSpec, bool) {
	e, ok := g.outgoing[from][label]
	return e, ok
}

// OutgoingEdges returns a node's edges sorted by label.
func (g *Graph) OutgoingEdges(from string) []EdgeSpec {
	labels := make([]string, 0, len(g.outgoing[from]))
	for label := range g.outgoing[from] {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	out := make([]EdgeSpec, 0, len(labels))
	for _, label := range labels {
		out = append(out, g.outgoing[from][label])
	}
	return out
}

// IncomingEdges returns a node's incoming edges.
func (g *Graph) IncomingEdges(to string) []EdgeSpec {
	return g.incoming[to]
}

// NodeIDs returns all node ids in (step, id) order: the engine's traversal
// and registration order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if g.steps[ids[i]] != g.steps[ids[j]] {
			return g.steps[ids[i]] < g.steps[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Edges returns the declared edges in (from, label) order.
func (g *Graph) Edges() []EdgeSpec {
	out := append([]EdgeSpec(nil), g.edges...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Fingerprint hashes the full topology and node configuration. Two graphs
// share a fingerprint exactly when resume can treat them as the same
// pipeline.
func (g *Graph) Fingerprint() (string, error) {
	type nodeFP struct {
		nodeID string
		value  map[string]any
	}
	nodeFPs := make([]nodeFP, 0, len(g.nodes))
	for id, spec := range g.nodes {
		configHash, err := g.NodeConfigHash(id)
		if err != nil {
			return "", err
		}
		nodeFPs = append(nodeFPs, nodeFP{nodeID: id, value: map[string]any{
			"node_id":        id,
			"plugin_name":    spec.PluginName,
			"node_type":      string(spec.NodeType),
			"plugin_version": spec.PluginVersion,
			"config_hash":    configHash,
		}})
	}
	sort.Slice(nodeFPs, func(i, j int) bool { return nodeFPs[i].nodeID < nodeFPs[j].nodeID })

	nodes := make([]any, 0, len(nodeFPs))
	for _, fp := range nodeFPs {
		nodes = append(nodes, fp.value)
	}
	edges := make([]any, 0, len(g.edges))
	for _, e := range g.Edges() {
		edges = append(edges, map[string]any{
			"from": e.From, "to": e.To, "label": e.Label, "mode": string(e.Mode),
		})
	}
	return canonicalize.StableHash(map[string]any{"nodes": nodes, "edges": edges})
}

// UpstreamTopologyHash hashes the subgraph that feeds a node: everything a
// resumed run must not have changed for checkpoints at this node to stay
// valid. Changes strictly downstream of the node leave it untouched.
func (g *Graph) UpstreamTopologyHash(nodeID string) (string, error) {
	if _, ok := g.nodes[nodeID]; !ok {
		return "", fmt.Errorf("dag: unknown node %q", nodeID)
	}
	upstream := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range g.incoming[current] {
			if !upstream[e.From] {
				upstream[e.From] = true
				queue = append(queue, e.From)
			}
		}
	}

	ids := make([]string, 0, len(upstream))
	for id := range upstream {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	nodes := make([]any, 0, len(ids))
	for _, id := range ids {
		spec := g.nodes[id]
		nodes = append(nodes, map[string]any{
			"node_id":        id,
			"plugin_name":    spec.PluginName,
			"plugin_version": spec.PluginVersion,
			"config":         spec.Config,
		})
	}
	edges := make([]any, 0)
	for _, e := range g.Edges() {
		if upstream[e.From] && upstream[e.To] {
			edges = append(edges, map[string]any{
				"from": e.From, "to": e.To, "label": e.Label, "mode": string(e.Mode),
			})
		}
	}
	return canonicalize.StableHash(map[string]any{"nodes": nodes, "edges": edges})
}

// NodeConfigHash hashes one node's configuration.
func (g *Graph) NodeConfigHash(nodeID string) (string, error) {
	spec, ok := g.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("dag: unknown node %q", nodeID)
	}
	return canonicalize.StableHash(map[string]any{
		"plugin_name":    spec.PluginName,
		"plugin_version": spec.PluginVersion,
		"config":         spec.Config,
	})
}
