/*
 *	Copyright 2024 The graphrt Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package graph implements the mutable intermediate representation of a
// computation: a DAG of typed operator nodes, with the mutation and
// validation protocol the optimization passes are built on.
//
// The main elements of the package are:
//
//   - Graph: the node collection plus derived adjacency. A Graph is created
//     once per model load, mutated in place by a sequence of optimization
//     passes (see the rewriters package), and destroyed when the owning
//     session ends.
//
//   - Node: a single operator instance, identified by a stable NodeIndex.
//     The Graph is the sole arena for Nodes.
//
//   - NodeArg: a typed logical tensor slot, shared by reference between the
//     producing node's output slot and every consuming node's input slot.
//
// ## Mutation protocol
//
// Structural mutations (AddNode, RemoveNode, AddEdge, RemoveEdge) are
// batched: after any batch, Resolve must be called before the graph may be
// read for topological order, shape/type information or execution
// partitioning. Every mutating call returns an error tagged with a
// status.Code rather than panicking, and the staleness rule is enforced, not
// trusted: any mutation invalidates the cached topological order, and
// NodesInTopologicalOrder fails with a StructuralError until the next
// successful Resolve.
//
// A failed Resolve leaves the previously applied mutations in place --
// rolling a bad mutation back is the caller's responsibility.
//
// ## Concurrency
//
// A Graph supports a single writer and no concurrent mutation: graph
// construction and optimization passes run single-threaded against one Graph
// instance.
package graph

import (
	"fmt"
	"strings"

	"github.com/graphrt/graphrt/types/status"
)

// Graph is the node collection plus derived adjacency.
//
// Invariants: node indices are stable until explicit removal and never
// reused; the graph is a DAG between Resolve calls; topological order and
// shape/type information are stale until Resolve runs after a batch of
// mutations.
type Graph struct {
	name string

	// nodes is the arena: index == NodeIndex, removed nodes leave a nil slot
	// so indices are never reused.
	nodes    []*Node
	numLive  int
	resolved bool

	inputs  []*NodeArg
	outputs []*NodeArg

	topoOrder []NodeIndex

	nameCounter int
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name of the model this graph represents.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int { return g.numLive }

// AddInput declares a graph-level input slot. Feeds of a session bind to
// these by name.
func (g *Graph) AddInput(arg *NodeArg) {
	g.inputs = append(g.inputs, arg)
	g.resolved = false
}

// AddOutput declares a graph-level output slot: an externally observed
// value. Optimization passes must not change the set of NodeArg values
// observable here.
func (g *Graph) AddOutput(arg *NodeArg) {
	g.outputs = append(g.outputs, arg)
	g.resolved = false
}

// Inputs returns the graph-level input slots.
func (g *Graph) Inputs() []*NodeArg { return g.inputs }

// Outputs returns the graph-level output slots.
func (g *Graph) Outputs() []*NodeArg { return g.outputs }

// IsOutput reports whether arg is one of the externally observed graph
// outputs. Comparison is by identity.
func (g *Graph) IsOutput(arg *NodeArg) bool {
	for _, out := range g.outputs {
		if out == arg {
			return true
		}
	}
	return false
}

// ReplaceOutput swaps an externally observed output slot for another,
// preserving position. Used by passes that must keep an output name alive
// while replacing its producer.
func (g *Graph) ReplaceOutput(oldArg, newArg *NodeArg) bool {
	for i, out := range g.outputs {
		if out == oldArg {
			g.outputs[i] = newArg
			g.resolved = false
			return true
		}
	}
	return false
}

// GetNode returns the node with the given index, or an InvalidArgument error
// if the index is out of range or the node has been removed.
func (g *Graph) GetNode(index NodeIndex) (*Node, error) {
	if index < 0 || int(index) >= len(g.nodes) {
		return nil, status.Errorf(status.InvalidArgument, "graph %q has no node with index %d", g.name, index)
	}
	node := g.nodes[index]
	if node == nil {
		return nil, status.Errorf(status.InvalidArgument, "node #%d of graph %q has been removed", index, g.name)
	}
	return node, nil
}

// GenerateNodeName returns a name not yet used by any node in the graph,
// derived from the given base.
func (g *Graph) GenerateNodeName(base string) string {
	for {
		g.nameCounter++
		name := fmt.Sprintf("%s_%d", base, g.nameCounter)
		if !g.hasNodeNamed(name) {
			return name
		}
	}
}

func (g *Graph) hasNodeNamed(name string) bool {
	for _, node := range g.nodes {
		if node != nil && node.name == name {
			return true
		}
	}
	return false
}

// AddNode creates a node with the given operator type, ordered input/output
// slots and attributes, and returns it. The node takes ownership of the
// attribute map. Input slots may be nil only if edges are attached before
// the next Resolve.
//
// AddNode marks the graph stale: Resolve must run before the graph is read.
func (g *Graph) AddNode(name, opType string, inputs, outputs []*NodeArg, attrs Attributes, domain string, opsetVersion int) (*Node, error) {
	if opType == "" {
		return nil, status.Errorf(status.InvalidArgument, "AddNode(%q): operator type must not be empty", name)
	}
	if len(outputs) == 0 {
		return nil, status.Errorf(status.InvalidArgument, "AddNode(%q, %s): a node requires at least one output slot", name, opType)
	}
	if name == "" {
		name = g.GenerateNodeName(opType)
	} else if g.hasNodeNamed(name) {
		return nil, status.Errorf(status.InvalidArgument, "AddNode(%q): a node with this name already exists", name)
	}
	for i, arg := range outputs {
		if arg == nil {
			return nil, status.Errorf(status.InvalidArgument, "AddNode(%q): output slot %d is nil", name, i)
		}
	}
	node := &Node{
		graph:        g,
		index:        NodeIndex(len(g.nodes)),
		name:         name,
		opType:       opType,
		domain:       domain,
		opsetVersion: opsetVersion,
		inputs:       append([]*NodeArg(nil), inputs...),
		outputs:      append([]*NodeArg(nil), outputs...),
		attrs:        attrs,
		inputEdges:   make(map[Edge]struct{}),
		outputEdges:  make(map[Edge]struct{}),
	}
	g.nodes = append(g.nodes, node)
	g.numLive++
	g.resolved = false
	return node, nil
}

// RemoveNode removes the node with the given index from the graph. It fails
// with an InvalidArgument error if the node still has incident edges:
// callers must detach edges first. The index is permanently invalidated.
func (g *Graph) RemoveNode(index NodeIndex) error {
	node, err := g.GetNode(index)
	if err != nil {
		return err
	}
	if len(node.inputEdges) > 0 || len(node.outputEdges) > 0 {
		return status.Errorf(status.InvalidArgument,
			"RemoveNode(#%d %q): node still has %d input and %d output edges, detach them first",
			index, node.name, len(node.inputEdges), len(node.outputEdges))
	}
	g.nodes[index] = nil
	g.numLive--
	g.resolved = false
	return nil
}

// AddEdge connects src's output slot to dst's input slot: it rebinds the
// destination input slot to the source output's NodeArg and records the edge
// in both nodes' adjacency sets. Binding and adjacency are mutated together,
// there is no intermediate state where only one side reflects the change.
//
// Cycle detection is deferred to Resolve.
func (g *Graph) AddEdge(src, dst NodeIndex, srcSlot, dstSlot int) error {
	srcNode, err := g.GetNode(src)
	if err != nil {
		return err
	}
	dstNode, err := g.GetNode(dst)
	if err != nil {
		return err
	}
	if srcSlot < 0 || srcSlot >= len(srcNode.outputs) {
		return status.Errorf(status.InvalidArgument, "AddEdge: node #%d %q has no output slot %d", src, srcNode.name, srcSlot)
	}
	if dstSlot < 0 || dstSlot >= len(dstNode.inputs) {
		return status.Errorf(status.InvalidArgument, "AddEdge: node #%d %q has no input slot %d", dst, dstNode.name, dstSlot)
	}
	dstNode.inputs[dstSlot] = srcNode.outputs[srcSlot]
	edge := Edge{Src: src, Dst: dst, SrcSlot: srcSlot, DstSlot: dstSlot}
	srcNode.outputEdges[edge] = struct{}{}
	dstNode.inputEdges[edge] = struct{}{}
	g.resolved = false
	return nil
}

// RemoveEdge disconnects src's output slot from dst's input slot: the edge
// is removed from both adjacency sets and the destination input slot is
// detached (set to nil). A detached slot must be reattached with AddEdge
// before the next Resolve, or Resolve fails with a dangling reference.
func (g *Graph) RemoveEdge(src, dst NodeIndex, srcSlot, dstSlot int) error {
	srcNode, err := g.GetNode(src)
	if err != nil {
		return err
	}
	dstNode, err := g.GetNode(dst)
	if err != nil {
		return err
	}
	edge := Edge{Src: src, Dst: dst, SrcSlot: srcSlot, DstSlot: dstSlot}
	if _, found := srcNode.outputEdges[edge]; !found {
		return status.Errorf(status.InvalidArgument, "RemoveEdge(%s): no such edge", edge)
	}
	delete(srcNode.outputEdges, edge)
	delete(dstNode.inputEdges, edge)
	dstNode.inputs[dstSlot] = nil
	g.resolved = false
	return nil
}

// ReplaceInputReferences rewrites every input slot of every live node that
// references oldArg (by identity) to reference newArg instead, and returns
// the number of slots rewritten. This is the rewiring mechanism passes use
// when multiple consumers share one NodeArg: a reference rewrite, not an
// edge-by-edge patch.
//
// Adjacency sets are not updated here; the graph is marked stale and the
// next Resolve derives the new edges from the rewritten sharing.
func (g *Graph) ReplaceInputReferences(oldArg, newArg *NodeArg) int {
	count := 0
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for slot, arg := range node.inputs {
			if arg == oldArg {
				node.inputs[slot] = newArg
				count++
			}
		}
	}
	if count > 0 {
		g.resolved = false
	}
	return count
}

// Nodes iterates over the live nodes in index order, independent of
// resolution state. Mostly for diagnostics; execution order must come from
// NodesInTopologicalOrder.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, g.numLive)
	for _, node := range g.nodes {
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// NodesInTopologicalOrder returns the node indices in the order computed by
// the last successful Resolve. It fails with a StructuralError if the graph
// has been structurally mutated since: staleness is checked, never trusted.
func (g *Graph) NodesInTopologicalOrder() ([]NodeIndex, error) {
	if !g.resolved {
		return nil, status.Errorf(status.StructuralError,
			"graph %q has unresolved mutations: call Resolve before reading the topological order", g.name)
	}
	return g.topoOrder, nil
}

// IsResolved reports whether the graph has been successfully resolved since
// the last structural mutation.
func (g *Graph) IsResolved() bool { return g.resolved }

// Resolve recomputes the derived state after a batch of structural
// mutations: it rebuilds the adjacency sets from NodeArg sharing, recomputes
// the topological order, and propagates and validates shapes and types.
//
// On failure it returns a StructuralError (cycle, dangling reference, type
// mismatch) without partially applying the derived state; the structural
// mutations already made are left in place.
func (g *Graph) Resolve() error {
	producers, err := g.buildProducers()
	if err != nil {
		return err
	}
	if err := g.rebuildAdjacency(producers); err != nil {
		return err
	}
	order, err := g.topologicalSort()
	if err != nil {
		return err
	}
	if err := g.inferShapes(order); err != nil {
		return err
	}
	for _, out := range g.outputs {
		if _, found := producers[out]; !found && !g.isInput(out) {
			return status.Errorf(status.StructuralError,
				"graph output %q has no producing node", out.Name())
		}
	}
	g.topoOrder = order
	g.resolved = true
	return nil
}

type producerSlot struct {
	node *Node
	slot int
}

// buildProducers maps every produced NodeArg identity to its unique
// producing (node, output slot).
func (g *Graph) buildProducers() (map[*NodeArg]producerSlot, error) {
	producers := make(map[*NodeArg]producerSlot, len(g.nodes))
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for slot, arg := range node.outputs {
			if prev, found := producers[arg]; found {
				return nil, status.Errorf(status.StructuralError,
					"slot %q is produced by both node #%d %q and node #%d %q",
					arg.Name(), prev.node.index, prev.node.name, node.index, node.name)
			}
			producers[arg] = producerSlot{node: node, slot: slot}
		}
	}
	return producers, nil
}

func (g *Graph) isInput(arg *NodeArg) bool {
	for _, in := range g.inputs {
		if in == arg {
			return true
		}
	}
	return false
}

// rebuildAdjacency derives the edge sets from NodeArg identity sharing,
// discarding whatever incremental state AddEdge/RemoveEdge maintained.
func (g *Graph) rebuildAdjacency(producers map[*NodeArg]producerSlot) error {
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		node.inputEdges = make(map[Edge]struct{})
		node.outputEdges = make(map[Edge]struct{})
	}
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for slot, arg := range node.inputs {
			if arg == nil {
				return status.Errorf(status.StructuralError,
					"node #%d %q input slot %d is detached (RemoveEdge without a matching AddEdge?)",
					node.index, node.name, slot)
			}
			producer, found := producers[arg]
			if !found {
				if !g.isInput(arg) {
					return status.Errorf(status.StructuralError,
						"node #%d %q input %q is a dangling reference: no producing node, and not a graph input",
						node.index, node.name, arg.Name())
				}
				continue
			}
			edge := Edge{Src: producer.node.index, Dst: node.index, SrcSlot: producer.slot, DstSlot: slot}
			producer.node.outputEdges[edge] = struct{}{}
			node.inputEdges[edge] = struct{}{}
		}
	}
	return nil
}

// topologicalSort runs Kahn's algorithm over the live nodes. A leftover node
// means a cycle.
func (g *Graph) topologicalSort() ([]NodeIndex, error) {
	remaining := make(map[NodeIndex]int, g.numLive)
	var frontier []NodeIndex
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		remaining[node.index] = len(node.inputEdges)
		if len(node.inputEdges) == 0 {
			frontier = append(frontier, node.index)
		}
	}
	order := make([]NodeIndex, 0, g.numLive)
	for len(frontier) > 0 {
		index := frontier[0]
		frontier = frontier[1:]
		order = append(order, index)
		node := g.nodes[index]
		for _, edge := range node.OutputEdges() {
			remaining[edge.Dst]--
			if remaining[edge.Dst] == 0 {
				frontier = append(frontier, edge.Dst)
			}
		}
	}
	if len(order) != g.numLive {
		var cyclic []string
		for index, count := range remaining {
			if count > 0 {
				cyclic = append(cyclic, fmt.Sprintf("#%d %q", index, g.nodes[index].name))
			}
		}
		return nil, status.Errorf(status.StructuralError,
			"graph %q contains a cycle involving nodes: %s", g.name, strings.Join(cyclic, ", "))
	}
	return order, nil
}

// String converts the Graph to a multi-line string, one node per line in
// index order.
func (g *Graph) String() string {
	parts := []string{fmt.Sprintf("Graph %q: %d nodes, %d inputs, %d outputs",
		g.name, g.numLive, len(g.inputs), len(g.outputs))}
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("#%d\t%s", node.index, node))
	}
	return strings.Join(parts, "\n")
}
