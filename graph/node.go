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

package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/types/shapes"
)

// NodeIndex is the stable integer identity of a Node within a Graph.
//
// The Graph is the arena owning all its Nodes: external code holds indices,
// never long-lived Node references, so removing a node cannot leave a
// dangling live reference -- only a now-invalid index, detectable with
// Graph.GetNode. An index invalidated by RemoveNode is never reused.
type NodeIndex int

// InvalidNodeIndex is returned by operations that failed to produce a node.
const InvalidNodeIndex = NodeIndex(-1)

// NodeArg is a logical tensor slot: name, element type and (possibly
// partially unknown) shape.
//
// A NodeArg is shared by reference between the producing node's output slot
// and each consuming node's input slot -- one producer output, many consumer
// inputs. Equality is by identity, not by value: replacing a consumer's
// input reference is the mechanism for graph rewiring.
type NodeArg struct {
	name  string
	dtype dtypes.DType
	shape shapes.Shape
}

// NewNodeArg creates a tensor slot with the given name, element type and
// declared shape. The shape may be partially unknown.
func NewNodeArg(name string, dtype dtypes.DType, shape shapes.Shape) *NodeArg {
	return &NodeArg{name: name, dtype: dtype, shape: shape}
}

// Name of the tensor slot. Names are for diagnostics and the feeds/fetches of
// a session; identity is the pointer.
func (a *NodeArg) Name() string { return a.name }

// DType of the tensor slot's elements.
func (a *NodeArg) DType() dtypes.DType { return a.dtype }

// Shape declared for the slot. May hold unknown dimensions until Resolve
// propagates shapes.
func (a *NodeArg) Shape() shapes.Shape { return a.shape }

// SetShape refines the declared shape. Used by Resolve's shape propagation.
func (a *NodeArg) SetShape(shape shapes.Shape) { a.shape = shape }

// String implements fmt.Stringer.
func (a *NodeArg) String() string {
	if a == nil {
		return "<detached>"
	}
	return fmt.Sprintf("%s:%s", a.name, a.shape)
}

// Edge is a directed producer to consumer relation between specific slots.
//
// Edges are derived from NodeArg sharing, not separately persisted state:
// Resolve rebuilds the adjacency sets from slot identity, and AddEdge /
// RemoveEdge maintain them incrementally in between. Invariant: for every
// edge, the destination node's input[DstSlot] is the same NodeArg identity
// as the source node's output[SrcSlot].
type Edge struct {
	Src, Dst         NodeIndex
	SrcSlot, DstSlot int
}

// String implements fmt.Stringer.
func (e Edge) String() string {
	return fmt.Sprintf("#%d[%d]->#%d[%d]", e.Src, e.SrcSlot, e.Dst, e.DstSlot)
}

// Node is a single operator instance in the graph IR. Nodes are created with
// Graph.AddNode and owned exclusively by the Graph.
type Node struct {
	graph *Graph
	index NodeIndex

	name         string
	opType       string
	domain       string
	opsetVersion int

	inputs  []*NodeArg
	outputs []*NodeArg
	attrs   Attributes

	inputEdges  map[Edge]struct{}
	outputEdges map[Edge]struct{}
}

// Index is the stable identity of the node within its Graph.
func (n *Node) Index() NodeIndex { return n.index }

// Name of the node, unique within the Graph for diagnostics.
func (n *Node) Name() string { return n.name }

// OpType is the operator type string, e.g. "Conv" or "Relu".
func (n *Node) OpType() string { return n.opType }

// Domain of the operator, "" for the default domain.
func (n *Node) Domain() string { return n.domain }

// OpsetVersion the node declares for its operator.
func (n *Node) OpsetVersion() int { return n.opsetVersion }

// Inputs returns the node's ordered input slots. A nil entry is a slot
// detached by RemoveEdge and not yet reattached; Resolve rejects it.
//
// The returned slice is owned by the node, callers must not mutate it.
func (n *Node) Inputs() []*NodeArg { return n.inputs }

// Outputs returns the node's ordered output slots.
//
// The returned slice is owned by the node, callers must not mutate it.
func (n *Node) Outputs() []*NodeArg { return n.outputs }

// Attributes of the node. The returned map is owned by the node.
func (n *Node) Attributes() Attributes { return n.attrs }

// SetAttribute adds or replaces one attribute.
func (n *Node) SetAttribute(name string, attr Attribute) {
	if n.attrs == nil {
		n.attrs = make(Attributes)
	}
	n.attrs[name] = attr
}

// InputEdges returns the incoming edges, sorted for determinism.
func (n *Node) InputEdges() []Edge { return sortedEdges(n.inputEdges) }

// OutputEdges returns the outgoing edges, sorted for determinism.
func (n *Node) OutputEdges() []Edge { return sortedEdges(n.outputEdges) }

// NumOutputEdges is the total count of outgoing edges, over all output slots.
func (n *Node) NumOutputEdges() int { return len(n.outputEdges) }

// NumInputEdges is the total count of incoming edges.
func (n *Node) NumInputEdges() int { return len(n.inputEdges) }

func sortedEdges(set map[Edge]struct{}) []Edge {
	edges := make([]Edge, 0, len(set))
	for edge := range set {
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Src != b.Src {
			return a.Src < b.Src
		}
		if a.Dst != b.Dst {
			return a.Dst < b.Dst
		}
		if a.SrcSlot != b.SrcSlot {
			return a.SrcSlot < b.SrcSlot
		}
		return a.DstSlot < b.DstSlot
	})
	return edges
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(removed)"
	}
	inputs := make([]string, len(n.inputs))
	for i, arg := range n.inputs {
		inputs[i] = arg.String()
	}
	outputs := make([]string, len(n.outputs))
	for i, arg := range n.outputs {
		outputs[i] = arg.String()
	}
	op := n.opType
	if n.domain != "" {
		op = n.domain + "." + op
	}
	return fmt.Sprintf("%s[%s](%s) -> (%s)", n.name, op, strings.Join(inputs, ", "), strings.Join(outputs, ", "))
}
