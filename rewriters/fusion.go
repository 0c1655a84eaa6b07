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

package rewriters

import (
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/types/status"
)

// FusedDomain is the domain of operators created by fusion: they are not
// part of the external model schema.
const FusedDomain = "com.graphrt"

// ActivationAttr is the attribute added to a fused node recording which
// activation operator was absorbed.
const ActivationAttr = "activation"

// fusibleActivations is the fixed allow-list of pointwise activation-style
// operators that can be absorbed into their producer, with the minimum opset
// version each is supported at.
var fusibleActivations = map[string]int{
	"Relu":      6,
	"LeakyRelu": 6,
	"Sigmoid":   6,
	"Tanh":      6,
}

// ActivationFusion fuses a producer node with the single pointwise
// activation consuming it into one combined node, eliminating the
// intermediate materialization.
//
// A producer P fuses with its consumer A iff P has exactly one outgoing edge
// total, A's operator belongs to the activation allow-list, and neither P's
// nor A's output is an externally observed graph output (fusing would change
// the observable values). The fused node carries P's full input list and
// attributes, plus the "activation" attribute naming the absorbed operator
// and, verbatim, any attributes the activation itself carried (e.g.
// LeakyRelu's alpha) -- fusion is attribute-preserving, never lossy.
//
// One Apply performs a single scan; chains where the fused node itself
// becomes a new candidate are picked up by the next scan of the fixed-point
// driver, never within the same scan.
type ActivationFusion struct {
	// ProducerOpType is the operator type eligible as producer P.
	ProducerOpType string

	// ProducerMinVersion is the minimum opset version of eligible producers.
	ProducerMinVersion int

	// FusedOpType is the operator type of the replacement node.
	FusedOpType string
}

// NewConvActivationFusion returns the standard Conv + activation fusion.
func NewConvActivationFusion() *ActivationFusion {
	return &ActivationFusion{ProducerOpType: "Conv", ProducerMinVersion: 1, FusedOpType: "FusedConv"}
}

// NewGemmActivationFusion returns the Gemm + activation fusion.
func NewGemmActivationFusion() *ActivationFusion {
	return &ActivationFusion{ProducerOpType: "Gemm", ProducerMinVersion: 7, FusedOpType: "FusedGemm"}
}

// Name implements Pass.
func (f *ActivationFusion) Name() string {
	return f.ProducerOpType + "ActivationFusion"
}

// isSupported reports whether the node is the given operator of the default
// domain, at or above the given opset version.
func isSupported(node *graph.Node, opType string, minVersion int) bool {
	return node.OpType() == opType && node.Domain() == "" && node.OpsetVersion() >= minVersion
}

func isFusibleActivation(node *graph.Node) bool {
	minVersion, found := fusibleActivations[node.OpType()]
	return found && node.Domain() == "" && node.OpsetVersion() >= minVersion
}

// observesOutputs reports whether any output slot of the node is an
// externally observed graph output.
func observesOutputs(g *graph.Graph, node *graph.Node) bool {
	for _, arg := range node.Outputs() {
		if g.IsOutput(arg) {
			return true
		}
	}
	return false
}

// Apply implements Pass. It visits nodes in topological order, rewires each
// candidate pair inline, and defers the removal of the replaced nodes to the
// end of the scan so the order being iterated stays valid. A single Resolve
// runs for the whole batch; its failure means the rewrite produced an
// invalid graph and is propagated as a hard structural error.
func (f *ActivationFusion) Apply(g *graph.Graph) (modified bool, err error) {
	order, err := g.NodesInTopologicalOrder()
	if err != nil {
		return false, err
	}

	consumed := make(map[graph.NodeIndex]bool)
	var removals []graph.NodeIndex
	for _, index := range order {
		if consumed[index] {
			continue
		}
		producer, err := g.GetNode(index)
		if err != nil {
			return false, err
		}
		if !isSupported(producer, f.ProducerOpType, f.ProducerMinVersion) || producer.NumOutputEdges() != 1 {
			continue
		}
		edge := producer.OutputEdges()[0]
		if consumed[edge.Dst] {
			continue
		}
		activation, err := g.GetNode(edge.Dst)
		if err != nil {
			return false, err
		}
		if !isFusibleActivation(activation) ||
			observesOutputs(g, activation) || observesOutputs(g, producer) {
			continue
		}

		if err := f.fuse(g, producer, activation, edge); err != nil {
			return false, err
		}
		consumed[producer.Index()] = true
		consumed[activation.Index()] = true
		removals = append(removals, producer.Index(), activation.Index())
	}

	if len(removals) == 0 {
		return false, nil
	}
	for _, index := range removals {
		if err := g.RemoveNode(index); err != nil {
			return false, err
		}
	}
	if err := g.Resolve(); err != nil {
		return false, status.Wrapf(status.StructuralError, err,
			"%s produced an unresolvable graph, this is a bug in the pass", f.Name())
	}
	return true, nil
}

// fuse builds the replacement node and rewires all edges and references; it
// leaves producer and activation fully detached, ready for removal.
func (f *ActivationFusion) fuse(g *graph.Graph, producer, activation *graph.Node, link graph.Edge) error {
	attrs := producer.Attributes().Clone()
	if attrs == nil {
		attrs = make(graph.Attributes)
	}
	attrs[ActivationAttr] = graph.StringAttr(activation.OpType())
	for name, attr := range activation.Attributes() {
		attrs[name] = attr
	}

	// The fused node adopts the producer's output slots, so downstream
	// references stay valid by identity once the producer is removed.
	fused, err := g.AddNode(g.GenerateNodeName("fused_"+producer.Name()), f.FusedOpType,
		producer.Inputs(), producer.Outputs(), attrs, FusedDomain, producer.OpsetVersion())
	if err != nil {
		return err
	}

	// Redirect every edge out of the activation to originate from the fused
	// node's single output.
	for _, outEdge := range activation.OutputEdges() {
		if err := g.RemoveEdge(outEdge.Src, outEdge.Dst, outEdge.SrcSlot, outEdge.DstSlot); err != nil {
			return err
		}
		if err := g.AddEdge(fused.Index(), outEdge.Dst, 0, outEdge.DstSlot); err != nil {
			return err
		}
	}
	// Consumers may share the activation's output slot beyond the edges just
	// patched; rewrite the remaining references wholesale.
	g.ReplaceInputReferences(activation.Outputs()[0], fused.Outputs()[0])

	// Detach the producer-to-activation link and the producer's own inputs.
	if err := g.RemoveEdge(link.Src, link.Dst, link.SrcSlot, link.DstSlot); err != nil {
		return err
	}
	for _, inEdge := range producer.InputEdges() {
		if err := g.RemoveEdge(inEdge.Src, inEdge.Dst, inEdge.SrcSlot, inEdge.DstSlot); err != nil {
			return err
		}
	}
	return nil
}
