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
	"github.com/graphrt/graphrt/graph/shapeinference"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
)

// inferenceFn refines a node's output slots from its input slots and
// attributes. It runs during Resolve, in topological order, so input slots
// already carry whatever was propagated upstream. Implementations must be
// unknown-preserving: missing information is left unknown, never guessed.
type inferenceFn func(node *Node) error

// inferenceTable maps operator types (of the default domain) to their shape
// and type propagation. Operators not listed keep their declared output
// shapes; their kernels recompute concrete shapes before allocation.
var inferenceTable = map[string]inferenceFn{
	"Identity":  inferPointwise,
	"Relu":      inferPointwise,
	"LeakyRelu": inferPointwise,
	"Sigmoid":   inferPointwise,
	"Tanh":      inferPointwise,
	"Slice":     inferSlice,
	"Gemm":      inferGemm,
}

// inferShapes propagates and validates shapes/types over the nodes in
// topological order. Failures are reported as StructuralError: they mean a
// mutation left the graph inconsistent.
func (g *Graph) inferShapes(order []NodeIndex) error {
	for _, index := range order {
		node := g.nodes[index]
		fn, found := inferenceTable[node.opType]
		if !found || node.domain != "" {
			continue
		}
		if err := fn(node); err != nil {
			return status.Wrapf(status.StructuralError, err,
				"resolving shapes of node #%d %q (%s)", node.index, node.name, node.opType)
		}
	}
	return nil
}

// inferPointwise propagates shape and dtype of input slot 0 unchanged.
func inferPointwise(node *Node) error {
	if len(node.inputs) < 1 {
		return status.Errorf(status.InvalidArgument, "%s requires one input", node.opType)
	}
	in, out := node.inputs[0], node.outputs[0]
	if out.dtype != in.dtype {
		return status.Errorf(status.InvalidArgument,
			"%s output dtype %s does not match input dtype %s", node.opType, out.dtype, in.dtype)
	}
	merged, err := out.shape.Merge(in.shape)
	if err != nil {
		return err
	}
	out.shape = merged
	return nil
}

func inferSlice(node *Node) error {
	if len(node.inputs) < 1 {
		return status.Errorf(status.InvalidArgument, "Slice requires one input")
	}
	in, out := node.inputs[0], node.outputs[0]
	if out.dtype != in.dtype {
		return status.Errorf(status.InvalidArgument,
			"Slice output dtype %s does not match input dtype %s", out.dtype, in.dtype)
	}
	if !in.shape.IsFullyDefined() {
		return nil
	}
	axes, err := node.attrs.GetInts("axes")
	if err != nil {
		return err
	}
	starts, err := node.attrs.GetInts("starts")
	if err != nil {
		return err
	}
	ends, err := node.attrs.GetInts("ends")
	if err != nil {
		return err
	}
	_, outputDims, err := shapeinference.SliceRanges(in.shape.Dimensions, axes, starts, ends)
	if err != nil {
		return err
	}
	inferred := shapes.MakeUnknown(in.dtype, outputDims...)
	merged, err := out.shape.Merge(inferred)
	if err != nil {
		return err
	}
	out.shape = merged
	return nil
}

func inferGemm(node *Node) error {
	if len(node.inputs) < 2 {
		return status.Errorf(status.InvalidArgument, "Gemm requires two inputs")
	}
	out := node.outputs[0]
	transA, err := node.attrs.GetInt("transA", 0)
	if err != nil {
		return err
	}
	transB, err := node.attrs.GetInt("transB", 0)
	if err != nil {
		return err
	}
	inferred, err := shapeinference.GemmShape(
		node.inputs[0].shape, node.inputs[1].shape, transA != 0, transB != 0)
	if err != nil {
		return err
	}
	if out.dtype != inferred.DType {
		return status.Errorf(status.InvalidArgument,
			"Gemm output dtype %s does not match input dtype %s", out.dtype, inferred.DType)
	}
	merged, err := out.shape.Merge(inferred)
	if err != nil {
		return err
	}
	out.shape = merged
	return nil
}
