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

// Package shapeinference calculates the output ranges and shapes of operators
// from their input shapes and attributes.
//
// It is shared by graph.Resolve (shape propagation over declared, possibly
// partially unknown shapes) and by the concrete kernels (which work on fully
// defined shapes just before output allocation). Keeping the arithmetic here
// guarantees the two agree.
package shapeinference

import (
	"golang.org/x/exp/constraints"

	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
)

// SliceRanges resolves the per-axis start/end values of a slicing operator
// over a tensor with the given dimensions.
//
// Per-axis start/end values may be negative, interpreted relative to that
// axis's extent (effective = raw + dim when raw < 0), and are then clamped
// into [0, dim]. When axes is nil the identity sequence 0..len(dims)-1 is
// assumed. It is an InvalidArgument error if the axis list is longer than
// the start or end lists, if any axis is out of range, or if a computed
// output dimension is negative.
//
// It returns the effective (clamped) starts per input axis and the resulting
// output dimensions.
func SliceRanges(dims []int, axes, starts, ends []int64) (effectiveStarts, outputDims []int, err error) {
	rank := len(dims)
	effectiveStarts = make([]int, rank)
	outputDims = make([]int, rank)
	copy(outputDims, dims)

	if axes == nil {
		axes = make([]int64, rank)
		for i := range axes {
			axes[i] = int64(i)
		}
	}
	if len(axes) > len(starts) {
		return nil, nil, status.Errorf(status.InvalidArgument,
			"'axes' has more entries (%d) than the 'starts' attribute holds (%d)", len(axes), len(starts))
	}
	if len(axes) > len(ends) {
		return nil, nil, status.Errorf(status.InvalidArgument,
			"'axes' has more entries (%d) than the 'ends' attribute holds (%d)", len(axes), len(ends))
	}
	for i, axis := range axes {
		if axis < 0 || axis >= int64(rank) {
			return nil, nil, status.Errorf(status.InvalidArgument,
				"'axes' has an axis (%d) outside of the tensor dimension count (%d)", axis, rank)
		}
		dim := int64(dims[axis])
		start := starts[i]
		if start < 0 {
			start += dim
		}
		start = clamp(start, 0, dim)
		effectiveStarts[axis] = int(start)

		end := ends[i]
		if end < 0 {
			end += dim
		}
		outputDims[axis] = int(clamp(end, 0, dim) - start)
		if outputDims[axis] < 0 {
			return nil, nil, status.Errorf(status.InvalidArgument,
				"'starts' and 'ends' values resulted in a negative dimension for axis %d", axis)
		}
	}
	return effectiveStarts, outputDims, nil
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GemmShape returns the output shape of a rank-2 matrix product
// op(a) x op(b), where op transposes its argument when the corresponding
// transA/transB flag is set. Unknown-preserving: unknown inner dimensions are
// accepted, known ones must agree.
func GemmShape(a, b shapes.Shape, transA, transB bool) (shapes.Shape, error) {
	if a.Rankless || b.Rankless {
		return shapes.MakeRankless(a.DType), nil
	}
	if a.Rank() != 2 || b.Rank() != 2 {
		return shapes.Invalid(), status.Errorf(status.InvalidArgument,
			"Gemm requires rank-2 inputs, got %s and %s", a, b)
	}
	if a.DType != b.DType {
		return shapes.Invalid(), status.Errorf(status.InvalidArgument,
			"Gemm requires inputs of the same dtype, got %s and %s", a, b)
	}
	m, innerA := a.Dimensions[0], a.Dimensions[1]
	if transA {
		m, innerA = innerA, m
	}
	innerB, n := b.Dimensions[0], b.Dimensions[1]
	if transB {
		innerB, n = n, innerB
	}
	if innerA != innerB && innerA != shapes.UnknownDim && innerB != shapes.UnknownDim {
		return shapes.Invalid(), status.Errorf(status.InvalidArgument,
			"Gemm inner dimensions do not match: %s x %s (transA=%v, transB=%v)",
			a, b, transA, transB)
	}
	return shapes.MakeUnknown(a.DType, m, n), nil
}
