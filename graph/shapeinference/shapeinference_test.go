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

package shapeinference

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
)

func TestSliceRanges(t *testing.T) {
	// Negative start resolves relative to the axis, end clamps to the extent:
	// dim 5, start -2 -> 3, end 5 -> 5, output dimension 2.
	starts, dims, err := SliceRanges([]int{5, 4}, []int64{0}, []int64{-2}, []int64{5})
	require.NoError(t, err)
	require.Equal(t, []int{3, 0}, starts)
	require.Equal(t, []int{2, 4}, dims)

	// Nil axes means all axes in order.
	starts, dims, err = SliceRanges([]int{3, 3}, nil, []int64{1, 0}, []int64{3, 2})
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, starts)
	require.Equal(t, []int{2, 2}, dims)

	// start == end selects an empty range, not an error.
	_, dims, err = SliceRanges([]int{4}, nil, []int64{2}, []int64{2})
	require.NoError(t, err)
	require.Equal(t, []int{0}, dims)

	// Ends far beyond the extent clamp.
	_, dims, err = SliceRanges([]int{4}, nil, []int64{0}, []int64{1000})
	require.NoError(t, err)
	require.Equal(t, []int{4}, dims)
}

func TestSliceRangesErrors(t *testing.T) {
	// More axes than starts.
	_, _, err := SliceRanges([]int{4, 4}, []int64{0, 1}, []int64{0}, []int64{1, 2})
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// More axes than ends.
	_, _, err = SliceRanges([]int{4, 4}, []int64{0, 1}, []int64{0, 0}, []int64{1})
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// Axis out of range.
	_, _, err = SliceRanges([]int{4}, []int64{1}, []int64{0}, []int64{1})
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// start > end after normalization.
	_, _, err = SliceRanges([]int{4}, nil, []int64{3}, []int64{1})
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestGemmShape(t *testing.T) {
	out, err := GemmShape(shapes.Make(dtypes.Float32, 2, 3), shapes.Make(dtypes.Float32, 3, 5), false, false)
	require.NoError(t, err)
	require.Equal(t, []int{2, 5}, out.Dimensions)

	// Unknown inner dimensions are accepted and preserved outward.
	out, err = GemmShape(
		shapes.MakeUnknown(dtypes.Float32, 2, shapes.UnknownDim),
		shapes.MakeUnknown(dtypes.Float32, shapes.UnknownDim, 5),
		false, false)
	require.NoError(t, err)
	require.Equal(t, []int{2, 5}, out.Dimensions)

	_, err = GemmShape(shapes.Make(dtypes.Float32, 2, 3), shapes.Make(dtypes.Float32, 4, 5), false, false)
	require.Error(t, err)
	_, err = GemmShape(shapes.Make(dtypes.Float32, 2, 3), shapes.Make(dtypes.Float64, 3, 5), false, false)
	require.Error(t, err)
	_, err = GemmShape(shapes.Make(dtypes.Float32, 2, 3, 4), shapes.Make(dtypes.Float32, 3, 5), false, false)
	require.Error(t, err)
}

func TestGemmShapeTransposed(t *testing.T) {
	// op(A) transposes (3,2) to (2,3): output is (2,4).
	out, err := GemmShape(shapes.Make(dtypes.Float32, 3, 2), shapes.Make(dtypes.Float32, 3, 4), true, false)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, out.Dimensions)

	// op(B) transposes (4,3) to (3,4).
	out, err = GemmShape(shapes.Make(dtypes.Float32, 2, 3), shapes.Make(dtypes.Float32, 4, 3), false, true)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, out.Dimensions)

	// Both transposed.
	out, err = GemmShape(shapes.Make(dtypes.Float32, 3, 2), shapes.Make(dtypes.Float32, 4, 3), true, true)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, out.Dimensions)

	// A shape valid without transA becomes invalid with it, and vice versa.
	_, err = GemmShape(shapes.Make(dtypes.Float32, 2, 3), shapes.Make(dtypes.Float32, 3, 4), true, false)
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
}
