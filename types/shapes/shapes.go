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

// Package shapes defines Shape and associated tools.
//
// A Shape is the pair (DType, dimensions) describing either a concrete tensor
// or the declared value of a tensor slot (NodeArg) in a computation graph.
// Graph shapes may be partially unknown: any dimension may be UnknownDim, and
// the whole shape (including its rank) may be unknown, which is represented by
// a nil Dimensions slice plus the Rankless marker.
//
// DType is the data type of the unit element of a tensor, the enumeration
// defined in github.com/gomlx/gopjrt/dtypes.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. We refer to a dimension index as "axis"
//     (plural axes), and its size as its dimension.
//   - Scalar: a shape with no axes, a single value of the associated DType.
package shapes

import (
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"slices"
)

// UnknownDim marks an axis whose dimension has not been resolved yet.
// Shapes holding unknown dimensions are valid in a graph but cannot back a
// concrete tensor.
const UnknownDim = -1

// Shape represents the shape of either a concrete tensor or the declared
// value of a tensor slot in a computation graph.
//
// Use Make to create fully defined shapes, and MakeUnknown for shapes with
// unresolved dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// Rankless marks a shape whose rank itself is unknown. Dimensions must be
	// nil if set.
	Rankless bool
}

// Make returns a fully defined Shape with the values given.
// It panics if any dimension is negative: partially unknown shapes must be
// created with MakeUnknown instead. Zero-sized dimensions are legal, they
// describe empty tensors.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// MakeUnknown returns a Shape where dimensions may be UnknownDim.
// It panics on dimensions that are neither non-negative nor UnknownDim.
func MakeUnknown(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 && dim != UnknownDim {
			exceptions.Panicf("shapes.MakeUnknown(%s): dimensions must be non-negative or UnknownDim", s)
		}
	}
	return s
}

// MakeRankless returns a shape of known dtype but unknown rank.
func MakeRankless(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, Rankless: true}
}

// Scalar returns a scalar Shape for the given type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes. Zero for both scalar and
// rankless shapes -- check Rankless to distinguish.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar.
func (s Shape) IsScalar() bool { return s.Ok() && !s.Rankless && s.Rank() == 0 }

// IsFullyDefined returns whether the rank and every dimension is known.
// Only fully defined shapes can back a concrete tensor.
func (s Shape) IsFullyDefined() bool {
	if !s.Ok() || s.Rankless {
		return false
	}
	return !slices.Contains(s.Dimensions, UnknownDim)
}

// Dim returns the dimension of the given axis. axis can take negative
// numbers, in which case it counts from the end -- so axis=-1 refers to the
// last axis. Like with slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid)"
	}
	if s.Rankless {
		return fmt.Sprintf("(%s)[?]", s.DType)
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, 0, s.Rank())
	for _, dim := range s.Dimensions {
		if dim == UnknownDim {
			parts = append(parts, "?")
		} else {
			parts = append(parts, fmt.Sprintf("%d", dim))
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Size returns the number of elements of DType needed for this shape, the
// product of all dimensions. It panics if the shape is not fully defined.
func (s Shape) Size() (size int) {
	if !s.IsFullyDefined() {
		exceptions.Panicf("Shape.Size() called on not fully defined shape %s", s)
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store an array of the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
// Unknown dimensions only compare equal to unknown dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Rankless != s2.Rankless {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. DTypes can
// be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return s.Rankless == s2.Rankless && slices.Equal(s.Dimensions, s2.Dimensions)
}

// CompatibleWith reports whether the two shapes could describe the same
// tensor: dtypes match and every pair of corresponding dimensions is either
// equal or unknown on at least one side. A rankless shape is compatible with
// any shape of the same dtype.
func (s Shape) CompatibleWith(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	if s.Rankless || s2.Rankless {
		return true
	}
	if s.Rank() != s2.Rank() {
		return false
	}
	for axis, dim := range s.Dimensions {
		dim2 := s2.Dimensions[axis]
		if dim != dim2 && dim != UnknownDim && dim2 != UnknownDim {
			return false
		}
	}
	return true
}

// Merge returns the most defined shape among two compatible shapes: known
// dimensions win over unknown ones. It returns an error if the shapes are
// not compatible.
func (s Shape) Merge(s2 Shape) (Shape, error) {
	if !s.CompatibleWith(s2) {
		return Invalid(), errors.Errorf("cannot merge incompatible shapes %s and %s", s, s2)
	}
	if s.Rankless {
		return s2.Clone(), nil
	}
	if s2.Rankless {
		return s.Clone(), nil
	}
	merged := s.Clone()
	for axis, dim := range merged.Dimensions {
		if dim == UnknownDim {
			merged.Dimensions[axis] = s2.Dimensions[axis]
		}
	}
	return merged, nil
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Rankless = s.Rankless
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// GobSerialize shape in binary format.
func (s Shape) GobSerialize(encoder *gob.Encoder) (err error) {
	enc := func(e any) {
		if err != nil {
			return
		}
		err = encoder.Encode(e)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize Shape %s", s)
		}
	}
	enc(s.DType)
	enc(s.Dimensions)
	enc(s.Rankless)
	return
}

// GobDeserialize a Shape. Returns new Shape or an error.
func GobDeserialize(decoder *gob.Decoder) (s Shape, err error) {
	dec := func(data any) {
		if err != nil {
			return
		}
		err = decoder.Decode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to deserialize Shape")
		}
	}
	dec(&s.DType)
	dec(&s.Dimensions)
	dec(&s.Rankless)
	return
}
