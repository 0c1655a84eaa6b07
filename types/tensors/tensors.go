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

// Package tensors implements the Tensor: a value of fixed shape whose flat
// data lives in a specific memory location.
//
// A Location is the pair (provider name, memory class). The memory class is
// an opaque tag chosen by the execution provider owning the allocator that
// created the tensor -- e.g. plain host memory vs. host-pinned vs.
// device-resident. Tensors never move implicitly: cross-location movement is
// the execution provider's CopyTensor, defined over an explicit whitelist of
// location pairs.
//
// The flat data is always a Go slice of the element type corresponding to
// the shape's DType (see dtypes.DType.GoType). Float16 elements use
// github.com/x448/float16.
package tensors

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/graphrt/graphrt/types/shapes"
)

// MemoryClass tags where a tensor's bytes physically reside. Execution
// providers define their own classes; MemoryClassHost is the one class every
// provider must understand, since graph inputs and outputs live there.
type MemoryClass string

// MemoryClassHost is plain addressable host memory.
const MemoryClassHost MemoryClass = "host"

// Location identifies the allocator family a tensor was created by.
type Location struct {
	// Provider is the name of the execution provider owning the allocator.
	Provider string

	// Class is the provider's memory-class tag.
	Class MemoryClass
}

// HostLocation is the location of tensors created outside any provider, e.g.
// the feeds given to a session.
var HostLocation = Location{Provider: "", Class: MemoryClassHost}

// String implements fmt.Stringer.
func (l Location) String() string {
	if l.Provider == "" {
		return string(l.Class)
	}
	return fmt.Sprintf("%s/%s", l.Provider, l.Class)
}

// Tensor holds a concrete value: element type, fully defined shape and the
// flat data backing it.
//
// A Tensor is created by an allocator (or FromFlatData) and is owned by
// whichever execution context holds it, until consumed or the context ends.
type Tensor struct {
	shape    shapes.Shape
	location Location

	// flat is always a slice of the Go type corresponding to shape.DType.
	flat any
}

// New creates a tensor of the given shape with newly allocated, zero
// initialized flat data at the given location.
//
// It panics if the shape is not fully defined: graph-time shapes with
// unknown dimensions cannot back concrete values.
func New(shape shapes.Shape, location Location) *Tensor {
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface()
	return &Tensor{shape: shape.Clone(), location: location, flat: flat}
}

// FromFlatData creates a tensor wrapping the given flat slice, which must be
// of the Go type corresponding to the shape's DType and of length
// shape.Size(). The data is not copied.
func FromFlatData(flat any, shape shapes.Shape, location Location) (*Tensor, error) {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("FromFlatData requires a slice, got %T", flat)
	}
	if got := dtypes.FromGoType(flatV.Type().Elem()); got != shape.DType {
		return nil, errors.Errorf("flat data type (%s) does not match shape DType (%s)", flatV.Type().Elem(), shape.DType)
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, shape %s requires %d", flatV.Len(), shape, shape.Size())
	}
	return &Tensor{shape: shape.Clone(), location: location, flat: flat}, nil
}

// FromFlat is a generic convenience over FromFlatData for host tensors.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) (*Tensor, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	return FromFlatData(flat, shape, HostLocation)
}

// FromScalar creates a host scalar tensor.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	t := New(shapes.Scalar[T](), HostLocation)
	t.flat.([]T)[0] = value
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Location where the tensor's bytes reside.
func (t *Tensor) Location() Location { return t.location }

// Size is the number of elements, an alias to t.Shape().Size().
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor, exactly
// element_size * element_count.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Flat returns the flat data slice. The returned value is a slice of the Go
// type corresponding to the tensor's DType.
func (t *Tensor) Flat() any { return t.flat }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor<%s @%s>", t.shape, t.location)
}

// Bytes returns the raw byte view over the flat data: exactly
// element_size * element_count bytes. The view aliases the tensor's storage.
func (t *Tensor) Bytes() []byte {
	v := reflect.ValueOf(t.flat)
	if v.Len() == 0 {
		return nil
	}
	ptr := (*byte)(unsafe.Pointer(v.Index(0).Addr().Pointer()))
	return unsafe.Slice(ptr, v.Len()*int(t.DType().Memory()))
}

// Zero clears the tensor's flat data.
func (t *Tensor) Zero() {
	clear(t.Bytes())
}

// WithShape returns a tensor aliasing this tensor's flat data, described by
// the given shape. The dtype and element count must match.
func (t *Tensor) WithShape(shape shapes.Shape) (*Tensor, error) {
	if shape.DType != t.DType() {
		return nil, errors.Errorf("WithShape(%s): tensor has dtype %s", shape, t.DType())
	}
	if shape.Size() != t.Size() {
		return nil, errors.Errorf("WithShape(%s): tensor has %d elements, shape requires %d", shape, t.Size(), shape.Size())
	}
	return &Tensor{shape: shape.Clone(), location: t.location, flat: t.flat}, nil
}

// ConstFlatData gives typed read access to the tensor's flat data.
// It panics if T doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor) []T {
	return t.flat.([]T)
}

// MutableFlatData gives typed write access to the tensor's flat data.
// It panics if T doesn't match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor) []T {
	return t.flat.([]T)
}

// CopyFlat copies the flat contents of src into dst. Both tensors must have
// the same dtype and element count -- the copy is byte-exact over exactly
// element_size * element_count bytes. Locations are not checked: that is the
// execution provider's CopyTensor responsibility.
func CopyFlat(dst, src *Tensor) error {
	if dst.DType() != src.DType() {
		return errors.Errorf("cannot copy flat data across dtypes: %s to %s", src.DType(), dst.DType())
	}
	if dst.Size() != src.Size() {
		return errors.Errorf("cannot copy flat data: %d elements to %d elements", src.Size(), dst.Size())
	}
	reflect.Copy(reflect.ValueOf(dst.flat), reflect.ValueOf(src.flat))
	return nil
}

// ToFloat32s converts the tensor's flat data to a []float32, for the float
// dtypes. Convenient for checking results independently of the dtype the
// kernel ran on.
func ToFloat32s(t *Tensor) ([]float32, error) {
	switch t.DType() {
	case dtypes.Float32:
		flat := t.flat.([]float32)
		out := make([]float32, len(flat))
		copy(out, flat)
		return out, nil
	case dtypes.Float64:
		flat := t.flat.([]float64)
		out := make([]float32, len(flat))
		for i, v := range flat {
			out[i] = float32(v)
		}
		return out, nil
	case dtypes.Float16:
		flat := t.flat.([]float16.Float16)
		out := make([]float32, len(flat))
		for i, v := range flat {
			out[i] = v.Float32()
		}
		return out, nil
	}
	return nil, errors.Errorf("ToFloat32s does not support dtype %s", t.DType())
}
