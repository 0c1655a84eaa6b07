package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/graph/shapeinference"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

func registerSliceKernel(r *backends.Registry) error {
	def, err := backends.NewKernelDef("Slice", Name).
		SinceVersion(1).
		InputTypeConstraint(0, movableDTypes...).
		Build()
	if err != nil {
		return err
	}
	return r.Register(def, newSliceKernel)
}

// sliceKernel extracts a contiguous sub-tensor per axis, with negative
// start/end values interpreted relative to the axis extent and clamped.
type sliceKernel struct {
	starts, ends, axes []int64
}

func newSliceKernel(node *graph.Node, def *backends.KernelDef) (backends.Kernel, error) {
	attrs := node.Attributes()
	starts, err := attrs.GetInts("starts")
	if err != nil {
		return nil, err
	}
	ends, err := attrs.GetInts("ends")
	if err != nil {
		return nil, err
	}
	axes, err := attrs.GetInts("axes")
	if err != nil {
		return nil, err
	}
	if starts == nil || ends == nil {
		return nil, status.Errorf(status.InvalidArgument,
			"Slice node %q requires 'starts' and 'ends' attributes", node.Name())
	}
	return &sliceKernel{starts: starts, ends: ends, axes: axes}, nil
}

// Compute implements backends.Kernel.
func (k *sliceKernel) Compute(ctx *backends.Context) error {
	in, err := singleInput(ctx)
	if err != nil {
		return err
	}
	dims := in.Shape().Dimensions
	effectiveStarts, outputDims, err := shapeinference.SliceRanges(dims, k.axes, k.starts, k.ends)
	if err != nil {
		return err
	}
	out, err := ctx.Output(0, shapes.Make(in.DType(), outputDims...))
	if err != nil {
		return err
	}
	if out.Size() == 0 {
		return nil
	}
	switch in.DType() {
	case dtypes.Float32:
		sliceCopy[float32](in, out, effectiveStarts, outputDims)
	case dtypes.Float64:
		sliceCopy[float64](in, out, effectiveStarts, outputDims)
	case dtypes.Float16:
		sliceCopy[float16.Float16](in, out, effectiveStarts, outputDims)
	case dtypes.Int32:
		sliceCopy[int32](in, out, effectiveStarts, outputDims)
	case dtypes.Int64:
		sliceCopy[int64](in, out, effectiveStarts, outputDims)
	default:
		return status.Errorf(status.NotImplemented, "Slice does not support dtype %s", in.DType())
	}
	return nil
}

// sliceCopy copies the selected region row by row: the innermost axis is a
// contiguous run of the source, everything above it a counter over the
// output dimensions offset by the effective starts.
func sliceCopy[T dtypes.Supported](in, out *tensors.Tensor, starts, outputDims []int) {
	src := tensors.ConstFlatData[T](in)
	dst := tensors.MutableFlatData[T](out)
	dims := in.Shape().Dimensions
	rank := len(dims)

	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}

	if rank == 0 {
		dst[0] = src[0]
		return
	}
	rowLen := outputDims[rank-1]
	counter := make([]int, rank-1)
	for dstOffset := 0; dstOffset < len(dst); dstOffset += rowLen {
		srcOffset := starts[rank-1] * strides[rank-1]
		for axis, c := range counter {
			srcOffset += (starts[axis] + c) * strides[axis]
		}
		copy(dst[dstOffset:dstOffset+rowLen], src[srcOffset:srcOffset+rowLen])
		for axis := rank - 2; axis >= 0; axis-- {
			counter[axis]++
			if counter[axis] < outputDims[axis] {
				break
			}
			counter[axis] = 0
		}
	}
}
