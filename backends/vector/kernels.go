package vector

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

var supportedDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float64}

func registerKernels(r *backends.Registry) error {
	// Staging kernels: MemcpyFromHost reads host memory and materializes in
	// device memory; MemcpyToHost the reverse. The per-slot memory-class
	// overrides are what the session's placement logic keys on.
	fromHost, err := backends.NewKernelDef("MemcpyFromHost", Name).
		SinceVersion(1).
		InputMemoryType(0, tensors.MemoryClassHost).
		Build()
	if err != nil {
		return err
	}
	if err := r.Register(fromHost, newMemcpyKernel); err != nil {
		return err
	}
	toHost, err := backends.NewKernelDef("MemcpyToHost", Name).
		SinceVersion(1).
		OutputMemoryType(0, tensors.MemoryClassHost).
		Build()
	if err != nil {
		return err
	}
	if err := r.Register(toHost, newMemcpyKernel); err != nil {
		return err
	}

	for opType, fn := range map[string]func(float64) float64{
		"Relu":    func(v float64) float64 { return math.Max(v, 0) },
		"Sigmoid": func(v float64) float64 { return 1 / (1 + math.Exp(-v)) },
		"Tanh":    math.Tanh,
	} {
		def, err := backends.NewKernelDef(opType, Name).
			SinceVersion(1).
			InputTypeConstraint(0, supportedDTypes...).
			Build()
		if err != nil {
			return err
		}
		factory := func(node *graph.Node, def *backends.KernelDef) (backends.Kernel, error) {
			return &pointwiseKernel{fn: fn}, nil
		}
		if err := r.Register(def, factory); err != nil {
			return err
		}
	}
	return nil
}

// memcpyKernel copies its input into an output tensor whose memory class is
// fixed by the kernel definition's override.
type memcpyKernel struct{}

func newMemcpyKernel(node *graph.Node, def *backends.KernelDef) (backends.Kernel, error) {
	return memcpyKernel{}, nil
}

// Compute implements backends.Kernel.
func (memcpyKernel) Compute(ctx *backends.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if !in.Shape().IsFullyDefined() {
		return status.Errorf(status.InvalidArgument,
			"node %q input has shape %s with unknown dimensions at execution time",
			ctx.Node().Name(), in.Shape())
	}
	out, err := ctx.Output(0, in.Shape())
	if err != nil {
		return err
	}
	return tensors.CopyFlat(out, in)
}

// pointwiseKernel applies a scalar function elementwise, spread over the
// provider's worker pool.
type pointwiseKernel struct {
	fn func(float64) float64
}

// Compute implements backends.Kernel.
func (k *pointwiseKernel) Compute(ctx *backends.Context) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if !in.Shape().IsFullyDefined() {
		return status.Errorf(status.InvalidArgument,
			"node %q input has shape %s with unknown dimensions at execution time",
			ctx.Node().Name(), in.Shape())
	}
	out, err := ctx.Output(0, in.Shape())
	if err != nil {
		return err
	}
	p, ok := ctx.Provider().(*Provider)
	if !ok {
		return status.Errorf(status.InvalidArgument,
			"node %q dispatched to provider %q with a foreign context", ctx.Node().Name(), Name)
	}
	switch in.DType() {
	case dtypes.Float32:
		src, dst := tensors.ConstFlatData[float32](in), tensors.MutableFlatData[float32](out)
		p.parallelChunks(len(src), func(from, to int) {
			for i := from; i < to; i++ {
				dst[i] = float32(k.fn(float64(src[i])))
			}
		})
	case dtypes.Float64:
		src, dst := tensors.ConstFlatData[float64](in), tensors.MutableFlatData[float64](out)
		p.parallelChunks(len(src), func(from, to int) {
			for i := from; i < to; i++ {
				dst[i] = k.fn(src[i])
			}
		})
	default:
		return status.Errorf(status.NotImplemented, "pointwise kernel does not support dtype %s", in.DType())
	}
	return nil
}
