package cpu

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

func registerActivationKernels(r *backends.Registry) error {
	for _, opType := range []string{"Relu", "LeakyRelu", "Sigmoid", "Tanh"} {
		def, err := backends.NewKernelDef(opType, Name).
			SinceVersion(1).
			InputTypeConstraint(0, floatDTypes...).
			Build()
		if err != nil {
			return err
		}
		factory := func(node *graph.Node, def *backends.KernelDef) (backends.Kernel, error) {
			fn, err := activationFn(opType, node.Attributes())
			if err != nil {
				return nil, err
			}
			return &pointwiseKernel{fn: fn}, nil
		}
		if err := r.Register(def, factory); err != nil {
			return err
		}
	}

	def, err := backends.NewKernelDef("Identity", Name).
		SinceVersion(1).
		InputTypeConstraint(0, movableDTypes...).
		Build()
	if err != nil {
		return err
	}
	return r.Register(def, func(node *graph.Node, def *backends.KernelDef) (backends.Kernel, error) {
		return identityKernel{}, nil
	})
}

// activationFn builds the scalar function of a named activation, reading its
// attributes. Shared with the fused kernels, which absorb the activation and
// its attributes verbatim.
func activationFn(name string, attrs graph.Attributes) (func(float64) float64, error) {
	switch name {
	case "Relu":
		return func(v float64) float64 { return math.Max(v, 0) }, nil
	case "LeakyRelu":
		alpha, err := attrs.GetFloat("alpha", 0.01)
		if err != nil {
			return nil, err
		}
		a := float64(alpha)
		return func(v float64) float64 {
			if v < 0 {
				return a * v
			}
			return v
		}, nil
	case "Sigmoid":
		return func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }, nil
	case "Tanh":
		return math.Tanh, nil
	}
	return nil, status.Errorf(status.NotImplemented, "unknown activation %q", name)
}

// pointwiseKernel applies a scalar function elementwise. The arithmetic runs
// in float64 for both float dtypes.
type pointwiseKernel struct {
	fn func(float64) float64
}

// Compute implements backends.Kernel.
func (k *pointwiseKernel) Compute(ctx *backends.Context) error {
	in, err := singleInput(ctx)
	if err != nil {
		return err
	}
	out, err := ctx.Output(0, in.Shape())
	if err != nil {
		return err
	}
	return applyPointwise(in, out, k.fn)
}

func applyPointwise(in, out *tensors.Tensor, fn func(float64) float64) error {
	switch in.DType() {
	case dtypes.Float32:
		src, dst := tensors.ConstFlatData[float32](in), tensors.MutableFlatData[float32](out)
		for i, v := range src {
			dst[i] = float32(fn(float64(v)))
		}
	case dtypes.Float64:
		src, dst := tensors.ConstFlatData[float64](in), tensors.MutableFlatData[float64](out)
		for i, v := range src {
			dst[i] = fn(v)
		}
	default:
		return status.Errorf(status.NotImplemented, "pointwise kernel does not support dtype %s", in.DType())
	}
	return nil
}

// identityKernel copies its input to a fresh output tensor. The copy keeps
// allocator accounting truthful: the output is owned by the provider like any
// other kernel result.
type identityKernel struct{}

// Compute implements backends.Kernel.
func (identityKernel) Compute(ctx *backends.Context) error {
	in, err := singleInput(ctx)
	if err != nil {
		return err
	}
	out, err := ctx.Output(0, in.Shape())
	if err != nil {
		return err
	}
	return tensors.CopyFlat(out, in)
}
