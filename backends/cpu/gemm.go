package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/rewriters"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

func registerGemmKernels(r *backends.Registry) error {
	plain, err := backends.NewKernelDef("Gemm", Name).
		SinceVersion(1).
		InputTypeConstraint(0, floatDTypes...).
		InputTypeConstraint(1, floatDTypes...).
		Build()
	if err != nil {
		return err
	}
	if err := r.Register(plain, newGemmKernel); err != nil {
		return err
	}
	fused, err := backends.NewKernelDef("FusedGemm", Name).
		Domain(rewriters.FusedDomain).
		SinceVersion(1).
		InputTypeConstraint(0, floatDTypes...).
		InputTypeConstraint(1, floatDTypes...).
		Build()
	if err != nil {
		return err
	}
	return r.Register(fused, newGemmKernel)
}

// gemmKernel computes Y = alpha * op(A) x op(B) + beta * C, the general
// matrix product over rank-2 inputs, with an optional absorbed activation
// applied to the result ("FusedGemm" nodes produced by the rewriter).
type gemmKernel struct {
	alpha, beta    float64
	transA, transB bool
	activation     func(float64) float64
}

func newGemmKernel(node *graph.Node, def *backends.KernelDef) (backends.Kernel, error) {
	attrs := node.Attributes()
	alpha, err := attrs.GetFloat("alpha", 1)
	if err != nil {
		return nil, err
	}
	beta, err := attrs.GetFloat("beta", 1)
	if err != nil {
		return nil, err
	}
	transA, err := attrs.GetInt("transA", 0)
	if err != nil {
		return nil, err
	}
	transB, err := attrs.GetInt("transB", 0)
	if err != nil {
		return nil, err
	}
	k := &gemmKernel{
		alpha:  float64(alpha),
		beta:   float64(beta),
		transA: transA != 0,
		transB: transB != 0,
	}
	if node.OpType() == "FusedGemm" {
		name, err := attrs.GetString(rewriters.ActivationAttr, "")
		if err != nil {
			return nil, err
		}
		k.activation, err = activationFn(name, attrs)
		if err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Compute implements backends.Kernel.
func (k *gemmKernel) Compute(ctx *backends.Context) error {
	a, err := ctx.Input(0)
	if err != nil {
		return err
	}
	b, err := ctx.Input(1)
	if err != nil {
		return err
	}
	var c *tensors.Tensor
	if ctx.NumInputs() > 2 {
		c, err = ctx.Input(2)
		if err != nil {
			return err
		}
	}
	if a.Shape().Rank() != 2 || b.Shape().Rank() != 2 {
		return status.Errorf(status.InvalidArgument,
			"Gemm requires rank-2 inputs, got %s and %s", a.Shape(), b.Shape())
	}
	if a.DType() != b.DType() || (c != nil && c.DType() != a.DType()) {
		return status.Errorf(status.InvalidArgument,
			"Gemm requires inputs of the same dtype, got %s and %s", a.DType(), b.DType())
	}

	m, ka := a.Shape().Dim(0), a.Shape().Dim(1)
	if k.transA {
		m, ka = ka, m
	}
	kb, n := b.Shape().Dim(0), b.Shape().Dim(1)
	if k.transB {
		kb, n = n, kb
	}
	if ka != kb {
		return status.Errorf(status.InvalidArgument,
			"Gemm inner dimensions do not match: %s x %s (transA=%v, transB=%v)",
			a.Shape(), b.Shape(), k.transA, k.transB)
	}
	if c != nil && c.Size() != m*n && c.Size() != n {
		return status.Errorf(status.InvalidArgument,
			"Gemm bias shape %s does not broadcast over a (%d, %d) output", c.Shape(), m, n)
	}

	out, err := ctx.Output(0, shapes.Make(a.DType(), m, n))
	if err != nil {
		return err
	}
	switch a.DType() {
	case dtypes.Float32:
		k.compute(toFloat64s[float32](a), toFloat64s[float32](b), maybeFloat64s[float32](c), out, m, n, ka)
	case dtypes.Float64:
		k.compute(toFloat64s[float64](a), toFloat64s[float64](b), maybeFloat64s[float64](c), out, m, n, ka)
	default:
		return status.Errorf(status.NotImplemented, "Gemm does not support dtype %s", a.DType())
	}
	return nil
}

func (k *gemmKernel) compute(a, b, c []float64, out *tensors.Tensor, m, n, inner int) {
	aAt := func(i, j int) float64 {
		if k.transA {
			return a[j*m+i]
		}
		return a[i*inner+j]
	}
	bAt := func(i, j int) float64 {
		if k.transB {
			return b[j*inner+i]
		}
		return b[i*n+j]
	}
	result := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for x := 0; x < inner; x++ {
				sum += aAt(i, x) * bAt(x, j)
			}
			v := k.alpha * sum
			if c != nil {
				// C is (m, n), or a row (n) broadcast over rows; validated
				// before allocation.
				v += k.beta * c[(i*n+j)%len(c)]
			}
			if k.activation != nil {
				v = k.activation(v)
			}
			result[i*n+j] = v
		}
	}
	storeFloat64s(out, result)
}

func toFloat64s[T float32 | float64](t *tensors.Tensor) []float64 {
	src := tensors.ConstFlatData[T](t)
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

func maybeFloat64s[T float32 | float64](t *tensors.Tensor) []float64 {
	if t == nil {
		return nil
	}
	return toFloat64s[T](t)
}

func storeFloat64s(t *tensors.Tensor, values []float64) {
	switch t.DType() {
	case dtypes.Float32:
		dst := tensors.MutableFlatData[float32](t)
		for i, v := range values {
			dst[i] = float32(v)
		}
	case dtypes.Float64:
		copy(tensors.MutableFlatData[float64](t), values)
	}
}
