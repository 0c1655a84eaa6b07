package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

// floatDTypes are the element types the arithmetic kernels support.
var floatDTypes = []dtypes.DType{dtypes.Float32, dtypes.Float64}

// movableDTypes are the element types the data-movement kernels (Slice,
// Identity) support.
var movableDTypes = []dtypes.DType{
	dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.Int32, dtypes.Int64,
}

// registerKernels populates the provider's registry. Called once from New,
// before the registry is sealed.
func registerKernels(r *backends.Registry) error {
	for _, register := range []func(*backends.Registry) error{
		registerSliceKernel,
		registerActivationKernels,
		registerGemmKernels,
		registerConvKernels,
	} {
		if err := register(r); err != nil {
			return err
		}
	}
	return nil
}

// singleInput fetches input slot 0 and checks its shape is fully defined,
// the common prelude of most kernels.
func singleInput(ctx *backends.Context) (*tensors.Tensor, error) {
	in, err := ctx.Input(0)
	if err != nil {
		return nil, err
	}
	if !in.Shape().IsFullyDefined() {
		return nil, status.Errorf(status.InvalidArgument,
			"node %q input has shape %s with unknown dimensions at execution time",
			ctx.Node().Name(), in.Shape())
	}
	return in, nil
}
