package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/rewriters"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
)

func registerConvKernels(r *backends.Registry) error {
	plain, err := backends.NewKernelDef("Conv", Name).
		SinceVersion(1).
		InputTypeConstraint(0, floatDTypes...).
		InputTypeConstraint(1, floatDTypes...).
		Build()
	if err != nil {
		return err
	}
	if err := r.Register(plain, newConvKernel); err != nil {
		return err
	}
	fused, err := backends.NewKernelDef("FusedConv", Name).
		Domain(rewriters.FusedDomain).
		SinceVersion(1).
		InputTypeConstraint(0, floatDTypes...).
		InputTypeConstraint(1, floatDTypes...).
		Build()
	if err != nil {
		return err
	}
	return r.Register(fused, newConvKernel)
}

// convKernel is a direct 2D convolution over NCHW inputs and OIHW weights,
// with an optional absorbed activation ("FusedConv" nodes produced by the
// rewriter). Padding follows the [top, left, bottom, right] convention;
// dilation and grouping are not supported.
type convKernel struct {
	pads       []int64 // top, left, bottom, right
	strides    []int64 // vertical, horizontal
	activation func(float64) float64
}

func newConvKernel(node *graph.Node, def *backends.KernelDef) (backends.Kernel, error) {
	attrs := node.Attributes()
	pads, err := attrs.GetInts("pads")
	if err != nil {
		return nil, err
	}
	if pads == nil {
		pads = []int64{0, 0, 0, 0}
	}
	if len(pads) != 4 {
		return nil, status.Errorf(status.InvalidArgument,
			"Conv node %q requires 4 'pads' values, got %d", node.Name(), len(pads))
	}
	strides, err := attrs.GetInts("strides")
	if err != nil {
		return nil, err
	}
	if strides == nil {
		strides = []int64{1, 1}
	}
	if len(strides) != 2 || strides[0] < 1 || strides[1] < 1 {
		return nil, status.Errorf(status.InvalidArgument,
			"Conv node %q requires 2 positive 'strides' values, got %v", node.Name(), strides)
	}
	k := &convKernel{pads: pads, strides: strides}
	if node.OpType() == "FusedConv" {
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
func (k *convKernel) Compute(ctx *backends.Context) error {
	x, err := ctx.Input(0)
	if err != nil {
		return err
	}
	w, err := ctx.Input(1)
	if err != nil {
		return err
	}
	if x.Shape().Rank() != 4 || w.Shape().Rank() != 4 {
		return status.Errorf(status.InvalidArgument,
			"Conv requires rank-4 input and weights, got %s and %s", x.Shape(), w.Shape())
	}
	if x.DType() != w.DType() {
		return status.Errorf(status.InvalidArgument,
			"Conv requires input and weights of the same dtype, got %s and %s", x.DType(), w.DType())
	}
	batch, channels, height, width := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2), x.Shape().Dim(3)
	outChannels, wChannels, kernelH, kernelW := w.Shape().Dim(0), w.Shape().Dim(1), w.Shape().Dim(2), w.Shape().Dim(3)
	if wChannels != channels {
		return status.Errorf(status.InvalidArgument,
			"Conv weights expect %d input channels, input has %d", wChannels, channels)
	}
	padTop, padLeft, padBottom, padRight := int(k.pads[0]), int(k.pads[1]), int(k.pads[2]), int(k.pads[3])
	strideV, strideH := int(k.strides[0]), int(k.strides[1])
	outHeight := (height+padTop+padBottom-kernelH)/strideV + 1
	outWidth := (width+padLeft+padRight-kernelW)/strideH + 1
	if outHeight < 1 || outWidth < 1 {
		return status.Errorf(status.InvalidArgument,
			"Conv kernel %dx%d does not fit input %s with pads %v", kernelH, kernelW, x.Shape(), k.pads)
	}
	out, err := ctx.Output(0, shapes.Make(x.DType(), batch, outChannels, outHeight, outWidth))
	if err != nil {
		return err
	}

	var xData, wData []float64
	switch x.DType() {
	case dtypes.Float32:
		xData, wData = toFloat64s[float32](x), toFloat64s[float32](w)
	case dtypes.Float64:
		xData, wData = toFloat64s[float64](x), toFloat64s[float64](w)
	default:
		return status.Errorf(status.NotImplemented, "Conv does not support dtype %s", x.DType())
	}

	result := make([]float64, out.Size())
	idx := 0
	for n := 0; n < batch; n++ {
		for oc := 0; oc < outChannels; oc++ {
			for oh := 0; oh < outHeight; oh++ {
				for ow := 0; ow < outWidth; ow++ {
					var sum float64
					for ic := 0; ic < channels; ic++ {
						for kh := 0; kh < kernelH; kh++ {
							ih := oh*strideV - padTop + kh
							if ih < 0 || ih >= height {
								continue
							}
							for kw := 0; kw < kernelW; kw++ {
								iw := ow*strideH - padLeft + kw
								if iw < 0 || iw >= width {
									continue
								}
								xV := xData[((n*channels+ic)*height+ih)*width+iw]
								wV := wData[((oc*channels+ic)*kernelH+kh)*kernelW+kw]
								sum += xV * wV
							}
						}
					}
					if k.activation != nil {
						sum = k.activation(sum)
					}
					result[idx] = sum
					idx++
				}
			}
		}
	}
	storeFloat64s(out, result)
	return nil
}
