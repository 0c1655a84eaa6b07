package cpu

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

func newTestProvider(t *testing.T) *Provider {
	p, err := New("")
	require.NoError(t, err)
	return p
}

// runOp builds a single-node graph, resolves the node's kernel in the
// provider's registry and executes it over the given inputs.
func runOp(t *testing.T, p *Provider, opType, domain string, version int,
	attrs graph.Attributes, inputs ...*tensors.Tensor) (*tensors.Tensor, error) {
	g := graph.New("single")
	args := make([]*graph.NodeArg, len(inputs))
	for i, in := range inputs {
		args[i] = graph.NewNodeArg(fmt.Sprintf("in%d", i), in.DType(), in.Shape())
	}
	outArg := graph.NewNodeArg("out", inputs[0].DType(), shapes.MakeRankless(inputs[0].DType()))
	node, err := g.AddNode("node", opType, args, []*graph.NodeArg{outArg}, attrs, domain, version)
	require.NoError(t, err)

	def, factory, err := p.KernelRegistry().Lookup(node, p.Name())
	if err != nil {
		return nil, err
	}
	kernel, err := factory(node, def)
	if err != nil {
		return nil, err
	}
	ctx := backends.NewContext(node, def, p, inputs)
	if err := kernel.Compute(ctx); err != nil {
		return nil, err
	}
	return ctx.Outputs()[0], nil
}

func TestNewRejectsConfiguration(t *testing.T) {
	_, err := New("threads=4")
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestAllocatorUnknownClass(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.Allocator("device")
	require.Error(t, err)
	require.Equal(t, status.NotImplemented, status.CodeOf(err))
}

func TestCopyTensorWhitelist(t *testing.T) {
	p := newTestProvider(t)

	src, err := tensors.FromFlat([]float32{1, 2, 3}, 3)
	require.NoError(t, err)

	// host -> host-pinned is whitelisted.
	pinned, err := p.Allocator(MemoryClassPinned)
	require.NoError(t, err)
	dst, err := pinned.Allocate(src.Shape())
	require.NoError(t, err)
	require.NoError(t, p.CopyTensor(src, dst))
	require.Equal(t, []float32{1, 2, 3}, tensors.ConstFlatData[float32](dst))

	// A foreign device location is not: the copy fails with NotImplemented
	// and writes nothing.
	foreign, err := tensors.FromFlatData([]float32{7, 7, 7},
		shapes.Make(src.DType(), 3), tensors.Location{Provider: "vector", Class: "vector"})
	require.NoError(t, err)
	err = p.CopyTensor(src, foreign)
	require.Error(t, err)
	require.Equal(t, status.NotImplemented, status.CodeOf(err))
	require.Equal(t, []float32{7, 7, 7}, tensors.ConstFlatData[float32](foreign))
}

func TestSliceNegativeAndClamped(t *testing.T) {
	p := newTestProvider(t)

	// 5x4 row-major: row r holds r*10 .. r*10+3.
	flat := make([]float32, 20)
	for r := 0; r < 5; r++ {
		for c := 0; c < 4; c++ {
			flat[r*4+c] = float32(r*10 + c)
		}
	}
	in, err := tensors.FromFlat(flat, 5, 4)
	require.NoError(t, err)

	// starts=-2 resolves to 3, ends=5 clamps to 5: rows 3 and 4.
	out, err := runOp(t, p, "Slice", "", 1, graph.Attributes{
		"starts": graph.IntsAttr(-2),
		"ends":   graph.IntsAttr(5),
		"axes":   graph.IntsAttr(0),
	}, in)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, out.Shape().Dimensions)
	require.Equal(t, []float32{30, 31, 32, 33, 40, 41, 42, 43}, tensors.ConstFlatData[float32](out))
}

func TestSliceInnerAxis(t *testing.T) {
	p := newTestProvider(t)
	in, err := tensors.FromFlat([]int64{1, 2, 3, 4, 5, 6, 7, 8, 9}, 3, 3)
	require.NoError(t, err)

	out, err := runOp(t, p, "Slice", "", 1, graph.Attributes{
		"starts": graph.IntsAttr(0, 1),
		"ends":   graph.IntsAttr(2, 3),
	}, in)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, out.Shape().Dimensions)
	require.Equal(t, []int64{2, 3, 5, 6}, tensors.ConstFlatData[int64](out))
}

func TestSliceEmptyResult(t *testing.T) {
	p := newTestProvider(t)
	in, err := tensors.FromFlat([]float32{1, 2, 3, 4}, 4)
	require.NoError(t, err)

	// start == end selects nothing; a zero-sized tensor is a legal result.
	out, err := runOp(t, p, "Slice", "", 1, graph.Attributes{
		"starts": graph.IntsAttr(2),
		"ends":   graph.IntsAttr(2),
	}, in)
	require.NoError(t, err)
	require.Equal(t, []int{0}, out.Shape().Dimensions)
	require.Equal(t, 0, out.Size())
}

func TestSliceAxesLongerThanStarts(t *testing.T) {
	p := newTestProvider(t)
	in, err := tensors.FromFlat([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)

	_, err = runOp(t, p, "Slice", "", 1, graph.Attributes{
		"starts": graph.IntsAttr(0),
		"ends":   graph.IntsAttr(1, 2),
		"axes":   graph.IntsAttr(0, 1),
	}, in)
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestActivations(t *testing.T) {
	p := newTestProvider(t)
	in, err := tensors.FromFlat([]float32{-2, -0.5, 0, 1, 3}, 5)
	require.NoError(t, err)

	out, err := runOp(t, p, "Relu", "", 6, nil, in)
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0, 0, 1, 3}, tensors.ConstFlatData[float32](out))

	out, err = runOp(t, p, "LeakyRelu", "", 6, graph.Attributes{"alpha": graph.FloatAttr(0.1)}, in)
	require.NoError(t, err)
	got := tensors.ConstFlatData[float32](out)
	require.InDelta(t, -0.2, got[0], 1e-6)
	require.InDelta(t, -0.05, got[1], 1e-6)
	require.Equal(t, float32(3), got[4])

	out, err = runOp(t, p, "Sigmoid", "", 6, nil, in)
	require.NoError(t, err)
	require.InDelta(t, 0.5, tensors.ConstFlatData[float32](out)[2], 1e-6)

	out, err = runOp(t, p, "Tanh", "", 6, nil, in)
	require.NoError(t, err)
	require.InDelta(t, 0, tensors.ConstFlatData[float32](out)[2], 1e-6)
}

func TestIdentityCopies(t *testing.T) {
	p := newTestProvider(t)
	in, err := tensors.FromFlat([]float32{1, 2, 3}, 3)
	require.NoError(t, err)

	out, err := runOp(t, p, "Identity", "", 6, nil, in)
	require.NoError(t, err)
	require.NotSame(t, in, out)
	require.Equal(t, []float32{1, 2, 3}, tensors.ConstFlatData[float32](out))

	// The output is a fresh buffer, not an alias.
	tensors.MutableFlatData[float32](out)[0] = 99
	require.Equal(t, float32(1), tensors.ConstFlatData[float32](in)[0])
}

func TestGemm(t *testing.T) {
	p := newTestProvider(t)
	a, err := tensors.FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	b, err := tensors.FromFlat([]float32{7, 8, 9, 10, 11, 12}, 3, 2)
	require.NoError(t, err)

	out, err := runOp(t, p, "Gemm", "", 7, nil, a, b)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, out.Shape().Dimensions)
	require.Equal(t, []float32{58, 64, 139, 154}, tensors.ConstFlatData[float32](out))
}

func TestGemmTransposeAlphaBeta(t *testing.T) {
	p := newTestProvider(t)
	a, err := tensors.FromFlat([]float32{1, 2, 3, 4, 5, 6}, 3, 2) // transA -> 2x3
	require.NoError(t, err)
	b, err := tensors.FromFlat([]float32{7, 8, 9, 10, 11, 12}, 3, 2)
	require.NoError(t, err)
	c, err := tensors.FromFlat([]float32{1, 1}, 2) // row bias, broadcast
	require.NoError(t, err)

	out, err := runOp(t, p, "Gemm", "", 7, graph.Attributes{
		"transA": graph.IntAttr(1),
		"alpha":  graph.FloatAttr(2),
		"beta":   graph.FloatAttr(10),
	}, a, b, c)
	require.NoError(t, err)
	// op(A) = [[1,3,5],[2,4,6]]; op(A) x B = [[89, 98],[116, 128]];
	// Y = 2*product + 10*[1, 1].
	require.Equal(t, []float32{188, 206, 242, 266}, tensors.ConstFlatData[float32](out))
}

func TestGemmInnerMismatch(t *testing.T) {
	p := newTestProvider(t)
	a, err := tensors.FromFlat([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	b, err := tensors.FromFlat([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	require.NoError(t, err)

	_, err = runOp(t, p, "Gemm", "", 7, nil, a, b)
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestGemmBiasShape(t *testing.T) {
	p := newTestProvider(t)
	a, err := tensors.FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	b, err := tensors.FromFlat([]float32{7, 8, 9, 10, 11, 12}, 3, 2)
	require.NoError(t, err)

	// Full (m, n) bias.
	c, err := tensors.FromFlat([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	out, err := runOp(t, p, "Gemm", "", 7, nil, a, b, c)
	require.NoError(t, err)
	require.Equal(t, []float32{59, 66, 142, 158}, tensors.ConstFlatData[float32](out))

	// A bias that is neither (m, n) nor a row (n) is rejected, not wrapped
	// around the output.
	bad, err := tensors.FromFlat([]float32{1, 2, 3}, 3)
	require.NoError(t, err)
	_, err = runOp(t, p, "Gemm", "", 7, nil, a, b, bad)
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestConv(t *testing.T) {
	p := newTestProvider(t)
	// 1x1x3x3 input counting 1..9, 1x1x2x2 all-ones kernel: each output is
	// the sum of a 2x2 window.
	x, err := tensors.FromFlat([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	require.NoError(t, err)
	w, err := tensors.FromFlat([]float32{1, 1, 1, 1}, 1, 1, 2, 2)
	require.NoError(t, err)

	out, err := runOp(t, p, "Conv", "", 1, nil, x, w)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 2, 2}, out.Shape().Dimensions)
	require.Equal(t, []float32{12, 16, 24, 28}, tensors.ConstFlatData[float32](out))
}

func TestConvPadding(t *testing.T) {
	p := newTestProvider(t)
	x, err := tensors.FromFlat([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	require.NoError(t, err)
	w, err := tensors.FromFlat([]float32{1}, 1, 1, 1, 1)
	require.NoError(t, err)

	out, err := runOp(t, p, "Conv", "", 1, graph.Attributes{
		"pads": graph.IntsAttr(1, 1, 1, 1),
	}, x, w)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 4, 4}, out.Shape().Dimensions)
	got := tensors.ConstFlatData[float32](out)
	require.Equal(t, float32(0), got[0]) // padded corner
	require.Equal(t, float32(1), got[5]) // original top-left
}

func TestFusedConvAppliesActivation(t *testing.T) {
	p := newTestProvider(t)
	x, err := tensors.FromFlat([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	require.NoError(t, err)
	w, err := tensors.FromFlat([]float32{-1, -1, -1, -1}, 1, 1, 2, 2)
	require.NoError(t, err)

	out, err := runOp(t, p, "FusedConv", "com.graphrt", 1, graph.Attributes{
		"activation": graph.StringAttr("Relu"),
	}, x, w)
	require.NoError(t, err)
	// Every window sum is negative, Relu clamps all of them to zero.
	require.Equal(t, []float32{0, 0, 0, 0}, tensors.ConstFlatData[float32](out))
}

func TestFusedGemmAppliesActivation(t *testing.T) {
	p := newTestProvider(t)
	a, err := tensors.FromFlat([]float32{1, -1}, 1, 2)
	require.NoError(t, err)
	b, err := tensors.FromFlat([]float32{1, 2, 3, -4}, 2, 2)
	require.NoError(t, err)

	out, err := runOp(t, p, "FusedGemm", "com.graphrt", 7, graph.Attributes{
		"activation": graph.StringAttr("Relu"),
	}, a, b)
	require.NoError(t, err)
	// A x B = [-2, 6]; Relu clamps the negative entry.
	require.Equal(t, []float32{0, 6}, tensors.ConstFlatData[float32](out))
}

func TestLookupMissingKernel(t *testing.T) {
	p := newTestProvider(t)
	in, err := tensors.FromFlat([]float32{1}, 1)
	require.NoError(t, err)

	_, err = runOp(t, p, "Softmax", "", 6, nil, in)
	require.Error(t, err)
	require.Equal(t, status.NotImplemented, status.CodeOf(err))
}
