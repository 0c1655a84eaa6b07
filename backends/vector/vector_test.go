package vector

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

func runOp(t *testing.T, p *Provider, opType string, inputs ...*tensors.Tensor) *tensors.Tensor {
	g := graph.New("single")
	args := make([]*graph.NodeArg, len(inputs))
	for i, in := range inputs {
		args[i] = graph.NewNodeArg("in", in.DType(), in.Shape())
	}
	outArg := graph.NewNodeArg("out", inputs[0].DType(), shapes.MakeRankless(inputs[0].DType()))
	node, err := g.AddNode("node", opType, args, []*graph.NodeArg{outArg}, nil, "", 1)
	require.NoError(t, err)

	def, factory, err := p.KernelRegistry().Lookup(node, p.Name())
	require.NoError(t, err)
	kernel, err := factory(node, def)
	require.NoError(t, err)
	ctx := backends.NewContext(node, def, p, inputs)
	require.NoError(t, kernel.Compute(ctx))
	return ctx.Outputs()[0]
}

func TestNewConfig(t *testing.T) {
	_, err := New("not-a-number")
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))

	p, err := New("2")
	require.NoError(t, err)
	require.Equal(t, 2, p.maxParallelism)
}

func TestMemcpyStaging(t *testing.T) {
	p, err := New("")
	require.NoError(t, err)

	host, err := tensors.FromFlat([]float32{1, 2, 3, 4}, 4)
	require.NoError(t, err)

	// Host to device: the output lands in the device memory class.
	onDevice := runOp(t, p, "MemcpyFromHost", host)
	require.Equal(t, tensors.Location{Provider: Name, Class: MemoryClassDevice}, onDevice.Location())
	require.Equal(t, []float32{1, 2, 3, 4}, tensors.ConstFlatData[float32](onDevice))

	// Device to host: the definition's output override routes the allocation
	// to the host class despite the provider's device default.
	back := runOp(t, p, "MemcpyToHost", onDevice)
	require.Equal(t, tensors.MemoryClassHost, back.Location().Class)
	require.Equal(t, []float32{1, 2, 3, 4}, tensors.ConstFlatData[float32](back))
}

func TestMemcpyDefOverrides(t *testing.T) {
	p, err := New("")
	require.NoError(t, err)

	g := graph.New("overrides")
	in := graph.NewNodeArg("in", dtypes.Float32, shapes.Make(dtypes.Float32, 1))
	out := graph.NewNodeArg("out", in.DType(), shapes.MakeRankless(in.DType()))
	node, err := g.AddNode("stage", "MemcpyFromHost", []*graph.NodeArg{in}, []*graph.NodeArg{out}, nil, "", 1)
	require.NoError(t, err)

	def, _, err := p.KernelRegistry().Lookup(node, Name)
	require.NoError(t, err)
	require.Equal(t, tensors.MemoryClassHost, def.InputMemoryClass(0, p.DefaultMemoryClass()))
	require.Equal(t, MemoryClassDevice, def.OutputMemoryClass(0, p.DefaultMemoryClass()))
}

func host(t *testing.T, values ...float32) *tensors.Tensor {
	tensor, err := tensors.FromFlat(values, len(values))
	require.NoError(t, err)
	return tensor
}

func TestParallelRelu(t *testing.T) {
	p, err := New("4")
	require.NoError(t, err)

	// Large enough to split into several worker chunks.
	flat := make([]float32, 10000)
	for i := range flat {
		if i%2 == 0 {
			flat[i] = -float32(i)
		} else {
			flat[i] = float32(i)
		}
	}
	in, err := tensors.FromFlat(flat, len(flat))
	require.NoError(t, err)

	out := runOp(t, p, "Relu", in)
	got := tensors.ConstFlatData[float32](out)
	for i, v := range got {
		if i%2 == 0 {
			require.Zero(t, v, "element %d", i)
		} else {
			require.Equal(t, float32(i), v, "element %d", i)
		}
	}
}

func TestCopyTensorWhitelist(t *testing.T) {
	p, err := New("")
	require.NoError(t, err)

	src := host(t, 1, 2, 3)
	device, err := p.Allocator(MemoryClassDevice)
	require.NoError(t, err)
	dst, err := device.Allocate(src.Shape())
	require.NoError(t, err)
	require.NoError(t, p.CopyTensor(src, dst))
	require.Equal(t, []float32{1, 2, 3}, tensors.ConstFlatData[float32](dst))

	// Host-to-host is not this provider's business.
	other := host(t, 0, 0, 0)
	err = p.CopyTensor(src, other)
	require.Error(t, err)
	require.Equal(t, status.NotImplemented, status.CodeOf(err))
	require.Equal(t, []float32{0, 0, 0}, tensors.ConstFlatData[float32](other))
}
