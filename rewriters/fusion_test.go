package rewriters

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/types/shapes"
)

func arg(name string) *graph.NodeArg {
	return graph.NewNodeArg(name, dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
}

// buildConvActGraph creates:
//
//	x, w -> Conv -> act -> Identity -> y0 (graph output)
//	            \________> Identity -> y1 (graph output)  [second consumer of act]
func buildConvActGraph(t *testing.T, actOp string, actAttrs graph.Attributes) (*graph.Graph, *graph.Node, *graph.Node) {
	g := graph.New("convact")
	x := graph.NewNodeArg("x", dtypes.Float32, shapes.Make(dtypes.Float32, 1, 3, 8, 8))
	w := graph.NewNodeArg("w", dtypes.Float32, shapes.Make(dtypes.Float32, 4, 3, 3, 3))
	g.AddInput(x)
	g.AddInput(w)

	convOut := arg("conv_out")
	actOut := arg("act_out")
	y0 := arg("y0")
	y1 := arg("y1")
	g.AddOutput(y0)
	g.AddOutput(y1)

	conv, err := g.AddNode("conv", "Conv", []*graph.NodeArg{x, w}, []*graph.NodeArg{convOut},
		graph.Attributes{"pads": graph.IntsAttr(1, 1, 1, 1)}, "", 1)
	require.NoError(t, err)
	act, err := g.AddNode("act", actOp, []*graph.NodeArg{convOut}, []*graph.NodeArg{actOut}, actAttrs, "", 6)
	require.NoError(t, err)
	_, err = g.AddNode("id0", "Identity", []*graph.NodeArg{actOut}, []*graph.NodeArg{y0}, nil, "", 6)
	require.NoError(t, err)
	_, err = g.AddNode("id1", "Identity", []*graph.NodeArg{actOut}, []*graph.NodeArg{y1}, nil, "", 6)
	require.NoError(t, err)
	require.NoError(t, g.Resolve())
	return g, conv, act
}

func findByOpType(t *testing.T, g *graph.Graph, opType string) *graph.Node {
	var found *graph.Node
	for _, node := range g.Nodes() {
		if node.OpType() == opType {
			require.Nil(t, found, "more than one %s node", opType)
			found = node
		}
	}
	return found
}

func TestActivationFusionRewiresAllConsumers(t *testing.T) {
	g, conv, act := buildConvActGraph(t, "Relu", nil)
	pass := NewConvActivationFusion()

	modified, err := pass.Apply(g)
	require.NoError(t, err)
	require.True(t, modified)
	require.True(t, g.IsResolved())

	// Conv and Relu are gone, replaced by a single FusedConv.
	require.Equal(t, 3, g.NumNodes())
	_, err = g.GetNode(conv.Index())
	require.Error(t, err)
	_, err = g.GetNode(act.Index())
	require.Error(t, err)
	fused := findByOpType(t, g, "FusedConv")
	require.NotNil(t, fused)
	require.Equal(t, FusedDomain, fused.Domain())

	// Rewiring completeness: no remaining node references the removed
	// activation's output slot; every prior consumer references the fused
	// node's output.
	actOut := act.Outputs()[0]
	fusedOut := fused.Outputs()[0]
	for _, node := range g.Nodes() {
		for _, in := range node.Inputs() {
			require.NotSame(t, actOut, in)
		}
	}
	for _, node := range g.Nodes() {
		if node.OpType() == "Identity" {
			require.Same(t, fusedOut, node.Inputs()[0])
		}
	}

	// The fused node carries the producer's full input list.
	require.Len(t, fused.Inputs(), 2)
	require.Equal(t, "x", fused.Inputs()[0].Name())
	require.Equal(t, "w", fused.Inputs()[1].Name())
}

func TestActivationFusionAttributePreservation(t *testing.T) {
	alpha := graph.FloatAttr(0.1)
	g, _, _ := buildConvActGraph(t, "LeakyRelu", graph.Attributes{"alpha": alpha})

	modified, err := NewConvActivationFusion().Apply(g)
	require.NoError(t, err)
	require.True(t, modified)

	fused := findByOpType(t, g, "FusedConv")
	require.NotNil(t, fused)
	attrs := fused.Attributes()

	// Superset of the producer's attributes ...
	pads, err := attrs.GetInts("pads")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 1, 1, 1}, pads)
	// ... plus the absorbed activation and its own attributes, verbatim.
	activation, err := attrs.GetString(ActivationAttr, "")
	require.NoError(t, err)
	require.Equal(t, "LeakyRelu", activation)
	gotAlpha, err := attrs.GetFloat("alpha", 0)
	require.NoError(t, err)
	require.Equal(t, float32(0.1), gotAlpha)
}

func TestActivationFusionIdempotence(t *testing.T) {
	g, _, _ := buildConvActGraph(t, "Tanh", nil)
	pass := NewConvActivationFusion()

	modified, err := pass.Apply(g)
	require.NoError(t, err)
	require.True(t, modified)

	// A second scan finds nothing further to do.
	modified, err = pass.Apply(g)
	require.NoError(t, err)
	require.False(t, modified)
}

func TestActivationFusionSkipsMultiConsumerProducer(t *testing.T) {
	g, conv, _ := buildConvActGraph(t, "Relu", nil)

	// Give the Conv output a second consumer: fusing would change its value.
	extra := arg("extra")
	_, err := g.AddNode("id2", "Identity", []*graph.NodeArg{conv.Outputs()[0]}, []*graph.NodeArg{extra}, nil, "", 6)
	require.NoError(t, err)
	require.NoError(t, g.Resolve())

	modified, err := NewConvActivationFusion().Apply(g)
	require.NoError(t, err)
	require.False(t, modified)
	require.Nil(t, findByOpType(t, g, "FusedConv"))
}

func TestActivationFusionSkipsObservedActivationOutput(t *testing.T) {
	g := graph.New("observed")
	x := graph.NewNodeArg("x", dtypes.Float32, shapes.Make(dtypes.Float32, 1, 3, 8, 8))
	w := graph.NewNodeArg("w", dtypes.Float32, shapes.Make(dtypes.Float32, 4, 3, 3, 3))
	g.AddInput(x)
	g.AddInput(w)
	convOut := arg("conv_out")
	actOut := arg("act_out")
	g.AddOutput(actOut) // the activation's output is externally observed

	_, err := g.AddNode("conv", "Conv", []*graph.NodeArg{x, w}, []*graph.NodeArg{convOut}, nil, "", 1)
	require.NoError(t, err)
	_, err = g.AddNode("act", "Relu", []*graph.NodeArg{convOut}, []*graph.NodeArg{actOut}, nil, "", 6)
	require.NoError(t, err)
	require.NoError(t, g.Resolve())

	modified, err := NewConvActivationFusion().Apply(g)
	require.NoError(t, err)
	require.False(t, modified)
}

func TestActivationFusionSkipsNonAllowListedConsumer(t *testing.T) {
	g := graph.New("softmax")
	x := graph.NewNodeArg("x", dtypes.Float32, shapes.Make(dtypes.Float32, 1, 3, 8, 8))
	w := graph.NewNodeArg("w", dtypes.Float32, shapes.Make(dtypes.Float32, 4, 3, 3, 3))
	g.AddInput(x)
	g.AddInput(w)
	convOut := arg("conv_out")
	softOut := arg("soft_out")
	y := arg("y")
	g.AddOutput(y)

	_, err := g.AddNode("conv", "Conv", []*graph.NodeArg{x, w}, []*graph.NodeArg{convOut}, nil, "", 1)
	require.NoError(t, err)
	_, err = g.AddNode("softmax", "Softmax", []*graph.NodeArg{convOut}, []*graph.NodeArg{softOut}, nil, "", 6)
	require.NoError(t, err)
	_, err = g.AddNode("id", "Identity", []*graph.NodeArg{softOut}, []*graph.NodeArg{y}, nil, "", 6)
	require.NoError(t, err)
	require.NoError(t, g.Resolve())

	modified, err := NewConvActivationFusion().Apply(g)
	require.NoError(t, err)
	require.False(t, modified)
}

func TestFixedPointFusesIndependentPairs(t *testing.T) {
	// Two disjoint Conv->activation pairs in one graph, both fusible.
	g := graph.New("pairs")
	x := graph.NewNodeArg("x", dtypes.Float32, shapes.Make(dtypes.Float32, 1, 3, 8, 8))
	w1 := graph.NewNodeArg("w1", dtypes.Float32, shapes.Make(dtypes.Float32, 4, 3, 3, 3))
	w2 := graph.NewNodeArg("w2", dtypes.Float32, shapes.Make(dtypes.Float32, 4, 4, 3, 3))
	g.AddInput(x)
	g.AddInput(w1)
	g.AddInput(w2)

	conv1Out, act1Out := arg("conv1_out"), arg("act1_out")
	conv2Out, act2Out := arg("conv2_out"), arg("act2_out")
	y := arg("y")
	g.AddOutput(y)

	mustAdd := func(name, op string, inputs, outputs []*graph.NodeArg, version int) {
		_, err := g.AddNode(name, op, inputs, outputs, nil, "", version)
		require.NoError(t, err)
	}
	mustAdd("conv1", "Conv", []*graph.NodeArg{x, w1}, []*graph.NodeArg{conv1Out}, 1)
	mustAdd("act1", "Relu", []*graph.NodeArg{conv1Out}, []*graph.NodeArg{act1Out}, 6)
	mustAdd("conv2", "Conv", []*graph.NodeArg{act1Out, w2}, []*graph.NodeArg{conv2Out}, 1)
	mustAdd("act2", "Sigmoid", []*graph.NodeArg{conv2Out}, []*graph.NodeArg{act2Out}, 6)
	mustAdd("id", "Identity", []*graph.NodeArg{act2Out}, []*graph.NodeArg{y}, 6)
	require.NoError(t, g.Resolve())

	require.NoError(t, FixedPoint(g, NewConvActivationFusion()))

	// Both pairs collapsed: FusedConv, FusedConv, Identity.
	require.Equal(t, 3, g.NumNodes())
	count := 0
	for _, node := range g.Nodes() {
		if node.OpType() == "FusedConv" {
			count++
		}
	}
	require.Equal(t, 2, count)
}
