package graph

import (
	"bytes"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
)

// buildChain creates x -> Relu -> Sigmoid -> y and resolves it.
func buildChain(t *testing.T) (*Graph, *Node, *Node) {
	g := New("chain")
	x := NewNodeArg("x", dtypes.Float32, shapes.Make(dtypes.Float32, 2, 3))
	mid := NewNodeArg("mid", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	y := NewNodeArg("y", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	g.AddInput(x)
	g.AddOutput(y)

	relu, err := g.AddNode("relu", "Relu", []*NodeArg{x}, []*NodeArg{mid}, nil, "", 6)
	require.NoError(t, err)
	sigmoid, err := g.AddNode("sigmoid", "Sigmoid", []*NodeArg{mid}, []*NodeArg{y}, nil, "", 6)
	require.NoError(t, err)
	require.NoError(t, g.Resolve())
	return g, relu, sigmoid
}

func TestGraphResolveTopologicalOrder(t *testing.T) {
	g, relu, sigmoid := buildChain(t)
	order, err := g.NodesInTopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, []NodeIndex{relu.Index(), sigmoid.Index()}, order)

	// Adjacency was derived from NodeArg sharing.
	require.Equal(t, 1, relu.NumOutputEdges())
	require.Equal(t, []Edge{{Src: relu.Index(), Dst: sigmoid.Index()}}, relu.OutputEdges())
}

func TestGraphStalenessIsEnforced(t *testing.T) {
	g, _, _ := buildChain(t)
	_, err := g.NodesInTopologicalOrder()
	require.NoError(t, err)

	// Any structural mutation makes the topological order stale.
	z := NewNodeArg("z", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	_, err = g.AddNode("tanh", "Tanh", []*NodeArg{g.Outputs()[0]}, []*NodeArg{z}, nil, "", 6)
	require.NoError(t, err)

	_, err = g.NodesInTopologicalOrder()
	require.Error(t, err)
	require.Equal(t, status.StructuralError, status.CodeOf(err))

	require.NoError(t, g.Resolve())
	_, err = g.NodesInTopologicalOrder()
	require.NoError(t, err)
}

func TestGraphRemoveNodeRequiresDetachedEdges(t *testing.T) {
	g, relu, sigmoid := buildChain(t)

	err := g.RemoveNode(relu.Index())
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))

	// Detach everything incident to sigmoid, then removal works.
	require.NoError(t, g.RemoveEdge(relu.Index(), sigmoid.Index(), 0, 0))
	require.NoError(t, g.RemoveNode(sigmoid.Index()))

	// The removed index is permanently invalid and never reused.
	_, err = g.GetNode(sigmoid.Index())
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
	w := NewNodeArg("w", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	replacement, err := g.AddNode("", "Tanh", []*NodeArg{relu.Outputs()[0]}, []*NodeArg{w}, nil, "", 6)
	require.NoError(t, err)
	require.NotEqual(t, sigmoid.Index(), replacement.Index())
}

func TestGraphResolveDetectsCycle(t *testing.T) {
	g := New("cyclic")
	x := NewNodeArg("x", dtypes.Float32, shapes.Make(dtypes.Float32, 2))
	a := NewNodeArg("a", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	b := NewNodeArg("b", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	g.AddInput(x)
	g.AddOutput(b)

	n1, err := g.AddNode("n1", "Relu", []*NodeArg{x}, []*NodeArg{a}, nil, "", 6)
	require.NoError(t, err)
	n2, err := g.AddNode("n2", "Tanh", []*NodeArg{a}, []*NodeArg{b}, nil, "", 6)
	require.NoError(t, err)

	// Feed n2's output back into n1.
	require.NoError(t, g.AddEdge(n2.Index(), n1.Index(), 0, 0))

	err = g.Resolve()
	require.Error(t, err)
	require.Equal(t, status.StructuralError, status.CodeOf(err))
}

func TestGraphResolveDetectsDanglingReference(t *testing.T) {
	g, relu, sigmoid := buildChain(t)
	require.NoError(t, g.RemoveEdge(relu.Index(), sigmoid.Index(), 0, 0))

	// sigmoid's input slot is now detached.
	err := g.Resolve()
	require.Error(t, err)
	require.Equal(t, status.StructuralError, status.CodeOf(err))

	// Reattaching fixes it; the failed Resolve did not undo the detach.
	require.NoError(t, g.AddEdge(relu.Index(), sigmoid.Index(), 0, 0))
	require.NoError(t, g.Resolve())
}

func TestGraphResolveDetectsDuplicateProducer(t *testing.T) {
	g, relu, _ := buildChain(t)
	// A second node producing relu's output slot.
	_, err := g.AddNode("dup", "Tanh", []*NodeArg{g.Inputs()[0]}, []*NodeArg{relu.Outputs()[0]}, nil, "", 6)
	require.NoError(t, err)
	err = g.Resolve()
	require.Error(t, err)
	require.Equal(t, status.StructuralError, status.CodeOf(err))
}

func TestGraphShapePropagation(t *testing.T) {
	_, relu, sigmoid := buildChain(t)
	want := shapes.Make(dtypes.Float32, 2, 3)
	require.True(t, relu.Outputs()[0].Shape().Equal(want))
	require.True(t, sigmoid.Outputs()[0].Shape().Equal(want))
}

func TestGraphSliceShapeInference(t *testing.T) {
	g := New("slice")
	x := NewNodeArg("x", dtypes.Float32, shapes.Make(dtypes.Float32, 5, 4))
	y := NewNodeArg("y", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	g.AddInput(x)
	g.AddOutput(y)
	attrs := Attributes{
		"axes":   IntsAttr(0),
		"starts": IntsAttr(-2),
		"ends":   IntsAttr(5),
	}
	_, err := g.AddNode("slice", "Slice", []*NodeArg{x}, []*NodeArg{y}, attrs, "", 1)
	require.NoError(t, err)
	require.NoError(t, g.Resolve())
	require.True(t, y.Shape().Equal(shapes.Make(dtypes.Float32, 2, 4)))
}

func TestGraphGemmShapeInference(t *testing.T) {
	g := New("gemm")
	a := NewNodeArg("a", dtypes.Float32, shapes.Make(dtypes.Float32, 2, 3))
	b := NewNodeArg("b", dtypes.Float32, shapes.Make(dtypes.Float32, 3, 4))
	y := NewNodeArg("y", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	g.AddInput(a)
	g.AddInput(b)
	g.AddOutput(y)
	_, err := g.AddNode("gemm", "Gemm", []*NodeArg{a, b}, []*NodeArg{y}, nil, "", 7)
	require.NoError(t, err)
	require.NoError(t, g.Resolve())
	require.True(t, y.Shape().Equal(shapes.Make(dtypes.Float32, 2, 4)))
}

func TestGraphGemmShapeInferenceTransposed(t *testing.T) {
	// A=(3,2) with transA=1 contributes op(A)=(2,3); against B=(3,4) the
	// output is (2,4). Resolve must honor the transpose attributes the same
	// way the compute kernel does.
	g := New("gemm-trans")
	a := NewNodeArg("a", dtypes.Float32, shapes.Make(dtypes.Float32, 3, 2))
	b := NewNodeArg("b", dtypes.Float32, shapes.Make(dtypes.Float32, 3, 4))
	y := NewNodeArg("y", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	g.AddInput(a)
	g.AddInput(b)
	g.AddOutput(y)
	attrs := Attributes{"transA": IntAttr(1)}
	_, err := g.AddNode("gemm", "Gemm", []*NodeArg{a, b}, []*NodeArg{y}, attrs, "", 7)
	require.NoError(t, err)
	require.NoError(t, g.Resolve())
	require.True(t, y.Shape().Equal(shapes.Make(dtypes.Float32, 2, 4)))

	// Without the transpose the same shapes are structurally invalid.
	g2 := New("gemm-bad")
	a2 := NewNodeArg("a", dtypes.Float32, shapes.Make(dtypes.Float32, 3, 2))
	b2 := NewNodeArg("b", dtypes.Float32, shapes.Make(dtypes.Float32, 3, 4))
	y2 := NewNodeArg("y", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	g2.AddInput(a2)
	g2.AddInput(b2)
	g2.AddOutput(y2)
	_, err = g2.AddNode("gemm", "Gemm", []*NodeArg{a2, b2}, []*NodeArg{y2}, nil, "", 7)
	require.NoError(t, err)
	err = g2.Resolve()
	require.Error(t, err)
	require.Equal(t, status.StructuralError, status.CodeOf(err))
}

func TestGraphGobRoundTrip(t *testing.T) {
	g, _, _ := buildChain(t)

	var buf bytes.Buffer
	require.NoError(t, g.GobSerialize(&buf))
	g2, err := GobDeserialize(&buf)
	require.NoError(t, err)
	require.NoError(t, g2.Resolve())

	require.Equal(t, g.NumNodes(), g2.NumNodes())
	require.Len(t, g2.Inputs(), 1)
	require.Len(t, g2.Outputs(), 1)

	// NodeArg sharing must survive: the relu output is the same identity as
	// the sigmoid input.
	order, err := g2.NodesInTopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 2)
	first, err := g2.GetNode(order[0])
	require.NoError(t, err)
	second, err := g2.GetNode(order[1])
	require.NoError(t, err)
	require.Same(t, first.Outputs()[0], second.Inputs()[0])
}
