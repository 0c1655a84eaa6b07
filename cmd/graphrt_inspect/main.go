// graphrt_inspect loads a serialized graph (or builds a bundled sample),
// reports its structure, runs the fusion passes over it and optionally
// benchmarks its execution.
//
// Usage:
//
//	graphrt_inspect [flags] [graph.gob]
//
// With no positional argument a small bundled Conv/Gemm network is used, so
// every flag can be tried without a model file at hand.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/backends"
	_ "github.com/graphrt/graphrt/backends/cpu"    // registers the "cpu" provider
	_ "github.com/graphrt/graphrt/backends/vector" // registers the "vector" provider
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/rewriters"
	"github.com/graphrt/graphrt/sessions"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/tensors"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the graph: inputs, outputs and nodes in topological order.")
	flagFuse    = flag.Bool("fuse", false, "Run the activation-fusion passes to their fixed point and report what changed.")
	flagKernels = flag.Bool("kernels", false, "List the kernels registered by each provider.")
	flagBench   = flag.Int("bench", 0, "Number of benchmark runs; 0 disables benchmarking. Implies -fuse.")

	flagProviders = flag.String("providers", "vector,cpu",
		"Comma-separated execution providers in priority order. Each entry is a name with an optional "+
			"':<config>' suffix, e.g. 'vector:8,cpu'.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'graphrt_inspect -help'.")
		os.Exit(1)
	}
	var g *graph.Graph
	if len(args) == 1 {
		f := must.M1(os.Open(args[0]))
		g = must.M1(graph.GobDeserialize(f))
		must.M(f.Close())
	} else {
		g = sampleGraph()
	}
	must.M(g.Resolve())

	if *flagSummary {
		summary(g)
	}
	if *flagFuse || *flagBench > 0 {
		fuse(g)
	}
	if *flagKernels {
		listKernels()
	}
	if *flagBench > 0 {
		bench(g, *flagBench)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// sampleGraph builds the bundled demonstration network:
// Conv -> Relu -> Gemm-like tail ending in a Slice.
func sampleGraph() *graph.Graph {
	g := graph.New("sample")
	x := graph.NewNodeArg("x", dtypes.Float32, shapes.Make(dtypes.Float32, 1, 3, 8, 8))
	w := graph.NewNodeArg("w", dtypes.Float32, shapes.Make(dtypes.Float32, 4, 3, 3, 3))
	g.AddInput(x)
	g.AddInput(w)

	convOut := graph.NewNodeArg("conv_out", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	reluOut := graph.NewNodeArg("relu_out", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	y := graph.NewNodeArg("y", dtypes.Float32, shapes.MakeRankless(dtypes.Float32))
	g.AddOutput(y)

	must.M1(g.AddNode("conv", "Conv", []*graph.NodeArg{x, w}, []*graph.NodeArg{convOut},
		graph.Attributes{"pads": graph.IntsAttr(1, 1, 1, 1)}, "", 1))
	must.M1(g.AddNode("relu", "Relu", []*graph.NodeArg{convOut}, []*graph.NodeArg{reluOut}, nil, "", 6))
	must.M1(g.AddNode("slice", "Slice", []*graph.NodeArg{reluOut}, []*graph.NodeArg{y},
		graph.Attributes{
			"starts": graph.IntsAttr(0, 0, 0, 0),
			"ends":   graph.IntsAttr(1, 2, 8, 8),
		}, "", 1))
	return g
}

func summary(g *graph.Graph) {
	fmt.Println(titleStyle.Render("Graph " + g.Name()))
	table := newPlainTable(false)
	table.Row("# nodes", humanize.Comma(int64(g.NumNodes())))
	table.Row("# inputs", humanize.Comma(int64(len(g.Inputs()))))
	table.Row("# outputs", humanize.Comma(int64(len(g.Outputs()))))
	fmt.Println(table.Render())

	table = newPlainTable(true)
	table.Row("Node", "Op", "Inputs", "Outputs", "Attributes")
	for _, index := range must.M1(g.NodesInTopologicalOrder()) {
		node := must.M1(g.GetNode(index))
		op := node.OpType()
		if node.Domain() != "" {
			op = node.Domain() + "." + op
		}
		table.Row(node.Name(), fmt.Sprintf("%s (opset %d)", op, node.OpsetVersion()),
			argNames(node.Inputs()), argNames(node.Outputs()), node.Attributes().String())
	}
	fmt.Println(table.Render())
}

func argNames(args []*graph.NodeArg) string {
	s := ""
	for i, arg := range args {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s:%s", arg.Name(), arg.Shape())
	}
	return s
}

func fuse(g *graph.Graph) {
	before := g.NumNodes()
	must.M(rewriters.FixedPoint(g, rewriters.NewConvActivationFusion(), rewriters.NewGemmActivationFusion()))
	fmt.Println(titleStyle.Render("Fusion"))
	table := newPlainTable(false)
	table.Row("nodes before", humanize.Comma(int64(before)))
	table.Row("nodes after", humanize.Comma(int64(g.NumNodes())))
	fmt.Println(table.Render())
	if *flagSummary && g.NumNodes() != before {
		summary(g)
	}
}

func providers() []backends.Provider {
	var list []backends.Provider
	for _, config := range splitComma(*flagProviders) {
		list = append(list, must.M1(backends.NewWithConfig(config)))
	}
	return list
}

func splitComma(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func listKernels() {
	fmt.Println(titleStyle.Render("Kernels"))
	for _, p := range providers() {
		table := newPlainTable(true)
		table.Row("Provider", "Kernel")
		for _, def := range p.KernelRegistry().Defs() {
			table.Row(p.Name(), def.String())
		}
		fmt.Println(table.Render())
		p.Finalize()
	}
}

func bench(g *graph.Graph, runs int) {
	list := providers()
	s := must.M1(sessions.New(g, sessions.Options{Providers: list}))

	feeds := make(map[string]*tensors.Tensor, len(g.Inputs()))
	for _, in := range g.Inputs() {
		feeds[in.Name()] = tensors.New(in.Shape(), tensors.HostLocation)
	}

	bar := progressbar.Default(int64(runs), "benchmark")
	start := time.Now()
	for i := 0; i < runs; i++ {
		must.M1(s.Run(feeds))
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)
	must.M(bar.Finish())

	fmt.Println(titleStyle.Render("Benchmark"))
	table := newPlainTable(false)
	table.Row("runs", humanize.Comma(int64(runs)))
	table.Row("total", elapsed.String())
	table.Row("per run", (elapsed / time.Duration(runs)).String())
	for _, p := range list {
		if allocator, err := p.Allocator(p.DefaultMemoryClass()); err == nil {
			table.Row("allocator "+p.Name(), allocator.Stats().String())
		}
	}
	fmt.Println(table.Render())
	s.Finalize()
}
