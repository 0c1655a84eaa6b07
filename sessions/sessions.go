// Package sessions compiles a resolved graph against a set of execution
// providers and runs it.
//
// Construction does all the expensive, fallible work once: rewrite passes,
// resolution, node-to-provider partitioning and kernel instantiation. Run
// then only moves tensors and invokes kernels, inserting copies where a
// tensor's location doesn't match the location its consumer requires.
package sessions

import (
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/rewriters"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

// Options configures session construction.
type Options struct {
	// Providers in priority order: each node is assigned to the first
	// provider whose registry has a matching kernel. When empty the default
	// provider from backends.New is used.
	Providers []backends.Provider

	// Passes applied to the graph, each to its fixed point, before
	// partitioning.
	Passes []rewriters.Pass
}

// step is one node of the execution plan, bound to its provider and kernel.
type step struct {
	node     *graph.Node
	provider backends.Provider
	def      *backends.KernelDef
	kernel   backends.Kernel
}

// Session is a compiled, runnable graph. Safe for sequential reuse; a single
// Session must not Run concurrently with itself.
type Session struct {
	id        uuid.UUID
	graph     *graph.Graph
	providers []backends.Provider
	plan      []*step

	// uses counts consuming input slots per value, for freeing
	// intermediates during Run.
	uses map[*graph.NodeArg]int
}

// New compiles the graph into a session. The graph is mutated by the
// configured passes and must not be used by other sessions afterwards.
func New(g *graph.Graph, options Options) (*Session, error) {
	providers := options.Providers
	if len(providers) == 0 {
		p, err := backends.New()
		if err != nil {
			return nil, err
		}
		providers = []backends.Provider{p}
	}
	for _, pass := range options.Passes {
		if err := rewriters.FixedPoint(g, pass); err != nil {
			return nil, err
		}
	}
	if !g.IsResolved() {
		if err := g.Resolve(); err != nil {
			return nil, err
		}
	}

	s := &Session{
		id:        uuid.New(),
		graph:     g,
		providers: providers,
		uses:      make(map[*graph.NodeArg]int),
	}
	order, err := g.NodesInTopologicalOrder()
	if err != nil {
		return nil, err
	}
	for _, index := range order {
		node, err := g.GetNode(index)
		if err != nil {
			return nil, err
		}
		st, err := assign(node, providers)
		if err != nil {
			return nil, err
		}
		s.plan = append(s.plan, st)
		for _, in := range node.Inputs() {
			s.uses[in]++
		}
		klog.V(1).Infof("session %s: node %q -> provider %q (%s)", s.id, node.Name(), st.provider.Name(), st.def)
	}
	return s, nil
}

// assign finds the first provider with a matching kernel and instantiates it.
func assign(node *graph.Node, providers []backends.Provider) (*step, error) {
	for _, p := range providers {
		def, factory, err := p.KernelRegistry().Lookup(node, p.Name())
		if err != nil {
			if status.CodeOf(err) == status.NotImplemented {
				continue
			}
			return nil, err
		}
		kernel, err := factory(node, def)
		if err != nil {
			return nil, err
		}
		return &step{node: node, provider: p, def: def, kernel: kernel}, nil
	}
	return nil, status.Errorf(status.NotImplemented,
		"no execution provider implements node %q (%s, domain %q, opset %d)",
		node.Name(), node.OpType(), node.Domain(), node.OpsetVersion())
}

// ID of the session.
func (s *Session) ID() uuid.UUID { return s.id }

// Partition returns the node name to provider name assignment, for
// introspection.
func (s *Session) Partition() map[string]string {
	partition := make(map[string]string, len(s.plan))
	for _, st := range s.plan {
		partition[st.node.Name()] = st.provider.Name()
	}
	return partition
}

// Run executes the plan over the given feeds, keyed by graph input name, and
// returns the graph outputs keyed by output name, always in plain host
// memory.
//
// Feeds are never mutated or freed. Intermediate tensors are returned to
// their allocators as soon as their last consumer ran.
func (s *Session) Run(feeds map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	values, err := s.bindFeeds(feeds)
	if err != nil {
		return nil, err
	}
	remaining := make(map[*graph.NodeArg]int, len(s.uses))
	for arg, n := range s.uses {
		remaining[arg] = n
	}

	for _, st := range s.plan {
		if err := s.runStep(st, values, remaining); err != nil {
			return nil, err
		}
	}

	fetches := make(map[string]*tensors.Tensor, len(s.graph.Outputs()))
	for _, out := range s.graph.Outputs() {
		tensor, found := values[out]
		if !found {
			return nil, status.Errorf(status.StructuralError,
				"graph output %q was never produced", out.Name())
		}
		hostTensor, err := s.toHost(tensor)
		if err != nil {
			return nil, err
		}
		fetches[out.Name()] = hostTensor
	}
	if klog.V(1).Enabled() {
		for _, p := range s.providers {
			if allocator, err := p.Allocator(p.DefaultMemoryClass()); err == nil {
				klog.Infof("session %s: provider %q allocator: %s", s.id, p.Name(), allocator.Stats())
			}
		}
	}
	return fetches, nil
}

// bindFeeds validates the feeds against the graph inputs and seeds the value
// table.
func (s *Session) bindFeeds(feeds map[string]*tensors.Tensor) (map[*graph.NodeArg]*tensors.Tensor, error) {
	inputs := s.graph.Inputs()
	values := make(map[*graph.NodeArg]*tensors.Tensor, len(inputs))
	byName := make(map[string]*graph.NodeArg, len(inputs))
	for _, in := range inputs {
		byName[in.Name()] = in
	}
	for name := range feeds {
		if _, found := byName[name]; !found {
			return nil, status.Errorf(status.InvalidArgument, "feed %q is not a graph input", name)
		}
	}
	for _, in := range inputs {
		tensor, found := feeds[in.Name()]
		if !found {
			return nil, status.Errorf(status.InvalidArgument, "graph input %q was not fed", in.Name())
		}
		if tensor.DType() != in.DType() {
			return nil, status.Errorf(status.InvalidArgument,
				"feed %q has dtype %s, graph input declares %s", in.Name(), tensor.DType(), in.DType())
		}
		if !tensor.Shape().CompatibleWith(in.Shape()) {
			return nil, status.Errorf(status.InvalidArgument,
				"feed %q has shape %s, incompatible with declared %s", in.Name(), tensor.Shape(), in.Shape())
		}
		values[in] = tensor
	}
	return values, nil
}

// runStep stages inputs into the locations the kernel requires, computes,
// records outputs and releases exhausted intermediates.
func (s *Session) runStep(st *step, values map[*graph.NodeArg]*tensors.Tensor, remaining map[*graph.NodeArg]int) error {
	inputs := make([]*tensors.Tensor, len(st.node.Inputs()))
	var staged []*tensors.Tensor
	for slot, arg := range st.node.Inputs() {
		tensor, found := values[arg]
		if !found {
			return status.Errorf(status.StructuralError,
				"node %q input %q has no value at execution time", st.node.Name(), arg.Name())
		}
		class := st.def.InputMemoryClass(slot, st.provider.DefaultMemoryClass())
		placed, copied, err := s.place(tensor, st.provider, class)
		if err != nil {
			return status.Wrapf(status.CodeOf(err), err,
				"staging input %q of node %q", arg.Name(), st.node.Name())
		}
		if copied {
			staged = append(staged, placed)
		}
		inputs[slot] = placed
	}

	ctx := backends.NewContext(st.node, st.def, st.provider, inputs)
	if err := st.kernel.Compute(ctx); err != nil {
		return status.Wrapf(status.CodeOf(err), err, "computing node %q", st.node.Name())
	}
	for slot, out := range st.node.Outputs() {
		tensor := ctx.Outputs()[slot]
		if tensor == nil {
			return status.Errorf(status.StructuralError,
				"node %q did not materialize output %q", st.node.Name(), out.Name())
		}
		values[out] = tensor
	}

	for _, placed := range staged {
		s.free(placed)
	}
	for _, arg := range st.node.Inputs() {
		remaining[arg]--
		if remaining[arg] == 0 && !s.graph.IsOutput(arg) {
			if tensor := values[arg]; tensor != nil {
				s.free(tensor)
				delete(values, arg)
			}
		}
	}
	return nil
}

// place returns a tensor with the given tensor's contents addressable by the
// provider in the given memory class, copying when needed. A host-class
// tensor is directly addressable by any provider requiring the host class.
func (s *Session) place(tensor *tensors.Tensor, p backends.Provider, class tensors.MemoryClass) (*tensors.Tensor, bool, error) {
	location := tensor.Location()
	if location.Class == class && (location.Provider == p.Name() || class == tensors.MemoryClassHost) {
		return tensor, false, nil
	}
	allocator, err := p.Allocator(class)
	if err != nil {
		return nil, false, err
	}
	dst, err := allocator.Allocate(tensor.Shape())
	if err != nil {
		return nil, false, err
	}
	if err := s.copyTensor(tensor, dst); err != nil {
		allocator.Free(dst)
		return nil, false, err
	}
	return dst, true, nil
}

// copyTensor tries the providers that can see either end of the transfer:
// the destination's owner first, then the source's.
func (s *Session) copyTensor(src, dst *tensors.Tensor) error {
	var lastErr error
	for _, name := range []string{dst.Location().Provider, src.Location().Provider} {
		p := s.providerByName(name)
		if p == nil {
			continue
		}
		err := p.CopyTensor(src, dst)
		if err == nil {
			return nil
		}
		if status.CodeOf(err) != status.NotImplemented {
			return err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = status.Errorf(status.NotImplemented,
			"no provider can copy %s to %s", src.Location(), dst.Location())
	}
	return lastErr
}

func (s *Session) providerByName(name string) backends.Provider {
	for _, p := range s.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// toHost returns the tensor itself when already in plain host memory, or a
// host copy made through the owning provider otherwise.
func (s *Session) toHost(tensor *tensors.Tensor) (*tensors.Tensor, error) {
	if tensor.Location().Class == tensors.MemoryClassHost {
		return tensor, nil
	}
	owner := s.providerByName(tensor.Location().Provider)
	if owner == nil {
		return nil, status.Errorf(status.StructuralError,
			"output tensor at %s has no owning provider in this session", tensor.Location())
	}
	allocator, err := owner.Allocator(tensors.MemoryClassHost)
	if err != nil {
		return nil, err
	}
	dst, err := allocator.Allocate(tensor.Shape())
	if err != nil {
		return nil, err
	}
	if err := owner.CopyTensor(tensor, dst); err != nil {
		allocator.Free(dst)
		return nil, err
	}
	return dst, nil
}

// free returns a session-allocated tensor to its allocator. Feeds and other
// unowned tensors are left to the garbage collector.
func (s *Session) free(tensor *tensors.Tensor) {
	owner := s.providerByName(tensor.Location().Provider)
	if owner == nil {
		return
	}
	allocator, err := owner.Allocator(tensor.Location().Class)
	if err != nil {
		return
	}
	allocator.Free(tensor)
}

// Finalize releases the session's providers. The session is invalid
// afterwards.
func (s *Session) Finalize() {
	for _, p := range s.providers {
		p.Finalize()
	}
	s.plan = nil
	s.providers = nil
}
