package backends

import (
	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

// Kernel is one node's compute routine, instantiated by a KernelFactory and
// bound to that node for the session's lifetime. Implementations must be safe
// to call concurrently with kernels of other nodes, but a single kernel is
// never invoked concurrently with itself.
type Kernel interface {
	// Compute reads the inputs from ctx and materializes every output. Any
	// returned error aborts the run.
	Compute(ctx *Context) error
}

// Context carries one kernel invocation: the node being executed, its
// definition, the concrete input tensors in execution order, and the provider
// whose allocators serve output allocation.
type Context struct {
	node     *graph.Node
	def      *KernelDef
	provider Provider

	inputs  []*tensors.Tensor
	outputs []*tensors.Tensor
}

// NewContext assembles an invocation context. The inputs slice must align
// with the node's input slots; detached slots are nil.
func NewContext(node *graph.Node, def *KernelDef, provider Provider, inputs []*tensors.Tensor) *Context {
	return &Context{
		node:     node,
		def:      def,
		provider: provider,
		inputs:   inputs,
		outputs:  make([]*tensors.Tensor, len(node.Outputs())),
	}
}

// Node being executed.
func (ctx *Context) Node() *graph.Node { return ctx.node }

// Def is the kernel definition that matched the node.
func (ctx *Context) Def() *KernelDef { return ctx.def }

// Provider executing the node.
func (ctx *Context) Provider() Provider { return ctx.provider }

// NumInputs is the number of input slots of the node.
func (ctx *Context) NumInputs() int { return len(ctx.inputs) }

// Input returns the tensor at the given input slot. A missing or detached
// slot is an InvalidArgument error.
func (ctx *Context) Input(slot int) (*tensors.Tensor, error) {
	if slot < 0 || slot >= len(ctx.inputs) {
		return nil, status.Errorf(status.InvalidArgument,
			"node %q has no input slot %d", ctx.node.Name(), slot)
	}
	if ctx.inputs[slot] == nil {
		return nil, status.Errorf(status.InvalidArgument,
			"node %q input slot %d has no tensor bound", ctx.node.Name(), slot)
	}
	return ctx.inputs[slot], nil
}

// Output allocates (or returns the already allocated) output tensor for the
// given slot, with the given fully defined shape. The allocation honors the
// kernel definition's per-slot memory-class override, defaulting to the
// provider's default class.
func (ctx *Context) Output(slot int, shape shapes.Shape) (*tensors.Tensor, error) {
	if slot < 0 || slot >= len(ctx.outputs) {
		return nil, status.Errorf(status.InvalidArgument,
			"node %q has no output slot %d", ctx.node.Name(), slot)
	}
	if ctx.outputs[slot] != nil {
		if !ctx.outputs[slot].Shape().Equal(shape) {
			return nil, status.Errorf(status.InvalidArgument,
				"node %q output slot %d already allocated with shape %s, now requested as %s",
				ctx.node.Name(), slot, ctx.outputs[slot].Shape(), shape)
		}
		return ctx.outputs[slot], nil
	}
	class := ctx.def.OutputMemoryClass(slot, ctx.provider.DefaultMemoryClass())
	allocator, err := ctx.provider.Allocator(class)
	if err != nil {
		return nil, err
	}
	t, err := allocator.Allocate(shape)
	if err != nil {
		return nil, err
	}
	ctx.outputs[slot] = t
	return t, nil
}

// SetOutput binds an already existing tensor to an output slot, for kernels
// that forward an input unchanged instead of allocating.
func (ctx *Context) SetOutput(slot int, t *tensors.Tensor) error {
	if slot < 0 || slot >= len(ctx.outputs) {
		return status.Errorf(status.InvalidArgument,
			"node %q has no output slot %d", ctx.node.Name(), slot)
	}
	ctx.outputs[slot] = t
	return nil
}

// Outputs returns the output tensors after Compute. Slots the kernel never
// materialized are nil.
func (ctx *Context) Outputs() []*tensors.Tensor { return ctx.outputs }
