package backends

import (
	"slices"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/types/status"
)

// KernelFactory builds a kernel instance bound to one graph node. The node's
// attributes and resolved shapes are available; factories typically validate
// attributes here so Compute can assume them well-formed.
type KernelFactory func(node *graph.Node, def *KernelDef) (Kernel, error)

type registration struct {
	def     *KernelDef
	factory KernelFactory
}

// Registry maps (op type, domain, provider, opset version, input dtypes) to
// kernel implementations.
//
// A provider populates its registry at construction and then seals it; Lookup
// is safe for concurrent use afterwards. Register on a sealed registry fails.
type Registry struct {
	sealed atomic.Bool

	// byKey groups registrations of the same operator. Mutated only before
	// sealing.
	byKey map[registryKey][]registration
}

type registryKey struct {
	opType   string
	domain   string
	provider string
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[registryKey][]registration)}
}

// Seal makes the registry read-only. Idempotent.
func (r *Registry) Seal() { r.sealed.Store(true) }

// Register adds a kernel definition with its factory.
//
// Two definitions for the same (op type, domain, provider) may coexist with
// overlapping version ranges as long as their end versions differ: Lookup
// disambiguates by picking the narrower one. Registration fails with a
// DuplicateRegistration error only when an existing definition has the same
// end version, an overlapping version range, and at least one input slot
// whose type constraints intersect (an unconstrained slot intersects
// everything).
func (r *Registry) Register(def *KernelDef, factory KernelFactory) error {
	if def == nil || factory == nil {
		return status.Errorf(status.InvalidArgument, "Register requires both a definition and a factory")
	}
	if r.sealed.Load() {
		return status.Errorf(status.InvalidArgument, "cannot register %s: registry is sealed", def)
	}
	key := registryKey{opType: def.opType, domain: def.domain, provider: def.provider}
	for _, existing := range r.byKey[key] {
		if conflicts(existing.def, def) {
			return status.Errorf(status.DuplicateRegistration,
				"kernel %s conflicts with already registered %s", def, existing.def)
		}
	}
	r.byKey[key] = append(r.byKey[key], registration{def: def, factory: factory})
	return nil
}

// conflicts reports whether two definitions of the same operator are
// indistinguishable to Lookup.
func conflicts(a, b *KernelDef) bool {
	if a.endVersion != b.endVersion {
		return false
	}
	if a.sinceVersion > b.endVersion || b.sinceVersion > a.endVersion {
		return false
	}
	// Same end version and overlapping ranges: distinct only if some input
	// slot has provably disjoint type constraints in both.
	slots := make(map[int]struct{})
	for slot := range a.inputConstraints {
		slots[slot] = struct{}{}
	}
	for slot := range b.inputConstraints {
		slots[slot] = struct{}{}
	}
	for slot := range slots {
		typesA, typesB := a.inputConstraints[slot], b.inputConstraints[slot]
		if len(typesA) == 0 || len(typesB) == 0 {
			continue // unconstrained slot intersects everything
		}
		if !typesIntersect(typesA, typesB) {
			return false
		}
	}
	return true
}

func typesIntersect(a, b []dtypes.DType) bool {
	for _, dtype := range a {
		if slices.Contains(b, dtype) {
			return true
		}
	}
	return false
}

// Lookup finds the kernel definition matching the given node for the given
// provider name, or a NotImplemented error when none matches.
//
// A definition matches when the node's (op type, domain) equal the
// definition's, the node's opset version lies inside the definition's
// version range, and every constrained input slot's resolved dtype is in the
// constraint set. Among multiple matches the one with the smallest end
// version wins -- the most specifically versioned kernel.
func (r *Registry) Lookup(node *graph.Node, provider string) (*KernelDef, KernelFactory, error) {
	key := registryKey{opType: node.OpType(), domain: node.Domain(), provider: provider}
	var best *registration
	for i := range r.byKey[key] {
		reg := &r.byKey[key][i]
		if !reg.def.SupportsVersion(node.OpsetVersion()) {
			continue
		}
		if !inputTypesMatch(reg.def, node) {
			continue
		}
		if best == nil || reg.def.endVersion < best.def.endVersion {
			best = reg
		}
	}
	if best == nil {
		return nil, nil, status.Errorf(status.NotImplemented,
			"no kernel for node %q (%s, domain %q, opset %d) on provider %q",
			node.Name(), node.OpType(), node.Domain(), node.OpsetVersion(), provider)
	}
	return best.def, best.factory, nil
}

func inputTypesMatch(def *KernelDef, node *graph.Node) bool {
	inputs := node.Inputs()
	for slot, allowed := range def.inputConstraints {
		if len(allowed) == 0 {
			continue
		}
		if slot >= len(inputs) || inputs[slot] == nil {
			return false
		}
		if !slices.Contains(allowed, inputs[slot].DType()) {
			return false
		}
	}
	return true
}

// Defs returns every registered definition, in no particular order. For
// introspection and pretty-printing.
func (r *Registry) Defs() []*KernelDef {
	var defs []*KernelDef
	for _, regs := range r.byKey {
		for _, reg := range regs {
			defs = append(defs, reg.def)
		}
	}
	return defs
}
