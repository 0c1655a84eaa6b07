package backends

import (
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

// VersionUnbounded is the end version of a kernel definition that supports
// every opset from its since-version on.
const VersionUnbounded = math.MaxInt32

// KernelDef is the declarative contract a backend satisfies to plug a
// compute routine into dispatch: operator type, domain, inclusive opset
// version range, backend identifier, per-slot element-type constraint sets
// and per-slot memory-class overrides. Immutable once registered.
//
// Build one with NewKernelDef:
//
//	def, err := backends.NewKernelDef("Slice", "cpu").
//		SinceVersion(1).
//		InputTypeConstraint(0, dtypes.Float32, dtypes.Float64).
//		Build()
type KernelDef struct {
	opType   string
	domain   string
	provider string

	sinceVersion int
	endVersion   int

	inputConstraints map[int][]dtypes.DType
	inputMemory      map[int]tensors.MemoryClass
	outputMemory     map[int]tensors.MemoryClass
}

// OpType the kernel implements.
func (d *KernelDef) OpType() string { return d.opType }

// Domain of the operator, "" for the default domain.
func (d *KernelDef) Domain() string { return d.domain }

// Provider is the backend identifier the kernel belongs to.
func (d *KernelDef) Provider() string { return d.provider }

// VersionRange is the inclusive range of opset versions supported.
func (d *KernelDef) VersionRange() (since, end int) { return d.sinceVersion, d.endVersion }

// SupportsVersion reports whether the given opset version is in range.
func (d *KernelDef) SupportsVersion(version int) bool {
	return version >= d.sinceVersion && version <= d.endVersion
}

// InputTypeConstraint returns the allowed element types of the given input
// slot, or nil when the slot is unconstrained.
func (d *KernelDef) InputTypeConstraint(slot int) []dtypes.DType { return d.inputConstraints[slot] }

// InputMemoryClass returns the memory class the given input slot is pinned
// to, or defaultClass when the definition carries no override. Typical use:
// an index or shape input pinned to host memory even when the node otherwise
// executes on a non-host backend.
func (d *KernelDef) InputMemoryClass(slot int, defaultClass tensors.MemoryClass) tensors.MemoryClass {
	if class, found := d.inputMemory[slot]; found {
		return class
	}
	return defaultClass
}

// OutputMemoryClass returns the memory class the given output slot must be
// allocated from, or defaultClass when there is no override.
func (d *KernelDef) OutputMemoryClass(slot int, defaultClass tensors.MemoryClass) tensors.MemoryClass {
	if class, found := d.outputMemory[slot]; found {
		return class
	}
	return defaultClass
}

// String implements fmt.Stringer.
func (d *KernelDef) String() string {
	op := d.opType
	if d.domain != "" {
		op = d.domain + "." + op
	}
	end := fmt.Sprintf("%d", d.endVersion)
	if d.endVersion == VersionUnbounded {
		end = "max"
	}
	return fmt.Sprintf("%s[%d..%s]@%s", op, d.sinceVersion, end, d.provider)
}

// KernelDefBuilder assembles a KernelDef. Zero or one error is accumulated
// and reported by Build, so calls chain without intermediate checks.
type KernelDefBuilder struct {
	def KernelDef
	err error
}

// NewKernelDef starts a definition for the given operator type on the given
// provider. The version range defaults to [1, VersionUnbounded].
func NewKernelDef(opType, provider string) *KernelDefBuilder {
	return &KernelDefBuilder{def: KernelDef{
		opType:           opType,
		provider:         provider,
		sinceVersion:     1,
		endVersion:       VersionUnbounded,
		inputConstraints: make(map[int][]dtypes.DType),
		inputMemory:      make(map[int]tensors.MemoryClass),
		outputMemory:     make(map[int]tensors.MemoryClass),
	}}
}

// Domain sets the operator domain.
func (b *KernelDefBuilder) Domain(domain string) *KernelDefBuilder {
	b.def.domain = domain
	return b
}

// SinceVersion sets the inclusive start of the supported version range.
func (b *KernelDefBuilder) SinceVersion(version int) *KernelDefBuilder {
	b.def.sinceVersion = version
	return b
}

// EndVersion sets the inclusive end of the supported version range.
func (b *KernelDefBuilder) EndVersion(version int) *KernelDefBuilder {
	b.def.endVersion = version
	return b
}

// InputTypeConstraint restricts the element types accepted on one input slot.
func (b *KernelDefBuilder) InputTypeConstraint(slot int, allowed ...dtypes.DType) *KernelDefBuilder {
	if slot < 0 {
		b.fail("InputTypeConstraint: negative slot %d", slot)
		return b
	}
	b.def.inputConstraints[slot] = allowed
	return b
}

// InputMemoryType pins one input slot to a memory class.
func (b *KernelDefBuilder) InputMemoryType(slot int, class tensors.MemoryClass) *KernelDefBuilder {
	if slot < 0 {
		b.fail("InputMemoryType: negative slot %d", slot)
		return b
	}
	b.def.inputMemory[slot] = class
	return b
}

// OutputMemoryType pins one output slot to a memory class.
func (b *KernelDefBuilder) OutputMemoryType(slot int, class tensors.MemoryClass) *KernelDefBuilder {
	if slot < 0 {
		b.fail("OutputMemoryType: negative slot %d", slot)
		return b
	}
	b.def.outputMemory[slot] = class
	return b
}

func (b *KernelDefBuilder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = status.Errorf(status.InvalidArgument, format, args...)
	}
}

// Build finalizes the definition.
func (b *KernelDefBuilder) Build() (*KernelDef, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.def.opType == "" {
		return nil, status.Errorf(status.InvalidArgument, "kernel definition requires an operator type")
	}
	if b.def.provider == "" {
		return nil, status.Errorf(status.InvalidArgument, "kernel definition for %q requires a provider", b.def.opType)
	}
	if b.def.sinceVersion > b.def.endVersion {
		return nil, status.Errorf(status.InvalidArgument,
			"kernel definition for %q has an empty version range [%d, %d]",
			b.def.opType, b.def.sinceVersion, b.def.endVersion)
	}
	def := b.def
	return &def, nil
}
