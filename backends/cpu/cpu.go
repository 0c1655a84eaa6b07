// Package cpu implements the default execution provider: kernels computed on
// the host CPU, with plain host memory and a host-pinned memory class.
//
// Importing the package registers the provider under the name "cpu".
package cpu

import (
	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

// Name of the provider, used in kernel definitions and tensor locations.
const Name = "cpu"

// MemoryClassPinned is page-locked host memory. On this provider it behaves
// like plain host memory; it exists so sessions mixing providers can stage
// transfers from a class accelerators copy from directly.
const MemoryClassPinned tensors.MemoryClass = "host-pinned"

// Provider is the CPU execution provider.
type Provider struct {
	registry   *backends.Registry
	allocators map[tensors.MemoryClass]*backends.PooledAllocator
}

// Compile-time check.
var _ backends.Provider = (*Provider)(nil)

func init() {
	backends.Register(Name, func(config string) (backends.Provider, error) {
		return New(config)
	})
}

// New creates a CPU provider. The provider takes no configuration; a
// non-empty config string is an InvalidArgument error.
func New(config string) (*Provider, error) {
	if config != "" {
		return nil, status.Errorf(status.InvalidArgument,
			"provider %q takes no configuration, got %q", Name, config)
	}
	p := &Provider{
		registry: backends.NewRegistry(),
		allocators: map[tensors.MemoryClass]*backends.PooledAllocator{
			tensors.MemoryClassHost: backends.NewPooledAllocator(
				tensors.Location{Provider: Name, Class: tensors.MemoryClassHost}),
			MemoryClassPinned: backends.NewPooledAllocator(
				tensors.Location{Provider: Name, Class: MemoryClassPinned}),
		},
	}
	if err := registerKernels(p.registry); err != nil {
		return nil, err
	}
	p.registry.Seal()
	return p, nil
}

// Name implements backends.Provider.
func (p *Provider) Name() string { return Name }

// Description implements backends.Provider.
func (p *Provider) Description() string {
	return "CPU execution provider (plain Go kernels on host memory)"
}

// DefaultMemoryClass implements backends.Provider.
func (p *Provider) DefaultMemoryClass() tensors.MemoryClass { return tensors.MemoryClassHost }

// Allocator implements backends.Provider.
func (p *Provider) Allocator(class tensors.MemoryClass) (backends.Allocator, error) {
	allocator, found := p.allocators[class]
	if !found {
		return nil, status.Errorf(status.NotImplemented,
			"provider %q has no allocator for memory class %q", Name, class)
	}
	return allocator, nil
}

// KernelRegistry implements backends.Provider.
func (p *Provider) KernelRegistry() *backends.Registry { return p.registry }

// hostAddressable reports whether the CPU provider can directly address the
// bytes at the given location: plain host memory of any owner (session feeds
// included), or this provider's pinned class.
func hostAddressable(l tensors.Location) bool {
	if l.Class == tensors.MemoryClassHost {
		return true
	}
	return l.Provider == Name && l.Class == MemoryClassPinned
}

// CopyTensor implements backends.Provider. The whitelist is every pair of
// host-addressable locations; anything else fails with NotImplemented before
// any memory is written.
func (p *Provider) CopyTensor(src, dst *tensors.Tensor) error {
	if !hostAddressable(src.Location()) || !hostAddressable(dst.Location()) {
		return status.Errorf(status.NotImplemented,
			"provider %q cannot copy %s to %s", Name, src.Location(), dst.Location())
	}
	return tensors.CopyFlat(dst, src)
}

// Finalize implements backends.Provider.
func (p *Provider) Finalize() {
	for class, allocator := range p.allocators {
		klog.V(1).Infof("cpu: finalizing %s allocator, %s", class, allocator.Stats())
	}
	p.allocators = nil
	p.registry = nil
}
