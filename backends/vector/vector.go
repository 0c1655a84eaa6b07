// Package vector implements a second execution provider that behaves like a
// discrete accelerator: it owns a device-resident memory class of its own,
// tensors must be staged in and out through Memcpy kernels, and elementwise
// kernels run in parallel over a bounded worker pool.
//
// The "device" is simulated in host memory. The point of the provider is the
// placement machinery it forces the rest of the runtime to get right:
// per-slot memory-class overrides, whitelist-only copies and multi-provider
// partitioning.
//
// Importing the package registers the provider under the name "vector".
package vector

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/backends"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

// Name of the provider.
const Name = "vector"

// MemoryClassDevice is the provider's simulated device-resident memory.
// Kernels of this provider read and write this class only; staging to and
// from host memory goes through the Memcpy kernels or CopyTensor.
const MemoryClassDevice tensors.MemoryClass = "vector"

// Provider is the simulated accelerator execution provider.
type Provider struct {
	registry   *backends.Registry
	allocators map[tensors.MemoryClass]*backends.PooledAllocator

	maxParallelism int
	currentWorkers atomic.Int32
}

var _ backends.Provider = (*Provider)(nil)

func init() {
	backends.Register(Name, func(config string) (backends.Provider, error) {
		return New(config)
	})
}

// New creates a vector provider. The config string is either empty or the
// maximum worker parallelism as a decimal integer; empty defaults to
// runtime.NumCPU().
func New(config string) (*Provider, error) {
	parallelism := runtime.NumCPU()
	if config != "" {
		var err error
		parallelism, err = strconv.Atoi(config)
		if err != nil || parallelism < 1 {
			return nil, status.Errorf(status.InvalidArgument,
				"provider %q configuration must be a positive worker count, got %q", Name, config)
		}
	}
	p := &Provider{
		maxParallelism: parallelism,
		allocators: map[tensors.MemoryClass]*backends.PooledAllocator{
			MemoryClassDevice: backends.NewPooledAllocator(
				tensors.Location{Provider: Name, Class: MemoryClassDevice}),
			tensors.MemoryClassHost: backends.NewPooledAllocator(
				tensors.Location{Provider: Name, Class: tensors.MemoryClassHost}),
		},
	}
	p.registry = backends.NewRegistry()
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
	return "simulated accelerator provider (device memory class, staged copies, parallel kernels)"
}

// DefaultMemoryClass implements backends.Provider.
func (p *Provider) DefaultMemoryClass() tensors.MemoryClass { return MemoryClassDevice }

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

// CopyTensor implements backends.Provider. The whitelist is host to device,
// device to host and device to device; host-to-host traffic belongs to the
// CPU provider.
func (p *Provider) CopyTensor(src, dst *tensors.Tensor) error {
	srcDevice := src.Location() == (tensors.Location{Provider: Name, Class: MemoryClassDevice})
	dstDevice := dst.Location() == (tensors.Location{Provider: Name, Class: MemoryClassDevice})
	srcHost := src.Location().Class == tensors.MemoryClassHost
	dstHost := dst.Location().Class == tensors.MemoryClassHost
	ok := (srcHost && dstDevice) || (srcDevice && dstHost) || (srcDevice && dstDevice)
	if !ok {
		return status.Errorf(status.NotImplemented,
			"provider %q cannot copy %s to %s", Name, src.Location(), dst.Location())
	}
	return tensors.CopyFlat(dst, src)
}

// Finalize implements backends.Provider.
func (p *Provider) Finalize() {
	for class, allocator := range p.allocators {
		klog.V(1).Infof("vector: finalizing %s allocator, %s", class, allocator.Stats())
	}
	p.allocators = nil
	p.registry = nil
}

// startWorker runs fn in a separate goroutine, if there are enough workers
// left. It returns true if it found a worker to run the function, false
// otherwise -- the caller then runs fn inline.
//
// It's up to the caller to synchronize the end of the function execution.
func (p *Provider) startWorker(fn func()) bool {
	if p.maxParallelism > 0 && p.currentWorkers.Load() >= int32(p.maxParallelism) {
		return false
	}
	p.currentWorkers.Add(1)
	go func() {
		fn()
		p.currentWorkers.Add(-1)
	}()
	return true
}

// parallelChunks splits [0, n) into roughly equal ranges and runs fn on each,
// spreading over the worker pool and running inline whatever the pool won't
// take. Returns after every chunk completed.
func (p *Provider) parallelChunks(n int, fn func(from, to int)) {
	const minChunk = 1024
	numChunks := min(p.maxParallelism, (n+minChunk-1)/minChunk)
	if numChunks <= 1 {
		fn(0, n)
		return
	}
	var wg sync.WaitGroup
	chunkSize := (n + numChunks - 1) / numChunks
	for from := 0; from < n; from += chunkSize {
		to := min(from+chunkSize, n)
		wg.Add(1)
		work := func() {
			fn(from, to)
			wg.Done()
		}
		if !p.startWorker(work) {
			work()
		}
	}
	wg.Wait()
}
