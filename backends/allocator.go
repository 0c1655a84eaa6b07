package backends

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/status"
	"github.com/graphrt/graphrt/types/tensors"
)

// Allocator creates tensors in one memory class of one provider. All methods
// are safe for concurrent use.
type Allocator interface {
	// Location every tensor created by this allocator carries.
	Location() tensors.Location

	// Allocate a zero-initialized tensor of the given fully defined shape.
	Allocate(shape shapes.Shape) (*tensors.Tensor, error)

	// Free returns a tensor to the allocator for reuse. The caller must drop
	// every reference to it. Freeing tensors is optional; unfreed tensors
	// are reclaimed by the garbage collector.
	Free(t *tensors.Tensor)

	// Stats of the allocator since construction.
	Stats() AllocatorStats
}

// AllocatorStats is a point-in-time snapshot of an allocator's accounting.
type AllocatorStats struct {
	// InUseBytes currently allocated and not freed.
	InUseBytes int64

	// PeakBytes is the high-water mark of InUseBytes.
	PeakBytes int64

	// NumAllocs counts Allocate calls that missed the reuse pool.
	NumAllocs int64
}

// String implements fmt.Stringer using humanized byte counts.
func (s AllocatorStats) String() string {
	return "in-use " + humanize.Bytes(uint64(max(s.InUseBytes, 0))) +
		", peak " + humanize.Bytes(uint64(max(s.PeakBytes, 0)))
}

// PooledAllocator is the standard Allocator implementation: it keeps pools
// of previously freed tensors keyed by (dtype, element count) and hands them
// back on matching Allocate calls.
type PooledAllocator struct {
	location tensors.Location

	// pools maps poolKey to *sync.Pool of *tensors.Tensor.
	pools sync.Map

	inUseBytes atomic.Int64
	peakBytes  atomic.Int64
	numAllocs  atomic.Int64
}

type poolKey struct {
	dtype  dtypes.DType
	length int
}

// Compile-time check that PooledAllocator implements Allocator.
var _ Allocator = (*PooledAllocator)(nil)

// NewPooledAllocator creates an allocator for the given location.
func NewPooledAllocator(location tensors.Location) *PooledAllocator {
	return &PooledAllocator{location: location}
}

// Location implements Allocator.
func (a *PooledAllocator) Location() tensors.Location { return a.location }

// Allocate implements Allocator.
func (a *PooledAllocator) Allocate(shape shapes.Shape) (*tensors.Tensor, error) {
	if !shape.IsFullyDefined() {
		return nil, status.Errorf(status.InvalidArgument,
			"allocator %s cannot allocate a tensor of not fully defined shape %s", a.location, shape)
	}
	key := poolKey{dtype: shape.DType, length: shape.Size()}
	var t *tensors.Tensor
	if poolAny, found := a.pools.Load(key); found {
		if recycled := poolAny.(*sync.Pool).Get(); recycled != nil {
			var err error
			t, err = recycled.(*tensors.Tensor).WithShape(shape)
			if err != nil {
				return nil, err
			}
			t.Zero()
		}
	}
	if t == nil {
		t = tensors.New(shape, a.location)
		a.numAllocs.Add(1)
	}
	inUse := a.inUseBytes.Add(int64(shape.Memory()))
	for {
		peak := a.peakBytes.Load()
		if inUse <= peak || a.peakBytes.CompareAndSwap(peak, inUse) {
			break
		}
	}
	return t, nil
}

// Free implements Allocator.
func (a *PooledAllocator) Free(t *tensors.Tensor) {
	if t == nil || t.Location() != a.location {
		return
	}
	a.inUseBytes.Add(-int64(t.Memory()))
	key := poolKey{dtype: t.DType(), length: t.Size()}
	poolAny, found := a.pools.Load(key)
	if !found {
		poolAny, _ = a.pools.LoadOrStore(key, &sync.Pool{})
	}
	poolAny.(*sync.Pool).Put(t)
}

// Stats implements Allocator.
func (a *PooledAllocator) Stats() AllocatorStats {
	return AllocatorStats{
		InUseBytes: a.inUseBytes.Load(),
		PeakBytes:  a.peakBytes.Load(),
		NumAllocs:  a.numAllocs.Load(),
	}
}
