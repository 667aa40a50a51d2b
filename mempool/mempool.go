// Package mempool implements the bounded, lock-free, size-class chunk
// allocator described in spec.md §3/§4.A-B: MemPool is a fixed-size,
// fixed-count array of chunks in shared memory with a lock-free
// free-list of indices; MemoryManager is an ordered collection of
// MemPools that routes an allocation request to the smallest-fitting
// pool.
package mempool

import (
	"fmt"
	"sync/atomic"

	"github.com/AlephTX/iceoryx-sub003/fatal"
	"github.com/AlephTX/iceoryx-sub003/mempool/loffli"
	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

// ChunkMemoryAlignment is the minimum, default chunk alignment
// (spec.md §3: "chunkSize (u64, a multiple of CHUNK_MEMORY_ALIGNMENT=8)").
const ChunkMemoryAlignment = 8

// Info is a point-in-time snapshot of a MemPool's occupancy, grounded
// on original_source's mepoo::MemPoolInfo.
type Info struct {
	UsedChunks uint32
	MinFree    uint32
	NumChunks  uint32
	ChunkSize  uint64
}

// MemPool is a lock-free free-list over a fixed-size, fixed-count
// chunk array carved out of shared memory by a BumpAllocator.
type MemPool struct {
	segmentID shmseg.ID
	base      []byte // the pool's raw chunk array, inside the segment
	chunkSize uint64
	numChunks uint32

	used    atomic.Uint32
	minFree atomic.Uint32

	free *loffli.List
}

// New constructs a MemPool at addresses carved from chunkAlloc (for the
// raw chunk array). mgmtAlloc is accepted for symmetry with the
// original contract's two-allocator constructor (spec.md §4.A) and is
// reserved for future management-side bookkeeping placed in shared
// memory; the free-list itself is process-local (a Go slice inside
// loffli.List).
func New(segmentID shmseg.ID, chunkSize uint64, numChunks uint32, mgmtAlloc, chunkAlloc *shmseg.BumpAllocator) (*MemPool, error) {
	if chunkSize < ChunkMemoryAlignment || chunkSize%ChunkMemoryAlignment != 0 {
		return nil, fmt.Errorf("mempool: chunkSize %d must be >= %d and a multiple of %d", chunkSize, ChunkMemoryAlignment, ChunkMemoryAlignment)
	}
	if numChunks < 1 {
		return nil, fmt.Errorf("mempool: numberOfChunks must be >= 1")
	}

	offset, err := chunkAlloc.Allocate(chunkSize*uint64(numChunks), ChunkMemoryAlignment)
	if err != nil {
		return nil, fmt.Errorf("mempool: allocating chunk array: %w", err)
	}
	_ = mgmtAlloc // reserved, see doc comment

	seg, ok := segmentRegistryFor(segmentID)
	if !ok {
		return nil, fmt.Errorf("mempool: segment %d not registered", segmentID)
	}
	base := seg[offset : offset+chunkSize*uint64(numChunks)]

	free, err := loffli.New(numChunks)
	if err != nil {
		return nil, err
	}

	p := &MemPool{
		segmentID: segmentID,
		base:      base,
		chunkSize: chunkSize,
		numChunks: numChunks,
		free:      free,
	}
	p.minFree.Store(numChunks)
	return p, nil
}

// segmentRegistryFor is overridden in tests/production wiring via
// SetSegmentResolver; by default MemPool resolves segments through a
// package-level registry set once at process startup (spec.md §9:
// "the relative-pointer registry [is a] process-wide singleton").
var resolver func(shmseg.ID) ([]byte, bool)

// SetSegmentResolver installs the process-wide segment base-address
// resolver used by New. The daemon/runtime façade calls this once
// during initialize(), matching the "explicit initialize/teardown
// pair" called out in spec.md §9.
func SetSegmentResolver(f func(shmseg.ID) ([]byte, bool)) {
	resolver = f
}

func segmentRegistryFor(id shmseg.ID) ([]byte, bool) {
	if resolver == nil {
		return nil, false
	}
	return resolver(id)
}

// GetChunk pops a free index and returns a pointer to that chunk's raw
// bytes, or nil if the pool is exhausted. This is the only normal
// (non-fatal) failure mode (spec.md §4.A).
func (p *MemPool) GetChunk() []byte {
	idx, ok := p.free.Pop()
	if !ok {
		return nil
	}
	p.used.Add(1)
	p.adjustMinFree()
	start := uint64(idx) * p.chunkSize
	return p.base[start : start+p.chunkSize : start+p.chunkSize]
}

func (p *MemPool) adjustMinFree() {
	free := p.numChunks - p.used.Load()
	for {
		cur := p.minFree.Load()
		if free >= cur {
			return
		}
		if p.minFree.CompareAndSwap(cur, free) {
			return
		}
	}
}

// FreeChunk returns a chunk previously obtained from GetChunk back to
// the pool. A pointer that does not fall within this pool's chunk
// array, or is not chunk-aligned, is a fatal programming error
// (spec.md §4.A, §7); callers are expected to have already routed the
// free to the correct pool (MemoryManager does this via the relative
// pointer stored in ChunkManagement), so FreeChunk only asserts the
// invariant rather than searching for the right pool.
func (p *MemPool) FreeChunk(chunk []byte) error {
	if len(chunk) == 0 {
		return fmt.Errorf("mempool: cannot free empty chunk")
	}
	offset := p.offsetOf(chunk)
	if offset < 0 {
		err := fmt.Errorf("mempool: chunk at foreign address is not owned by this pool")
		fatal.Errorf("%v", err)
		return err
	}
	if uint64(offset)%p.chunkSize != 0 {
		err := fmt.Errorf("mempool: chunk offset %d is not chunk-aligned (chunkSize=%d)", offset, p.chunkSize)
		fatal.Errorf("%v", err)
		return err
	}
	idx := uint32(uint64(offset) / p.chunkSize)
	p.free.Push(idx)
	p.used.Add(^uint32(0)) // -1
	return nil
}

// ChunkOffset returns chunk's offset within this pool's chunk array,
// for callers that need to build a (segment, offset) identity for a
// chunk obtained from GetChunk (e.g. the management pool record used
// by the chunk package's ChunkManagement).
func (p *MemPool) ChunkOffset(chunk []byte) (uint64, error) {
	off := p.offsetOf(chunk)
	if off < 0 {
		return 0, fmt.Errorf("mempool: chunk at foreign address is not owned by this pool")
	}
	return uint64(off), nil
}

func (p *MemPool) offsetOf(chunk []byte) int64 {
	if len(p.base) == 0 || len(chunk) == 0 {
		return -1
	}
	baseAddr := addrOf(p.base)
	chunkAddr := addrOf(chunk)
	if chunkAddr < baseAddr {
		return -1
	}
	off := chunkAddr - baseAddr
	if off >= uint64(len(p.base)) {
		return -1
	}
	return int64(off)
}

// IndexToPointer converts a chunk index into a pointer to that chunk,
// given a raw memory base. It is the static inverse of
// PointerToIndex, grounded on mem_pool.hpp's indexToPointer.
func IndexToPointer(index uint32, chunkSize uint64, rawMemoryBase []byte) []byte {
	start := uint64(index) * chunkSize
	return rawMemoryBase[start : start+chunkSize : start+chunkSize]
}

// PointerToIndex converts a chunk pointer into its index, given a raw
// memory base, grounded on mem_pool.hpp's pointerToIndex.
func PointerToIndex(chunk []byte, chunkSize uint64, rawMemoryBase []byte) (uint32, error) {
	baseAddr := addrOf(rawMemoryBase)
	chunkAddr := addrOf(chunk)
	if chunkAddr < baseAddr {
		return 0, fmt.Errorf("mempool: chunk below base")
	}
	off := chunkAddr - baseAddr
	if off%chunkSize != 0 {
		return 0, fmt.Errorf("mempool: chunk not aligned to chunkSize %d", chunkSize)
	}
	return uint32(off / chunkSize), nil
}

// GetInfo returns a point-in-time occupancy snapshot.
func (p *MemPool) GetInfo() Info {
	return Info{
		UsedChunks: p.used.Load(),
		MinFree:    p.minFree.Load(),
		NumChunks:  p.numChunks,
		ChunkSize:  p.chunkSize,
	}
}

// ChunkSize returns the fixed size of every chunk in this pool.
func (p *MemPool) ChunkSize() uint64 { return p.chunkSize }

// ChunkCount returns the total number of chunks in this pool.
func (p *MemPool) ChunkCount() uint32 { return p.numChunks }

// UsedChunks returns the current used-chunk count.
func (p *MemPool) UsedChunks() uint32 { return p.used.Load() }

// SegmentID returns the segment this pool's chunk array lives in.
func (p *MemPool) SegmentID() shmseg.ID { return p.segmentID }
