package shmseg

import (
	"fmt"
)

// BumpAllocator carves successive byte ranges out of a segment's raw
// memory and never frees them, matching spec.md §3: "A bump allocator
// carves out management data... and chunk payload areas from the
// remainder; once publishers start, no further sub-allocation occurs."
//
// It is deliberately not lock-free: configuration happens once, before
// any data-plane traffic, from a single thread.
type BumpAllocator struct {
	seg    *Segment
	offset uint64
}

// NewBumpAllocator returns an allocator over the entirety of seg.
func NewBumpAllocator(seg *Segment) *BumpAllocator {
	return &BumpAllocator{seg: seg}
}

// Allocate reserves size bytes aligned to align (which must be a power
// of two) and returns the offset of the reserved region within the
// segment. It fails once the segment is exhausted.
func (b *BumpAllocator) Allocate(size uint64, align uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("shmseg: alignment %d is not a power of two", align)
	}
	aligned := (b.offset + align - 1) &^ (align - 1)
	end := aligned + size
	if end > uint64(b.seg.Size()) {
		return 0, fmt.Errorf("shmseg: bump allocator exhausted: need %d bytes at offset %d, segment size %d",
			size, aligned, b.seg.Size())
	}
	b.offset = end
	return aligned, nil
}

// Remaining reports the number of bytes left before the allocator is
// exhausted, for configuration-time capacity checks.
func (b *BumpAllocator) Remaining() uint64 {
	return uint64(b.seg.Size()) - b.offset
}
