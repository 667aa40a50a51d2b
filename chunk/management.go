package chunk

import (
	"sync/atomic"

	"github.com/AlephTX/iceoryx-sub003/mempool"
	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

// Management is the small shared-memory reference-count record
// described in spec.md §3/§4.C, grounded verbatim on
// original_source/iceoryx_posh's mepoo::ChunkManagement: an atomic
// reference count plus relative pointers to the ChunkHeader, the
// owning payload MemPool, and the management MemPool.
//
// The struct itself is plain Go-heap-allocated bookkeeping. Each
// record reserves one slot from MemoryManager's dedicated management
// pool (spec.md §4.B) only to obtain its (segment, offset) identity;
// the record is not written into that slot — see DESIGN.md for why,
// while the chunk payload itself is true shared memory.
type Management struct {
	segmentID shmseg.ID
	offset    uint64 // offset of this record's reserved slot within the management pool's chunk array

	header      *Header
	payloadPool *mempool.MemPool
	mgmtPool    *mempool.MemPool
	mgmtSlot    []byte // the management pool's raw slot reserved for this record's identity

	refCount atomic.Uint64
}

// NewManagement wires a freshly allocated chunk (header + payload
// pool) to a freshly reserved management-pool slot, initializing the
// reference count to 1 (spec.md §3: "initialized to 1 when first
// handed out"). The management record itself lives on the Go heap;
// mgmtSlot is the raw management-pool bytes reserved to give it a
// (segment, offset) identity other processes can address — see
// DESIGN.md for why Go can't placement-construct into the pool bytes
// directly the way the original C++ does.
func NewManagement(segmentID shmseg.ID, offset uint64, mgmtSlot []byte, header *Header, payloadPool, mgmtPool *mempool.MemPool) *Management {
	m := &Management{
		segmentID:   segmentID,
		offset:      offset,
		header:      header,
		payloadPool: payloadPool,
		mgmtPool:    mgmtPool,
		mgmtSlot:    mgmtSlot,
	}
	m.refCount.Store(1)
	registerManagement(segmentID, offset, m)
	return m
}

// SegmentID and Offset together are the (segment_id, offset) identity
// used by ShmSafeUnmanagedChunk to refer to this record without a raw
// pointer.
func (m *Management) SegmentID() shmseg.ID { return m.segmentID }
func (m *Management) Offset() uint64       { return m.offset }

// Header returns the chunk's header.
func (m *Management) Header() *Header { return m.header }

// incrementReferenceCounter implements SharedChunk's copy semantics:
// relaxed fetch_add, sound because any increment is itself ordered by
// an acquire on whichever reader observed the pointer (spec.md §4.C).
func (m *Management) incrementReferenceCounter() {
	m.refCount.Add(1)
}

// decrementReferenceCounter implements SharedChunk's drop semantics:
// the final decrement to zero uses release-acquire ordering so that no
// read of the chunk can escape its free; it returns true exactly once,
// on the 1->0 transition, signalling the caller to free the chunk and
// this record.
func (m *Management) decrementReferenceCounter() (isLast bool) {
	prev := m.refCount.Add(^uint64(0)) + 1 // prev value before decrement
	return prev == 1
}

// RefCount reads the current reference count (relaxed), used for
// diagnostics and for ChunkSender's last-chunk reuse check.
func (m *Management) RefCount() uint64 { return m.refCount.Load() }

// IsNotNullAndHasNoOtherOwners reports refCount == 1, used by the
// daemon to decide whether a crashed endpoint's leaked chunk can be
// safely reclaimed (spec.md §4.C).
func (m *Management) IsNotNullAndHasNoOtherOwners() bool {
	return m != nil && m.refCount.Load() == 1
}

// free returns the chunk and this management record to their
// respective pools. It is called exactly once, by
// decrementReferenceCounter's caller, on the 1->0 transition (spec.md
// §3's single-free invariant).
func (m *Management) free() error {
	unregisterManagement(m.segmentID, m.offset)
	if err := m.payloadPool.FreeChunk(m.header.fullChunk()); err != nil {
		return err
	}
	if err := m.mgmtPool.FreeChunk(m.mgmtSlot); err != nil {
		return err
	}
	return nil
}
