package chunk

import (
	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

// ShmSafeUnmanagedChunk is the 64-bit, torn-write-safe encoding of a
// chunk reference that is safe to store inside a shared-memory queue
// slot or history ring entry (spec.md §3/§4.D), grounded on
// original_source/iceoryx_posh's mepoo::ShmSafeUnmanagedChunk: unlike
// SharedChunk, holding one does NOT affect the reference count, so a
// crashed writer can leave one sitting in a queue slot without
// corrupting anything — the daemon's leak recovery (UsedChunkList)
// is what reclaims it.
//
// A single uint64 packs (segmentID, offset): the top 16 bits are the
// segment id, the low 48 bits the offset. Any single properly aligned
// load/store of this value is torn-write safe, matching spec.md §3's
// "queue slots are a single machine word so a half-written entry can
// never be observed" invariant.
type ShmSafeUnmanagedChunk struct {
	packed uint64
}

// nullPacked is the reserved encoding for "no chunk": segment id
// shmseg.NullID (0) can never pack to this bit pattern via pack(), so
// it is safe as a distinguished sentinel.
const nullPacked uint64 = ^uint64(0)

func pack(segmentID shmseg.ID, offset uint64) uint64 {
	return uint64(segmentID)<<48 | (offset & 0xFFFFFFFFFFFF)
}

func unpack(v uint64) (shmseg.ID, uint64) {
	return shmseg.ID(v >> 48), v & 0xFFFFFFFFFFFF
}

// FromSharedChunk converts a SharedChunk into its unmanaged, wire-safe
// form without touching the reference count — the caller is
// transferring its reference into the returned value, exactly as the
// original's `SharedChunk::releaseWithFullRefCount` hands ownership to
// the ShmSafeUnmanagedChunk it returns.
func FromSharedChunk(c SharedChunk) ShmSafeUnmanagedChunk {
	mgmt := c.management()
	if mgmt == nil {
		return ShmSafeUnmanagedChunk{packed: nullPacked}
	}
	return ShmSafeUnmanagedChunk{packed: pack(mgmt.SegmentID(), mgmt.Offset())}
}

// IsLogicalNullptr reports whether this value encodes "no chunk",
// mirrored on the original's isLogicalNullptr (the encoding's own
// notion of null, distinct from a Go nil).
func (u ShmSafeUnmanagedChunk) IsLogicalNullptr() bool {
	return u.packed == nullPacked
}

// ReleaseToSharedChunk resolves this value back into an owning
// SharedChunk handle, transferring the reference it was holding into
// the returned handle (spec.md §4.D: "popping a queue slot hands
// ownership to the popper without incrementing the count"). It is an
// error to call this on a value whose target has already been freed by
// every other path; UsedChunkList / the daemon's reclaimer must not
// race an ordinary ReleaseToSharedChunk call on the same slot.
func (u ShmSafeUnmanagedChunk) ReleaseToSharedChunk() (SharedChunk, bool) {
	if u.IsLogicalNullptr() {
		return SharedChunk{}, false
	}
	segmentID, offset := unpack(u.packed)
	mgmt, ok := lookupManagement(segmentID, offset)
	if !ok {
		return SharedChunk{}, false
	}
	return SharedChunk{mgmt: mgmt}, true
}

// CloneToSharedChunk resolves this value into a new, independent
// SharedChunk reference without consuming the ShmSafeUnmanagedChunk's
// own claim on the chunk, incrementing the reference count (spec.md
// §4.D: "a late joiner's history read clones rather than takes
// ownership"). Used by ChunkDistributor's history ring, which must be
// able to hand the same stored chunk to many late-joining subscribers.
func (u ShmSafeUnmanagedChunk) CloneToSharedChunk() (SharedChunk, bool) {
	if u.IsLogicalNullptr() {
		return SharedChunk{}, false
	}
	segmentID, offset := unpack(u.packed)
	mgmt, ok := lookupManagement(segmentID, offset)
	if !ok {
		return SharedChunk{}, false
	}
	mgmt.incrementReferenceCounter()
	return SharedChunk{mgmt: mgmt}, true
}

// SegmentID and Offset expose the packed identity directly, used by
// the daemon's reclaimer to match a leaked UsedChunkList entry without
// going through ReleaseToSharedChunk.
func (u ShmSafeUnmanagedChunk) SegmentID() shmseg.ID {
	id, _ := unpack(u.packed)
	return id
}

func (u ShmSafeUnmanagedChunk) Offset() uint64 {
	_, offset := unpack(u.packed)
	return offset
}

// Packed returns the raw 64-bit encoding, for direct storage in a
// queue slot or history ring array element.
func (u ShmSafeUnmanagedChunk) Packed() uint64 { return u.packed }

// FromPacked reconstructs a ShmSafeUnmanagedChunk from a raw 64-bit
// value previously obtained from Packed, e.g. after loading a queue
// slot atomically.
func FromPacked(v uint64) ShmSafeUnmanagedChunk {
	return ShmSafeUnmanagedChunk{packed: v}
}
