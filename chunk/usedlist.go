package chunk

import (
	"runtime"
	"sync/atomic"
)

// UsedChunkList tracks chunks currently held by one endpoint, so that
// the daemon can reclaim them if that endpoint crashes while still
// holding references (spec.md §4.E), grounded on
// original_source/iceoryx_posh's popo::UsedChunkList.
//
// Neither a Go slice header nor a linked list built from real pointers
// is safe here: the structure must remain walkable by the daemon even
// if the owning endpoint dies mid-mutation. Storage is therefore two
// parallel fixed-size arrays (index-linked free/used lists, exactly as
// the original) guarded by a spinlock rather than a full mutex, since
// the original uses std::atomic_flag for the same reason. Insert,
// Remove and Cleanup all take this spinlock, including when the
// daemon's reclaimer calls Cleanup.
type UsedChunkList struct {
	capacity uint32

	synchronizer atomic.Bool // true == locked

	usedHead uint32 // head of the in-use intrusive list, invalidIndex if empty
	freeHead uint32 // head of the free intrusive list

	nextIndex []uint32                // Capacity-sized: intrusive "next" links for both lists
	data      []ShmSafeUnmanagedChunk // Capacity-sized: payload per slot
}

// NewUsedChunkList returns an empty list with the given fixed capacity.
func NewUsedChunkList(capacity uint32) *UsedChunkList {
	if capacity == 0 {
		panic("chunk: UsedChunkList capacity must be larger than 0")
	}
	l := &UsedChunkList{
		capacity:  capacity,
		usedHead:  capacity, // invalidIndex
		nextIndex: make([]uint32, capacity),
		data:      make([]ShmSafeUnmanagedChunk, capacity),
	}
	for i := uint32(0); i < capacity; i++ {
		l.nextIndex[i] = i + 1
	}
	return l
}

func (l *UsedChunkList) invalidIndex() uint32 { return l.capacity }

func (l *UsedChunkList) lock() {
	for !l.synchronizer.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (l *UsedChunkList) unlock() {
	l.synchronizer.Store(false)
}

// Insert adds chunk to the list, taking its own reference via Clone so
// the caller's handle remains valid and independently releasable.
// Returns false if the list is already at capacity (spec.md §4.E).
func (l *UsedChunkList) Insert(c SharedChunk) bool {
	l.lock()
	defer l.unlock()

	if l.freeHead == l.invalidIndex() {
		return false
	}
	idx := l.freeHead
	l.freeHead = l.nextIndex[idx]

	clone := c.Clone()
	l.data[idx] = FromSharedChunk(clone)
	l.nextIndex[idx] = l.usedHead
	l.usedHead = idx
	return true
}

// Remove finds the entry whose header matches header, unlinks it, and
// hands back ownership of the chunk it was holding. Returns false if
// no matching entry exists.
func (l *UsedChunkList) Remove(header *Header) (SharedChunk, bool) {
	l.lock()
	defer l.unlock()

	var prev uint32 = l.invalidIndex()
	cur := l.usedHead
	for cur != l.invalidIndex() {
		entry := l.data[cur]
		mgmt, ok := lookupManagement(entry.SegmentID(), entry.Offset())
		next := l.nextIndex[cur]
		if ok && mgmt.Header() == header {
			if prev == l.invalidIndex() {
				l.usedHead = next
			} else {
				l.nextIndex[prev] = next
			}
			l.nextIndex[cur] = l.freeHead
			l.freeHead = cur

			chunk, released := entry.ReleaseToSharedChunk()
			l.data[cur] = ShmSafeUnmanagedChunk{}
			return chunk, released
		}
		prev = cur
		cur = next
	}
	return SharedChunk{}, false
}

// Cleanup walks every remaining entry and releases it back to its
// pool. It is called by the daemon for an endpoint it has found dead,
// and by the owning endpoint itself from ChunkSender.ReleaseAll /
// ChunkReceiver.ReleaseAll (spec.md §4.E).
func (l *UsedChunkList) Cleanup() {
	l.lock()
	entries := make([]ShmSafeUnmanagedChunk, 0, l.capacity)
	for cur := l.usedHead; cur != l.invalidIndex(); cur = l.nextIndex[cur] {
		entries = append(entries, l.data[cur])
	}

	l.usedHead = l.invalidIndex()
	for i := uint32(0); i < l.capacity; i++ {
		l.nextIndex[i] = i + 1
		l.data[i] = ShmSafeUnmanagedChunk{}
	}
	l.freeHead = 0
	l.unlock()

	for _, entry := range entries {
		if chunk, ok := entry.ReleaseToSharedChunk(); ok {
			_ = chunk.Release()
		}
	}
}
