// Package distpubsub implements the SPSC chunk queues, the MPSC
// chunk distributor, and the ChunkSender/ChunkReceiver façades that
// sit between a publisher's and a subscriber's UsedChunkList and the
// underlying MemoryManager (spec.md §4.F-I), grounded on
// original_source/iceoryx_posh's popo building blocks
// (chunk_queue_data, chunk_distributor_data, chunk_sender,
// chunk_receiver).
package distpubsub

import (
	"sync"
	"sync/atomic"

	"github.com/AlephTX/iceoryx-sub003/chunk"
)

// QueueVariant selects the queue's full-queue discipline, replacing
// the original's FIFO/SoFi template specialization (spec.md §9
// "Replacing inheritance").
type QueueVariant int

const (
	// SoFi overwrites the oldest entry when full (spec.md §4.F).
	SoFi QueueVariant = iota
	// FIFO refuses new pushes when full.
	FIFO
)

// QueueFullPolicy mirrors the original's iox::popo::QueueFullPolicy:
// what a ChunkDistributor does when delivery to a queue would
// otherwise need to overwrite or block.
type QueueFullPolicy int

const (
	DiscardOldestData QueueFullPolicy = iota
	BlockPublisher
)

// ConsumerTooSlowPolicy mirrors iox::popo::ConsumerTooSlowPolicy,
// consulted by the distributor only when QueueFullPolicy is
// BlockPublisher.
type ConsumerTooSlowPolicy int

const (
	WaitForConsumer ConsumerTooSlowPolicy = iota
	DiscardOldestDataOnBlock
)

// Notifier is implemented by whatever wakes a blocked subscriber when
// a push succeeds; it stands in for the original's
// ConditionVariableData + ConditionNotifier pair. The core never
// blocks waiting on one itself (spec.md §5 "Subscribers never block
// inside try_get").
type Notifier interface {
	Notify(index uint64)
}

// queueIDCounter hands out process-wide unique ChunkQueueData ids,
// mirroring original_source/iceoryx_posh's UniqueId scheme (spec.md §3:
// "queue ids are process-wide unique, assigned atomically at
// construction"). It starts at 1 so 0 remains available to callers as
// a sentinel for "no queue".
var queueIDCounter atomic.Uint64

// NextQueueID atomically reserves and returns the next process-wide
// unique queue id. NewChunkQueueData calls this itself; it is exported
// so callers that need to know a queue's id before constructing it
// (e.g. to register a notifier index ahead of time) can reserve one
// explicitly.
func NextQueueID() uint64 {
	return queueIDCounter.Add(1)
}

// ChunkQueueData is a bounded SPSC queue of ShmSafeUnmanagedChunk
// values (spec.md §4.F). Only the producer side calls Push and only
// the consumer side calls Pop, but the embedded mutex also guards
// SetCapacity/Clear, which the spec requires callers to serialize
// against ordinary push/pop themselves; the mutex here is cheap
// insurance against an accidental concurrent administrative call
// rather than a requirement of the SPSC hot path itself.
type ChunkQueueData struct {
	id      uint64
	variant QueueVariant
	policy  QueueFullPolicy

	mu       sync.Mutex
	slots    []uint64
	capacity uint64
	head     uint64
	tail     uint64
	count    uint64

	hasLostChunks atomic.Bool

	notifier      Notifier
	notifierIndex uint64
	notifierSet   bool
}

// NewChunkQueueData returns an empty queue of the given capacity and
// variant, with a fresh process-wide unique id from NextQueueID
// (spec.md §3).
func NewChunkQueueData(variant QueueVariant, policy QueueFullPolicy, capacity uint64) *ChunkQueueData {
	if capacity == 0 {
		panic("distpubsub: chunk queue capacity must be larger than 0")
	}
	return &ChunkQueueData{
		id:       NextQueueID(),
		variant:  variant,
		policy:   policy,
		capacity: capacity,
		slots:    make([]uint64, capacity),
	}
}

// ID returns this queue's process-wide unique id.
func (q *ChunkQueueData) ID() uint64 { return q.id }

// Policy reports the full-queue policy a ChunkDistributor should
// apply when delivering to this queue.
func (q *ChunkQueueData) Policy() QueueFullPolicy { return q.policy }

// Push encodes c and attempts to enqueue it.
//
// For a FIFO queue, Push returns ok=false without modifying the queue
// when full.
//
// For a SoFi queue, Push always succeeds; if the queue was already
// full, the oldest entry is overwritten and returned as displaced so
// the caller can drop it (decrementing its refcount) outside this
// queue's lock.
func (q *ChunkQueueData) Push(c chunk.ShmSafeUnmanagedChunk) (displaced chunk.ShmSafeUnmanagedChunk, hadDisplaced bool, ok bool) {
	q.mu.Lock()
	if q.count == q.capacity {
		if q.variant == FIFO {
			q.mu.Unlock()
			return chunk.ShmSafeUnmanagedChunk{}, false, false
		}
		displaced = chunk.FromPacked(q.slots[q.tail])
		hadDisplaced = true
		q.tail = (q.tail + 1) % q.capacity
		q.count--
		q.hasLostChunks.Store(true)
	}
	q.slots[q.head] = c.Packed()
	q.head = (q.head + 1) % q.capacity
	q.count++
	notifier, idx, set := q.notifier, q.notifierIndex, q.notifierSet
	q.mu.Unlock()

	if set {
		notifier.Notify(idx)
	}
	return displaced, hadDisplaced, true
}

// LostAChunk explicitly sets the lost-chunk flag, for the
// BLOCK_PUBLISHER path where the distributor gives up on a full queue
// (shutdown was requested or the subscriber was reported dead) rather
// than overwriting (spec.md §4.F).
func (q *ChunkQueueData) LostAChunk() {
	q.hasLostChunks.Store(true)
}

// Pop dequeues the oldest entry, or ok=false if the queue is empty.
func (q *ChunkQueueData) Pop() (chunk.ShmSafeUnmanagedChunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return chunk.ShmSafeUnmanagedChunk{}, false
	}
	v := q.slots[q.tail]
	q.tail = (q.tail + 1) % q.capacity
	q.count--
	return chunk.FromPacked(v), true
}

// HasLostChunks reads and clears the lost-chunk flag.
func (q *ChunkQueueData) HasLostChunks() bool {
	return q.hasLostChunks.Swap(false)
}

// IsEmpty reports whether the queue currently holds no entries.
func (q *ChunkQueueData) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count == 0
}

// IsFull reports whether the next Push on a FIFO queue would be
// refused (always false for SoFi, which never refuses).
func (q *ChunkQueueData) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.variant == FIFO && q.count == q.capacity
}

// SetCapacity resizes the queue. Must not be called concurrently with
// Push/Pop (spec.md §4.F); existing entries beyond the new capacity
// are dropped by the caller before calling this, since SetCapacity
// itself has no SharedChunk to release them with.
func (q *ChunkQueueData) SetCapacity(n uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	newSlots := make([]uint64, n)
	count := q.count
	if count > n {
		count = n
	}
	for i := uint64(0); i < count; i++ {
		newSlots[i] = q.slots[(q.tail+i)%q.capacity]
	}
	q.slots = newSlots
	q.capacity = n
	q.head = count % n
	q.tail = 0
	q.count = count
}

// Clear pops and drops every entry until the queue is empty, as when
// a subscriber detaches.
func (q *ChunkQueueData) Clear() {
	for {
		unmanaged, ok := q.Pop()
		if !ok {
			return
		}
		if c, ok := unmanaged.ReleaseToSharedChunk(); ok {
			_ = c.Release()
		}
	}
}

// SetConditionVariable attaches the notifier used to wake a blocked
// subscriber on a successful push. At most one may be attached; a
// second call is ignored and reports attached=false so the caller can
// log a warning at the layer that's allowed to log.
func (q *ChunkQueueData) SetConditionVariable(n Notifier, index uint64) (attached bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.notifierSet {
		return false
	}
	q.notifier = n
	q.notifierIndex = index
	q.notifierSet = true
	return true
}

// UnsetConditionVariable detaches any attached notifier.
func (q *ChunkQueueData) UnsetConditionVariable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifier = nil
	q.notifierSet = false
}
