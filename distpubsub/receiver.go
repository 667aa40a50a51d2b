package distpubsub

import (
	"errors"

	"github.com/AlephTX/iceoryx-sub003/chunk"
	"github.com/AlephTX/iceoryx-sub003/fatal"
)

// Errors returned by ChunkReceiver, matching spec.md §7.
//
// ErrChunkReceiverInvalidChunkToRelease and ErrChunkWithIncompatibleHeaderVersion
// are corruption-class errors (spec.md §7): reaching either means a
// caller presented a header this receiver never popped, or the popped
// chunk's header failed the format/version check
// (CHUNK_QUEUE_POPPER_CHUNK_WITH_INCOMPATIBLE_CHUNK_HEADER_VERSION).
// Both are reported to fatal.Errorf before returning.
var (
	ErrTooManyChunksHeldInParallel        = errors.New("distpubsub: subscriber's held-chunk list is full")
	ErrChunkReceiverInvalidChunkToRelease = errors.New("distpubsub: released chunk is not tracked by this receiver")
	ErrChunkWithIncompatibleHeaderVersion = errors.New("distpubsub: popped chunk has an incompatible chunk header version")
)

// ChunkReceiver is the subscriber-side façade over a ChunkQueueData
// and a per-subscriber UsedChunkList tracking chunks popped but not
// yet released (spec.md §4.I), grounded on
// original_source/iceoryx_posh's popo::ChunkReceiver.
//
// The held-list capacity is MaxHeldChunks+1 (spec.md §4.I's "plus-one
// slack"): a subscriber that holds exactly MaxHeldChunks and calls
// TryGet once more still gets the popped chunk, stored in the list's
// one spare slot. Once MaxHeldChunks+1 are held, the next TryGet pops a
// chunk, drops it and returns ErrTooManyChunksHeldInParallel; after one
// Release, TryGet returns the next queued chunk again.
type ChunkReceiver struct {
	queue *ChunkQueueData
	held  *chunk.UsedChunkList
}

// NewChunkReceiver returns a receiver reading from queue, with a held
// list sized maxHeldChunks+1.
func NewChunkReceiver(queue *ChunkQueueData, maxHeldChunks uint32) *ChunkReceiver {
	return &ChunkReceiver{
		queue: queue,
		held:  chunk.NewUsedChunkList(maxHeldChunks + 1),
	}
}

// TryGet pops the oldest chunk off the queue. A nil, nil return means
// the queue was empty (spec.md's NO_CHUNK_AVAILABLE). If the popped
// chunk's header fails the format/version check, TryGet reports
// ErrChunkWithIncompatibleHeaderVersion to the fatal handler
// (CHUNK_QUEUE_POPPER_CHUNK_WITH_INCOMPATIBLE_CHUNK_HEADER_VERSION) and
// returns it. If the held list is already full, the popped chunk is
// dropped and ErrTooManyChunksHeldInParallel is returned.
func (r *ChunkReceiver) TryGet() (*chunk.Header, error) {
	unmanaged, ok := r.queue.Pop()
	if !ok {
		return nil, nil
	}
	c, ok := unmanaged.ReleaseToSharedChunk()
	if !ok {
		return nil, nil
	}
	header := c.Header()
	if !header.IsCompatible() {
		_ = c.Release()
		fatal.Errorf("%v", ErrChunkWithIncompatibleHeaderVersion)
		return nil, ErrChunkWithIncompatibleHeaderVersion
	}
	if !r.held.Insert(c) {
		_ = c.Release()
		return nil, ErrTooManyChunksHeldInParallel
	}
	// held now holds its own clone; this handle's reference is spare.
	_ = c.Release()
	return header, nil
}

// Release drops a chunk previously returned by TryGet.
func (r *ChunkReceiver) Release(header *chunk.Header) error {
	c, ok := r.held.Remove(header)
	if !ok {
		fatal.Errorf("%v", ErrChunkReceiverInvalidChunkToRelease)
		return ErrChunkReceiverInvalidChunkToRelease
	}
	return c.Release()
}

// ReleaseAll drops every held chunk and drains the queue, used when a
// subscriber detaches.
func (r *ChunkReceiver) ReleaseAll() {
	r.held.Cleanup()
	r.queue.Clear()
}
