package distpubsub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/AlephTX/iceoryx-sub003/chunk"
	"github.com/AlephTX/iceoryx-sub003/fatal"
	"github.com/AlephTX/iceoryx-sub003/mempool"
	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

// Errors returned by ChunkSender, matching spec.md §7.
//
// ErrChunkSenderInvalidChunkToRelease is a corruption-class error
// (spec.md §7): a caller can only reach it by presenting a header this
// sender never allocated, or one it already released. Every site that
// returns it also reports it to fatal.Errorf before returning, since
// by policy that condition aborts the process rather than propagating
// as an ordinary error a caller might ignore.
var (
	ErrTooManyChunksAllocatedInParallel = errors.New("distpubsub: sender's allocated-chunk list is full")
	ErrChunkSenderInvalidChunkToRelease = errors.New("distpubsub: released chunk is not tracked by this sender")
)

// ChunkSender is the publisher-side façade over a MemoryManager, a
// per-publisher UsedChunkList (tracking chunks allocated but not yet
// sent), and a ChunkDistributor (spec.md §4.H), grounded on
// original_source/iceoryx_posh's popo::ChunkSender.
type ChunkSender struct {
	publisherID shmseg.ID
	segmentID   shmseg.ID
	mm          *mempool.MemoryManager
	distributor *ChunkDistributor
	allocated   *chunk.UsedChunkList
	sequence    atomic.Uint64

	mu        sync.Mutex
	lastChunk chunk.SharedChunk
}

// NewChunkSender returns a sender with the given allocated-chunk
// tracking capacity.
func NewChunkSender(publisherID, segmentID shmseg.ID, mm *mempool.MemoryManager, distributor *ChunkDistributor, maxAllocatedInParallel uint32) *ChunkSender {
	return &ChunkSender{
		publisherID: publisherID,
		segmentID:   segmentID,
		mm:          mm,
		distributor: distributor,
		allocated:   chunk.NewUsedChunkList(maxAllocatedInParallel),
	}
}

// TryAllocate obtains a chunk sized for settings, reusing the
// previously sent "last chunk" in place when it is still exclusively
// held by this sender and large enough (spec.md §4.H), otherwise
// allocating fresh from the MemoryManager.
func (s *ChunkSender) TryAllocate(settings chunk.Settings) (*chunk.Header, error) {
	required, _ := chunk.RequiredChunkSize(settings.UserPayloadSize, settings.UserPayloadAlignment, settings.UserHeaderSize, settings.UserHeaderAlignment)

	s.mu.Lock()
	reusable := s.lastChunk.IsValid() && s.lastChunk.RefCount() == 1 && s.lastChunk.Header().ChunkSize() >= required
	var reuse chunk.SharedChunk
	if reusable {
		reuse = s.lastChunk
		s.lastChunk = chunk.SharedChunk{}
	}
	s.mu.Unlock()

	if reusable {
		header := reuse.Header()
		header.SetOriginAndSequence(uint64(s.publisherID), s.sequence.Add(1)-1)
		if !s.allocated.Insert(reuse) {
			_ = reuse.Release()
			return nil, ErrTooManyChunksAllocatedInParallel
		}
		// allocated now holds its own clone; this handle's reference is
		// spare and must be released explicitly (Go has no destructors).
		_ = reuse.Release()
		return header, nil
	}

	mgmt, err := chunk.Allocate(s.segmentID, s.mm, settings, uint64(s.publisherID), s.sequence.Add(1)-1)
	if err != nil {
		return nil, err
	}
	c := chunk.NewSharedChunk(mgmt)
	header := c.Header()
	if !s.allocated.Insert(c) {
		_ = c.Release()
		return nil, ErrTooManyChunksAllocatedInParallel
	}
	_ = c.Release()
	return header, nil
}

// Release drops a chunk obtained from TryAllocate without sending it.
func (s *ChunkSender) Release(header *chunk.Header) error {
	c, ok := s.allocated.Remove(header)
	if !ok {
		fatal.Errorf("%v", ErrChunkSenderInvalidChunkToRelease)
		return ErrChunkSenderInvalidChunkToRelease
	}
	return c.Release()
}

// Send removes header's chunk from the allocated list, delivers it to
// every registered subscriber queue (and the history ring), and
// remembers the chunk for possible reuse by a future TryAllocate. The
// sequence number was already stamped at allocation time by
// TryAllocate (spec.md §4.H: "sequence_number = next(sender.seq)" is
// part of a chunk's identity from the moment it is handed out, not
// from the moment it is sent).
func (s *ChunkSender) Send(header *chunk.Header) error {
	c, ok := s.allocated.Remove(header)
	if !ok {
		fatal.Errorf("%v", ErrChunkSenderInvalidChunkToRelease)
		return ErrChunkSenderInvalidChunkToRelease
	}

	s.distributor.DeliverToAllStoredQueues(c.Clone())

	s.mu.Lock()
	if s.lastChunk.IsValid() {
		_ = s.lastChunk.Release()
	}
	s.lastChunk = c
	s.mu.Unlock()
	return nil
}

// PushToHistory behaves like Send but only adds to the distributor's
// history ring, without delivering to any live queue.
func (s *ChunkSender) PushToHistory(header *chunk.Header) error {
	c, ok := s.allocated.Remove(header)
	if !ok {
		fatal.Errorf("%v", ErrChunkSenderInvalidChunkToRelease)
		return ErrChunkSenderInvalidChunkToRelease
	}
	s.distributor.AddToHistoryWithoutDelivery(c)
	return nil
}

// TryGetPreviousChunk returns the last sent chunk's header if it is
// still exclusively held by this sender (no subscriber still holds a
// reference to it), or nil otherwise.
func (s *ChunkSender) TryGetPreviousChunk() *chunk.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastChunk.IsValid() || s.lastChunk.RefCount() != 1 {
		return nil
	}
	return s.lastChunk.Header()
}

// TryAddQueue and TryRemoveQueue forward to the underlying
// distributor.
func (s *ChunkSender) TryAddQueue(q *ChunkQueueData, requestedHistory uint64) error {
	return s.distributor.TryAddQueue(q, requestedHistory)
}

func (s *ChunkSender) TryRemoveQueue(q *ChunkQueueData) error {
	return s.distributor.TryRemoveQueue(q)
}

// HistoryCapacity reports the distributor's configured history ring
// size, surfaced through the sender so the PublisherPort layer doesn't
// need its own reference to the distributor.
func (s *ChunkSender) HistoryCapacity() uint64 {
	return s.distributor.HistoryCapacity()
}

// ReleaseAll drops every chunk still in the allocated list and clears
// the distributor's history, used on publisher shutdown.
func (s *ChunkSender) ReleaseAll() {
	s.allocated.Cleanup()
	s.mu.Lock()
	if s.lastChunk.IsValid() {
		_ = s.lastChunk.Release()
		s.lastChunk = chunk.SharedChunk{}
	}
	s.mu.Unlock()
	s.distributor.ClearHistory()
}
