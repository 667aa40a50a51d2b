package distpubsub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlephTX/iceoryx-sub003/chunk"
)

// Errors returned by ChunkDistributor, matching spec.md §7's
// "resource-exhaustion" and "protocol" kinds.
var (
	ErrQueueContainerOverflow = errors.New("distpubsub: queue container overflow, MAX_QUEUES reached")
	ErrQueueNotInContainer    = errors.New("distpubsub: queue not registered")
)

const (
	blockPublisherBackoffStart = 50 * time.Microsecond
	blockPublisherBackoffCap   = 2 * time.Millisecond
)

// LivenessProbe reports whether the process on the other end of a
// queue is still alive. The distributor consults it only on the
// BLOCK_PUBLISHER + WAIT_FOR_CONSUMER path, to avoid waiting forever
// on a subscriber that crashed holding a full queue (spec.md §9's
// third open question). aliveByDefault is used when no daemon-supplied
// probe is configured.
type LivenessProbe func(queueID uint64) bool

func aliveByDefault(uint64) bool { return true }

// ChunkDistributor fans a publisher's sent chunks out to every
// registered subscriber queue, and keeps a bounded history ring for
// late joiners (spec.md §4.G), grounded on
// original_source/iceoryx_posh's popo::ChunkDistributor +
// ChunkDistributorData.
type ChunkDistributor struct {
	mu sync.Mutex

	maxQueues      int
	queues         []*ChunkQueueData
	consumerPolicy ConsumerTooSlowPolicy

	historyCapacity uint64
	history         []chunk.ShmSafeUnmanagedChunk
	evictionCount   atomic.Uint64

	shutdown *ShutdownFlag
	liveness LivenessProbe
}

// ShutdownFlag is a tiny cancellation flag shared with the owning
// ChunkSender/publisher runtime, checked between BLOCK_PUBLISHER
// retries (spec.md §5 "Cancellation").
type ShutdownFlag struct {
	mu sync.Mutex
	v  bool
}

func NewShutdownFlag() *ShutdownFlag { return &ShutdownFlag{} }

func (f *ShutdownFlag) Set()        { f.mu.Lock(); f.v = true; f.mu.Unlock() }
func (f *ShutdownFlag) IsSet() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.v }

// NewChunkDistributor returns an empty distributor. shutdown may be
// nil, in which case the BLOCK_PUBLISHER path only stops once every
// queue accepts or LivenessProbe reports the subscriber dead; liveness
// may be nil to mean "always alive" (used in tests and for
// DISCARD_OLDEST_DATA-only deployments that never exercise the
// blocking path).
func NewChunkDistributor(maxQueues int, consumerPolicy ConsumerTooSlowPolicy, historyCapacity uint64, shutdown *ShutdownFlag, liveness LivenessProbe) *ChunkDistributor {
	if liveness == nil {
		liveness = aliveByDefault
	}
	return &ChunkDistributor{
		maxQueues:       maxQueues,
		consumerPolicy:  consumerPolicy,
		historyCapacity: historyCapacity,
		shutdown:        shutdown,
		liveness:        liveness,
	}
}

// TryAddQueue registers q, idempotently (adding the same queue again
// is a no-op success), and immediately delivers up to
// min(requestedHistory, current history length) oldest-to-newest
// history chunks to it (spec.md §4.G).
func (d *ChunkDistributor) TryAddQueue(q *ChunkQueueData, requestedHistory uint64) error {
	d.mu.Lock()
	for _, existing := range d.queues {
		if existing == q {
			d.mu.Unlock()
			return nil
		}
	}
	if len(d.queues) >= d.maxQueues {
		d.mu.Unlock()
		return ErrQueueContainerOverflow
	}
	d.queues = append(d.queues, q)

	n := requestedHistory
	if uint64(len(d.history)) < n {
		n = uint64(len(d.history))
	}
	start := uint64(len(d.history)) - n
	toDeliver := append([]chunk.ShmSafeUnmanagedChunk(nil), d.history[start:]...)
	d.mu.Unlock()

	for _, entry := range toDeliver {
		clone, ok := entry.CloneToSharedChunk()
		if !ok {
			continue
		}
		d.deliverToQueueData(q, clone)
	}
	return nil
}

// TryRemoveQueue unregisters q by identity.
func (d *ChunkDistributor) TryRemoveQueue(q *ChunkQueueData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.queues {
		if existing == q {
			d.queues = append(d.queues[:i], d.queues[i+1:]...)
			return nil
		}
	}
	return ErrQueueNotInContainer
}

// RemoveAllQueues clears every registered queue; a no-op on an empty
// set.
func (d *ChunkDistributor) RemoveAllQueues() {
	d.mu.Lock()
	d.queues = nil
	d.mu.Unlock()
}

// HistoryCapacity returns the configured history ring size, used by
// the PublisherPort to populate the OFFER control message's
// history_capacity field (spec.md §4.J).
func (d *ChunkDistributor) HistoryCapacity() uint64 {
	return d.historyCapacity
}

// HasSubscribers reports whether any queue is currently registered.
func (d *ChunkDistributor) HasSubscribers() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues) > 0
}

// DeliverToAllStoredQueues delivers chunk to every registered queue
// and appends it to the history ring (if history_capacity > 0,
// evicting the oldest entry on overflow). Each queue's
// QueueFullPolicy governs whether a full queue overwrites or blocks.
func (d *ChunkDistributor) DeliverToAllStoredQueues(c chunk.SharedChunk) {
	d.mu.Lock()
	queues := append([]*ChunkQueueData(nil), d.queues...)
	d.mu.Unlock()

	for _, q := range queues {
		clone := c.Clone()
		d.deliverToQueueData(q, clone)
	}

	if d.historyCapacity > 0 {
		d.mu.Lock()
		if uint64(len(d.history)) >= d.historyCapacity {
			evicted := d.history[0]
			d.history = append(d.history[:0], d.history[1:]...)
			if ec, ok := evicted.ReleaseToSharedChunk(); ok {
				_ = ec.Release()
			}
			d.evictionCount.Add(1)
		}
		historyClone := c.Clone()
		d.history = append(d.history, chunk.FromSharedChunk(historyClone))
		d.mu.Unlock()
	}

	// c itself was a reference the caller handed off for this call only
	// (mirroring a by-value SharedChunk parameter whose destructor fires
	// on return); every actual delivery above used its own clone.
	_ = c.Release()
}

// DeliverToQueue delivers chunk to exactly one queue, whether or not
// it is registered with this distributor, without touching history.
func (d *ChunkDistributor) DeliverToQueue(q *ChunkQueueData, c chunk.SharedChunk) {
	d.deliverToQueueData(q, c)
}

// deliverToQueueData consumes c (it must already be an owned clone
// intended for this single delivery) according to q's full-queue
// policy.
func (d *ChunkDistributor) deliverToQueueData(q *ChunkQueueData, c chunk.SharedChunk) {
	unmanaged := chunk.FromSharedChunk(c)

	switch q.Policy() {
	case DiscardOldestData:
		displaced, had, _ := q.Push(unmanaged)
		if had {
			if dc, ok := displaced.ReleaseToSharedChunk(); ok {
				_ = dc.Release()
			}
		}
	case BlockPublisher:
		d.deliverBlocking(q, unmanaged)
	}
}

func (d *ChunkDistributor) deliverBlocking(q *ChunkQueueData, unmanaged chunk.ShmSafeUnmanagedChunk) {
	if d.consumerPolicy == DiscardOldestDataOnBlock {
		displaced, had, _ := q.Push(unmanaged)
		if had {
			if dc, ok := displaced.ReleaseToSharedChunk(); ok {
				_ = dc.Release()
			}
		}
		return
	}

	backoff := blockPublisherBackoffStart
	for {
		_, _, ok := q.Push(unmanaged)
		if ok {
			return
		}
		if d.shutdown != nil && d.shutdown.IsSet() {
			q.LostAChunk()
			if c, ok := unmanaged.ReleaseToSharedChunk(); ok {
				_ = c.Release()
			}
			return
		}
		if !d.liveness(q.ID()) {
			q.LostAChunk()
			if c, ok := unmanaged.ReleaseToSharedChunk(); ok {
				_ = c.Release()
			}
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > blockPublisherBackoffCap {
			backoff = blockPublisherBackoffCap
		}
	}
}

// AddToHistoryWithoutDelivery appends chunk to the history ring only,
// without delivering it to any queue.
func (d *ChunkDistributor) AddToHistoryWithoutDelivery(c chunk.SharedChunk) {
	if d.historyCapacity == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(len(d.history)) >= d.historyCapacity {
		evicted := d.history[0]
		d.history = append(d.history[:0], d.history[1:]...)
		if ec, ok := evicted.ReleaseToSharedChunk(); ok {
			_ = ec.Release()
		}
		d.evictionCount.Add(1)
	}
	d.history = append(d.history, chunk.FromSharedChunk(c))
}

// EvictionCount returns the cumulative number of history entries
// dropped to make room for a newer one, for the daemon's telemetry
// poller (SPEC_FULL.md §3); it is monotonic and never reset.
func (d *ChunkDistributor) EvictionCount() uint64 {
	return d.evictionCount.Load()
}

// GetHistorySize returns the current number of entries in the history
// ring.
func (d *ChunkDistributor) GetHistorySize() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.history))
}

// ClearHistory releases every history entry and empties the ring.
func (d *ChunkDistributor) ClearHistory() {
	d.mu.Lock()
	entries := d.history
	d.history = nil
	d.mu.Unlock()

	for _, entry := range entries {
		if c, ok := entry.ReleaseToSharedChunk(); ok {
			_ = c.Release()
		}
	}
}
