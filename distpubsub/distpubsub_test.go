package distpubsub_test

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/AlephTX/iceoryx-sub003/chunk"
	"github.com/AlephTX/iceoryx-sub003/distpubsub"
	"github.com/AlephTX/iceoryx-sub003/mempool"
	"github.com/AlephTX/iceoryx-sub003/shmseg"
)

func newTestManager(t *testing.T, name string) (*mempool.MemoryManager, shmseg.ID, func()) {
	t.Helper()
	seg, err := shmseg.Create(1, name, 4<<20)
	if err != nil {
		t.Fatalf("creating segment: %v", err)
	}

	reg := shmseg.NewRegistry()
	reg.Register(seg)
	mempool.SetSegmentResolver(func(id shmseg.ID) ([]byte, bool) {
		s, ok := reg.Segment(id)
		if !ok {
			return nil, false
		}
		return s.Base(), true
	})

	chunkAlloc := shmseg.NewBumpAllocator(seg)
	mgmtAlloc := shmseg.NewBumpAllocator(seg)
	mm := mempool.NewMemoryManager(seg.ID(), mgmtAlloc, chunkAlloc, 64)
	if err := mm.Configure([]mempool.PoolConfig{{ChunkSize: 128, NumChunks: 64}}); err != nil {
		t.Fatalf("configuring memory manager: %v", err)
	}

	return mm, seg.ID(), func() {
		seg.Close()
		seg.Remove()
	}
}

func writeU64Payload(t *testing.T, h *chunk.Header, v uint64) {
	t.Helper()
	payload := h.UserPayload()
	if len(payload) < 8 {
		t.Fatalf("payload too small: %d", len(payload))
	}
	binary.LittleEndian.PutUint64(payload, v)
}

func readU64Payload(h *chunk.Header) uint64 {
	return binary.LittleEndian.Uint64(h.UserPayload())
}

// TestSimpleRoundTrip is scenario S1 from spec.md §8.
func TestSimpleRoundTrip(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-dp-%s-1", t.Name()))
	defer cleanup()

	distributor := distpubsub.NewChunkDistributor(8, distpubsub.WaitForConsumer, 0, nil, nil)
	sender := distpubsub.NewChunkSender(1, segmentID, mm, distributor, 16)

	queue := distpubsub.NewChunkQueueData(distpubsub.FIFO, distpubsub.DiscardOldestData, 1)
	receiver := distpubsub.NewChunkReceiver(queue, 16)
	if err := sender.TryAddQueue(queue, 0); err != nil {
		t.Fatalf("adding queue: %v", err)
	}

	h, err := sender.TryAllocate(chunk.Settings{UserPayloadSize: 8, UserPayloadAlignment: 8})
	if err != nil {
		t.Fatalf("allocating: %v", err)
	}
	writeU64Payload(t, h, 1234)
	if err := sender.Send(h); err != nil {
		t.Fatalf("sending: %v", err)
	}

	got, err := receiver.TryGet()
	if err != nil {
		t.Fatalf("try_get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a chunk, got none")
	}
	if readU64Payload(got) != 1234 {
		t.Fatalf("payload = %d, want 1234", readU64Payload(got))
	}
	if got.OriginID() != 1 {
		t.Fatalf("origin id = %d, want 1", got.OriginID())
	}
	if got.SequenceNumber() != 0 {
		t.Fatalf("sequence number = %d, want 0", got.SequenceNumber())
	}

	if mm.Pools()[0].UsedChunks() != 1 {
		t.Fatalf("used chunks = %d, want 1 (held by receiver)", mm.Pools()[0].UsedChunks())
	}
	if err := receiver.Release(got); err != nil {
		t.Fatalf("releasing: %v", err)
	}
	if mm.Pools()[0].UsedChunks() != 0 {
		t.Fatalf("used chunks after release = %d, want 0", mm.Pools()[0].UsedChunks())
	}
}

// TestSequenceNumberStampedAtAllocation guards against sequence
// numbers being assigned at Send time rather than at TryAllocate time:
// spec.md §4.H treats the sequence number as part of a chunk's
// identity from the moment it is handed out, so two chunks allocated
// back-to-back must already carry distinct, increasing sequence
// numbers before either is sent.
func TestSequenceNumberStampedAtAllocation(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-dp-%s-1", t.Name()))
	defer cleanup()

	distributor := distpubsub.NewChunkDistributor(8, distpubsub.WaitForConsumer, 0, nil, nil)
	sender := distpubsub.NewChunkSender(1, segmentID, mm, distributor, 16)

	first, err := sender.TryAllocate(chunk.Settings{UserPayloadSize: 8, UserPayloadAlignment: 8})
	if err != nil {
		t.Fatalf("allocating first chunk: %v", err)
	}
	second, err := sender.TryAllocate(chunk.Settings{UserPayloadSize: 8, UserPayloadAlignment: 8})
	if err != nil {
		t.Fatalf("allocating second chunk: %v", err)
	}

	if first.SequenceNumber() == second.SequenceNumber() {
		t.Fatalf("both allocated chunks carry sequence number %d, want distinct values", first.SequenceNumber())
	}
	if second.SequenceNumber() != first.SequenceNumber()+1 {
		t.Fatalf("second sequence number = %d, want %d", second.SequenceNumber(), first.SequenceNumber()+1)
	}

	if err := sender.Send(second); err != nil {
		t.Fatalf("sending second: %v", err)
	}
	if err := sender.Send(first); err != nil {
		t.Fatalf("sending first: %v", err)
	}
}

// TestHistoryReplay is scenario S2 from spec.md §8.
func TestHistoryReplay(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-dp-%s-2", t.Name()))
	defer cleanup()

	distributor := distpubsub.NewChunkDistributor(8, distpubsub.WaitForConsumer, 3, nil, nil)
	sender := distpubsub.NewChunkSender(1, segmentID, mm, distributor, 16)

	for _, v := range []uint64{10, 20, 30} {
		h, err := sender.TryAllocate(chunk.Settings{UserPayloadSize: 8, UserPayloadAlignment: 8})
		if err != nil {
			t.Fatalf("allocating: %v", err)
		}
		writeU64Payload(t, h, v)
		if err := sender.Send(h); err != nil {
			t.Fatalf("sending: %v", err)
		}
	}

	queue := distpubsub.NewChunkQueueData(distpubsub.FIFO, distpubsub.DiscardOldestData, 4)
	receiver := distpubsub.NewChunkReceiver(queue, 16)
	if err := sender.TryAddQueue(queue, 2); err != nil {
		t.Fatalf("adding queue: %v", err)
	}

	want := []uint64{20, 30}
	var got []uint64
	for range want {
		h, err := receiver.TryGet()
		if err != nil {
			t.Fatalf("try_get: %v", err)
		}
		if h == nil {
			t.Fatal("expected history chunk, got none")
		}
		got = append(got, readU64Payload(h))
		if err := receiver.Release(h); err != nil {
			t.Fatalf("releasing: %v", err)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("history replay order mismatch (-want +got):\n%s", diff)
	}

	if h, err := receiver.TryGet(); err != nil || h != nil {
		t.Fatalf("expected no chunk available, got h=%v err=%v", h, err)
	}
}

// TestSoFiOverwrite is scenario S3 from spec.md §8.
func TestSoFiOverwrite(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-dp-%s-3", t.Name()))
	defer cleanup()

	distributor := distpubsub.NewChunkDistributor(8, distpubsub.WaitForConsumer, 0, nil, nil)
	sender := distpubsub.NewChunkSender(1, segmentID, mm, distributor, 16)

	queue := distpubsub.NewChunkQueueData(distpubsub.SoFi, distpubsub.DiscardOldestData, 1)
	receiver := distpubsub.NewChunkReceiver(queue, 16)
	if err := sender.TryAddQueue(queue, 0); err != nil {
		t.Fatalf("adding queue: %v", err)
	}

	for _, v := range []uint64{1, 2, 3, 4, 5} {
		h, err := sender.TryAllocate(chunk.Settings{UserPayloadSize: 8, UserPayloadAlignment: 8})
		if err != nil {
			t.Fatalf("allocating: %v", err)
		}
		writeU64Payload(t, h, v)
		if err := sender.Send(h); err != nil {
			t.Fatalf("sending: %v", err)
		}
	}

	h, err := receiver.TryGet()
	if err != nil {
		t.Fatalf("try_get: %v", err)
	}
	if got := readU64Payload(h); got != 5 {
		t.Fatalf("payload = %d, want 5", got)
	}
	if !queue.HasLostChunks() {
		t.Fatal("expected has_lost_chunks() == true")
	}
	if queue.HasLostChunks() {
		t.Fatal("expected has_lost_chunks() to clear on second read")
	}
	if err := receiver.Release(h); err != nil {
		t.Fatalf("releasing: %v", err)
	}

	if got := mm.Pools()[0].UsedChunks(); got != 1 {
		t.Fatalf("used chunks = %d, want 1 (the sender's retained last chunk)", got)
	}
}

// TestHeldChunksBackpressure exercises spec.md §4.I's "plus one slack"
// capacity rule (scenario S4), shrunk to a small MAX_HELD for a fast
// test: a receiver configured with maxHeld can actually hold
// maxHeld+1 chunks via TryGet (the one-more-than-MAX_HELD described in
// 4.I) before the next TryGet overflows.
func TestHeldChunksBackpressure(t *testing.T) {
	const maxHeld = 4
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-dp-%s-4", t.Name()))
	defer cleanup()

	distributor := distpubsub.NewChunkDistributor(8, distpubsub.WaitForConsumer, 0, nil, nil)
	sender := distpubsub.NewChunkSender(1, segmentID, mm, distributor, 16)

	// maxHeld+1 chunks to hold, one popped and dropped by the overflowing
	// TryGet, and one still queued for the TryGet after a release.
	queue := distpubsub.NewChunkQueueData(distpubsub.SoFi, distpubsub.DiscardOldestData, maxHeld+3)
	receiver := distpubsub.NewChunkReceiver(queue, maxHeld)
	if err := sender.TryAddQueue(queue, 0); err != nil {
		t.Fatalf("adding queue: %v", err)
	}

	for i := 0; i < maxHeld+3; i++ {
		h, err := sender.TryAllocate(chunk.Settings{UserPayloadSize: 8, UserPayloadAlignment: 8})
		if err != nil {
			t.Fatalf("allocating #%d: %v", i, err)
		}
		if err := sender.Send(h); err != nil {
			t.Fatalf("sending #%d: %v", i, err)
		}
	}

	var held []*chunk.Header
	for i := 0; i < maxHeld+1; i++ {
		h, err := receiver.TryGet()
		if err != nil {
			t.Fatalf("try_get #%d: %v", i, err)
		}
		if h == nil {
			t.Fatalf("try_get #%d: expected a chunk", i)
		}
		held = append(held, h)
	}

	if _, err := receiver.TryGet(); err != distpubsub.ErrTooManyChunksHeldInParallel {
		t.Fatalf("expected ErrTooManyChunksHeldInParallel, got %v", err)
	}

	if err := receiver.Release(held[0]); err != nil {
		t.Fatalf("releasing: %v", err)
	}
	if h, err := receiver.TryGet(); err != nil || h == nil {
		t.Fatalf("expected try_get to succeed after releasing one, got h=%v err=%v", h, err)
	}
}

func TestDistributorTryAddQueueIsIdempotent(t *testing.T) {
	distributor := distpubsub.NewChunkDistributor(2, distpubsub.WaitForConsumer, 0, nil, nil)
	queue := distpubsub.NewChunkQueueData(distpubsub.FIFO, distpubsub.DiscardOldestData, 4)

	if err := distributor.TryAddQueue(queue, 0); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := distributor.TryAddQueue(queue, 0); err != nil {
		t.Fatalf("second add should be a no-op success: %v", err)
	}
	if err := distributor.TryRemoveQueue(queue); err != nil {
		t.Fatalf("removing: %v", err)
	}
	if err := distributor.TryRemoveQueue(queue); err != distpubsub.ErrQueueNotInContainer {
		t.Fatalf("expected ErrQueueNotInContainer, got %v", err)
	}
}

func TestRemoveAllQueuesOnEmptySetIsNoop(t *testing.T) {
	distributor := distpubsub.NewChunkDistributor(2, distpubsub.WaitForConsumer, 0, nil, nil)
	distributor.RemoveAllQueues()
	if distributor.HasSubscribers() {
		t.Fatal("expected no subscribers")
	}
}
