package port_test

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/AlephTX/iceoryx-sub003/chunk"
	"github.com/AlephTX/iceoryx-sub003/distpubsub"
	"github.com/AlephTX/iceoryx-sub003/mempool"
	"github.com/AlephTX/iceoryx-sub003/port"
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

func newTestPort(t *testing.T, name string, historyCapacity uint64) (*port.PublisherPort, func()) {
	t.Helper()
	mm, segmentID, cleanup := newTestManager(t, name)
	distributor := distpubsub.NewChunkDistributor(4, distpubsub.WaitForConsumer, historyCapacity, nil, nil)
	sender := distpubsub.NewChunkSender(1, segmentID, mm, distributor, 16)
	svc := port.ServiceDescription{Service: "svc", Instance: "inst", Event: "evt"}
	return port.NewPublisherPort(svc, sender), cleanup
}

// TestOfferStopOfferCycle is scenario S5 from spec.md §8.
func TestOfferStopOfferCycle(t *testing.T) {
	p, cleanup := newTestPort(t, fmt.Sprintf("iox-port-%s", t.Name()), 0)
	defer cleanup()

	if _, ok := p.TryGetCaproMessage(); ok {
		t.Fatal("expected no message before offer()")
	}

	p.Offer()
	msg, ok := p.TryGetCaproMessage()
	if !ok || msg.Kind != port.MsgOffer {
		t.Fatalf("expected OFFER, got %+v ok=%v", msg, ok)
	}
	if !p.IsOffered() {
		t.Fatal("expected port to be offered")
	}

	if _, ok := p.TryGetCaproMessage(); ok {
		t.Fatal("expected no further message while steady-state OFFERED")
	}

	p.StopOffer()
	msg, ok = p.TryGetCaproMessage()
	if !ok || msg.Kind != port.MsgStopOffer {
		t.Fatalf("expected STOP_OFFER, got %+v ok=%v", msg, ok)
	}
	if p.IsOffered() {
		t.Fatal("expected port to no longer be offered")
	}

	if _, ok := p.TryGetCaproMessage(); ok {
		t.Fatal("expected no message after the cycle settles back to NOT_OFFERED")
	}
}

func TestOfferWhileAlreadyOfferedIsNoop(t *testing.T) {
	p, cleanup := newTestPort(t, fmt.Sprintf("iox-port-%s", t.Name()), 0)
	defer cleanup()

	p.Offer()
	if _, ok := p.TryGetCaproMessage(); !ok {
		t.Fatal("expected initial OFFER")
	}
	p.Offer() // no-op: already OFFERED
	if _, ok := p.TryGetCaproMessage(); ok {
		t.Fatal("expected no message from a redundant Offer() call")
	}
}

func TestSubUnsubWhileNotOfferedIsNacked(t *testing.T) {
	p, cleanup := newTestPort(t, fmt.Sprintf("iox-port-%s", t.Name()), 0)
	defer cleanup()

	queue := distpubsub.NewChunkQueueData(distpubsub.FIFO, distpubsub.DiscardOldestData, 4)
	resp := p.DispatchMessage(port.ControlMessage{Kind: port.MsgSub, Queue: queue})
	if resp.Kind != port.MsgNack {
		t.Fatalf("expected NACK while NOT_OFFERED, got %+v", resp)
	}

	resp = p.DispatchMessage(port.ControlMessage{Kind: port.MsgUnsub, Queue: queue})
	if resp.Kind != port.MsgNack {
		t.Fatalf("expected NACK for UNSUB while NOT_OFFERED, got %+v", resp)
	}
}

func TestSubUnsubAfterOfferedAreAcked(t *testing.T) {
	p, cleanup := newTestPort(t, fmt.Sprintf("iox-port-%s", t.Name()), 0)
	defer cleanup()

	p.Offer()
	if _, ok := p.TryGetCaproMessage(); !ok {
		t.Fatal("expected OFFER to drain")
	}

	queue := distpubsub.NewChunkQueueData(distpubsub.FIFO, distpubsub.DiscardOldestData, 4)
	resp := p.DispatchMessage(port.ControlMessage{Kind: port.MsgSub, Queue: queue})
	if resp.Kind != port.MsgAck {
		t.Fatalf("expected ACK for SUB, got %+v", resp)
	}

	resp = p.DispatchMessage(port.ControlMessage{Kind: port.MsgUnsub, Queue: queue})
	if resp.Kind != port.MsgAck {
		t.Fatalf("expected ACK for UNSUB, got %+v", resp)
	}

	// unregistering an unknown queue is NACKed
	resp = p.DispatchMessage(port.ControlMessage{Kind: port.MsgUnsub, Queue: queue})
	if resp.Kind != port.MsgNack {
		t.Fatalf("expected NACK for double UNSUB, got %+v", resp)
	}
}

func TestSubNackedWhenSubscribersFull(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-port-%s", t.Name()))
	defer cleanup()

	distributor := distpubsub.NewChunkDistributor(1, distpubsub.WaitForConsumer, 0, nil, nil)
	sender := distpubsub.NewChunkSender(1, segmentID, mm, distributor, 16)
	svc := port.ServiceDescription{Service: "svc"}
	p := port.NewPublisherPort(svc, sender)
	p.Offer()
	if _, ok := p.TryGetCaproMessage(); !ok {
		t.Fatal("expected OFFER to drain")
	}

	q1 := distpubsub.NewChunkQueueData(distpubsub.FIFO, distpubsub.DiscardOldestData, 4)
	q2 := distpubsub.NewChunkQueueData(distpubsub.FIFO, distpubsub.DiscardOldestData, 4)

	if resp := p.DispatchMessage(port.ControlMessage{Kind: port.MsgSub, Queue: q1}); resp.Kind != port.MsgAck {
		t.Fatalf("expected first SUB to ACK, got %+v", resp)
	}
	if resp := p.DispatchMessage(port.ControlMessage{Kind: port.MsgSub, Queue: q2}); resp.Kind != port.MsgNack {
		t.Fatalf("expected second SUB to NACK (subscribers full), got %+v", resp)
	}
}

// TestHistoryOnSubscribe verifies that a SUB arriving with a nonzero
// history_capacity receives the oldest-to-newest backlog before the
// ACK, delegated straight through to ChunkSender.TryAddQueue.
func TestHistoryOnSubscribe(t *testing.T) {
	mm, segmentID, cleanup := newTestManager(t, fmt.Sprintf("iox-port-%s", t.Name()))
	defer cleanup()

	distributor := distpubsub.NewChunkDistributor(4, distpubsub.WaitForConsumer, 2, nil, nil)
	sender := distpubsub.NewChunkSender(1, segmentID, mm, distributor, 16)
	svc := port.ServiceDescription{Service: "svc"}
	p := port.NewPublisherPort(svc, sender)
	p.Offer()
	if _, ok := p.TryGetCaproMessage(); !ok {
		t.Fatal("expected OFFER to drain")
	}
	if got := sender.HistoryCapacity(); got != 2 {
		t.Fatalf("HistoryCapacity() = %d, want 2", got)
	}

	for _, v := range []uint64{7, 8} {
		h, err := sender.TryAllocate(chunk.Settings{UserPayloadSize: 8, UserPayloadAlignment: 8})
		if err != nil {
			t.Fatalf("allocating: %v", err)
		}
		binary.LittleEndian.PutUint64(h.UserPayload(), v)
		if err := sender.Send(h); err != nil {
			t.Fatalf("sending: %v", err)
		}
	}

	queue := distpubsub.NewChunkQueueData(distpubsub.FIFO, distpubsub.DiscardOldestData, 4)
	resp := p.DispatchMessage(port.ControlMessage{Kind: port.MsgSub, Queue: queue, HistoryCapacity: 2})
	if resp.Kind != port.MsgAck {
		t.Fatalf("expected ACK, got %+v", resp)
	}

	receiver := distpubsub.NewChunkReceiver(queue, 16)
	for _, want := range []uint64{7, 8} {
		h, err := receiver.TryGet()
		if err != nil {
			t.Fatalf("try_get: %v", err)
		}
		if h == nil {
			t.Fatal("expected a history chunk")
		}
		if got := binary.LittleEndian.Uint64(h.UserPayload()); got != want {
			t.Fatalf("history payload = %d, want %d", got, want)
		}
		if err := receiver.Release(h); err != nil {
			t.Fatalf("releasing: %v", err)
		}
	}
}
