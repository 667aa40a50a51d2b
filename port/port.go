// Package port implements the PublisherPort state machine (spec.md
// §4.J), grounded on
// original_source/iceoryx_posh's popo::PublisherPortData /
// PublisherPortRouDi and test_popo_publisher_port.cpp. It sits one
// layer above distpubsub.ChunkSender: the sender already does the
// chunk bookkeeping and history replay, and PublisherPort adds the
// offer/subscribe protocol on top.
package port

import (
	"sync"

	"github.com/AlephTX/iceoryx-sub003/distpubsub"
)

// ServiceDescription identifies a publisher's service, grounded on
// original_source's capro::ServiceDescription (service/instance/event
// triple), trimmed to the three string fields the port layer actually
// needs.
type ServiceDescription struct {
	Service  string
	Instance string
	Event    string
}

// state is the PublisherPort's internal offer/subscribe lifecycle
// state (spec.md §4.J).
type state int

const (
	notOffered state = iota
	offerRequested
	offered
	stopOfferRequested
)

// ControlMessageKind enumerates the control messages exchanged
// between a PublisherPort and the daemon (spec.md §6).
type ControlMessageKind int

const (
	MsgOffer ControlMessageKind = iota
	MsgStopOffer
	MsgSub
	MsgUnsub
	MsgAck
	MsgNack
)

// ControlMessage carries at most one outgoing or incoming control
// message. Queue and HistoryCapacity are only meaningful for MsgSub.
type ControlMessage struct {
	Kind            ControlMessageKind
	Service         ServiceDescription
	Queue           *distpubsub.ChunkQueueData
	HistoryCapacity uint64
}

// PublisherPort drives the offer/subscribe state machine for a single
// publisher, dispatching SUB/UNSUB against its ChunkSender.
//
// User-side calls (Offer, StopOffer) are always non-blocking
// (spec.md §5 "Cancellation"); daemon-side calls (TryGetCaproMessage,
// DispatchMessage) drain at most one message per call.
type PublisherPort struct {
	mu    sync.Mutex
	state state

	service ServiceDescription
	sender  *distpubsub.ChunkSender
}

// NewPublisherPort returns a port in the NOT_OFFERED state, wrapping
// sender for chunk allocation/send and SUB/UNSUB registration.
func NewPublisherPort(service ServiceDescription, sender *distpubsub.ChunkSender) *PublisherPort {
	return &PublisherPort{
		service: service,
		sender:  sender,
	}
}

// Service returns the port's service description.
func (p *PublisherPort) Service() ServiceDescription {
	return p.service
}

// Sender returns the underlying ChunkSender, for the allocate/send
// hot path, which bypasses the state machine entirely (offering has
// no bearing on whether a publisher may allocate and send; it governs
// only whether any subscriber is receiving).
func (p *PublisherPort) Sender() *distpubsub.ChunkSender {
	return p.sender
}

// Offer requests the service be offered. A no-op unless the port is
// currently NOT_OFFERED (spec.md §4.J).
func (p *PublisherPort) Offer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == notOffered {
		p.state = offerRequested
	}
}

// StopOffer requests the service stop being offered. A no-op unless
// the port is currently OFFERED.
func (p *PublisherPort) StopOffer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == offered {
		p.state = stopOfferRequested
	}
}

// IsOffered reports whether the port is currently in a state where
// the daemon would answer a SUB with ACK rather than NACK (spec.md
// §4.J's "Any OFFERED state"): either fully OFFERED, or
// STOP_OFFER_REQUESTED but not yet drained by the daemon.
func (p *PublisherPort) IsOffered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isOfferedLocked()
}

func (p *PublisherPort) isOfferedLocked() bool {
	return p.state == offered || p.state == stopOfferRequested
}

// TryGetCaproMessage is the daemon-side drain call: it advances
// OFFER_REQUESTED to OFFERED (emitting OFFER) or STOP_OFFER_REQUESTED
// to NOT_OFFERED (emitting STOP_OFFER), returning ok=false if there is
// nothing to emit. If the user toggles Offer/StopOffer between two
// drains, the daemon never observes the intermediate state (spec.md
// §4.J): toggling OFFER_REQUESTED straight back to NOT_OFFERED isn't
// possible through the exposed API, so that collapse only happens for
// OFFERED->STOP_OFFER_REQUESTED->(re-Offer is rejected, no-op)
// sequences, which this state machine already handles by Offer()
// being a no-op outside NOT_OFFERED.
func (p *PublisherPort) TryGetCaproMessage() (ControlMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case offerRequested:
		p.state = offered
		return ControlMessage{Kind: MsgOffer, Service: p.service, HistoryCapacity: p.sender.HistoryCapacity()}, true
	case stopOfferRequested:
		p.state = notOffered
		return ControlMessage{Kind: MsgStopOffer, Service: p.service}, true
	default:
		return ControlMessage{}, false
	}
}

// DispatchMessage handles an incoming SUB/UNSUB from the daemon and
// returns the single ACK/NACK response (spec.md §4.J). Any other
// message kind is rejected with NACK.
func (p *PublisherPort) DispatchMessage(msg ControlMessage) ControlMessage {
	offered := p.IsOffered()

	switch msg.Kind {
	case MsgSub:
		if !offered {
			return ControlMessage{Kind: MsgNack, Service: p.service}
		}
		if err := p.sender.TryAddQueue(msg.Queue, msg.HistoryCapacity); err != nil {
			return ControlMessage{Kind: MsgNack, Service: p.service}
		}
		return ControlMessage{Kind: MsgAck, Service: p.service}
	case MsgUnsub:
		if !offered {
			return ControlMessage{Kind: MsgNack, Service: p.service}
		}
		if err := p.sender.TryRemoveQueue(msg.Queue); err != nil {
			return ControlMessage{Kind: MsgNack, Service: p.service}
		}
		return ControlMessage{Kind: MsgAck, Service: p.service}
	default:
		return ControlMessage{Kind: MsgNack, Service: p.service}
	}
}
