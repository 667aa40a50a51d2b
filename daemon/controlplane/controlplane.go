// Package controlplane carries the OFFER/STOP_OFFER/SUB/UNSUB/ACK/NACK
// control messages between a daemon-hosted port.PublisherPort and
// remote subscriber clients over a websocket (spec.md §6: "the exact
// transport used to carry control messages between processes is out
// of scope for this module" — this package is the out-of-scope
// transport, layered on top of the in-process port.ControlMessage
// types).
//
// Grounded on the teacher's exchanges/hyperliquid.go, which dialed a
// remote websocket and exchanged JSON frames via nhooyr.io/websocket's
// wsjson helpers with a reconnect-with-backoff loop; this package
// plays the server side of that same library instead (websocket.Accept
// rather than websocket.Dial), since no server-side websocket example
// existed in the retrieved pack.
package controlplane

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/AlephTX/iceoryx-sub003/distpubsub"
	"github.com/AlephTX/iceoryx-sub003/port"
)

// Message is the wire-safe counterpart of port.ControlMessage: it
// replaces the in-process *distpubsub.ChunkQueueData pointer with a
// SubscriberID the server resolves against its own registry, since a
// raw pointer means nothing across a socket.
type Message struct {
	Kind            string `json:"kind"`
	Service         string `json:"service"`
	Instance        string `json:"instance"`
	Event           string `json:"event"`
	SubscriberID    uint64 `json:"subscriber_id,omitempty"`
	HistoryCapacity uint64 `json:"history_capacity,omitempty"`
}

var kindToWire = map[port.ControlMessageKind]string{
	port.MsgOffer:     "OFFER",
	port.MsgStopOffer: "STOP_OFFER",
	port.MsgSub:       "SUB",
	port.MsgUnsub:     "UNSUB",
	port.MsgAck:       "ACK",
	port.MsgNack:      "NACK",
}

var wireToKind = map[string]port.ControlMessageKind{
	"OFFER":      port.MsgOffer,
	"STOP_OFFER": port.MsgStopOffer,
	"SUB":        port.MsgSub,
	"UNSUB":      port.MsgUnsub,
	"ACK":        port.MsgAck,
	"NACK":       port.MsgNack,
}

// Server hosts one or more PublisherPorts and the subscriber queues
// remote clients attach to, translating wire Messages into
// port.ControlMessage calls and back.
type Server struct {
	mu          sync.Mutex
	ports       map[string]*port.PublisherPort
	subscribers map[uint64]*distpubsub.ChunkQueueData
}

// NewServer returns an empty Server; call RegisterPort and
// RegisterSubscriberQueue before ListenAndServe accepts connections
// that reference them.
func NewServer() *Server {
	return &Server{
		ports:       make(map[string]*port.PublisherPort),
		subscribers: make(map[uint64]*distpubsub.ChunkQueueData),
	}
}

func serviceKey(service, instance, event string) string {
	return service + "/" + instance + "/" + event
}

// RegisterPort makes p reachable by remote clients under its own
// service description.
func (s *Server) RegisterPort(p *port.PublisherPort) {
	svc := p.Service()
	s.mu.Lock()
	s.ports[serviceKey(svc.Service, svc.Instance, svc.Event)] = p
	s.mu.Unlock()
}

// RegisterSubscriberQueue makes q addressable by remote SUB/UNSUB
// messages carrying id as their SubscriberID.
func (s *Server) RegisterSubscriberQueue(id uint64, q *distpubsub.ChunkQueueData) {
	s.mu.Lock()
	s.subscribers[id] = q
	s.mu.Unlock()
}

// ListenAndServe accepts websocket connections on addr until ctx is
// cancelled. Each connection gets its own handleConn goroutine; a
// connection error only closes that connection, never the listener,
// mirroring the reconnect-tolerant posture of the teacher's exchange
// clients (reconnection there is the client's job; here it is the
// client's job too, the server just keeps accepting).
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Printf("controlplane: accept: %v", err)
			return
		}
		go s.handleConn(ctx, conn)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.CloseNow()
	for {
		var wire Message
		if err := wsjson.Read(ctx, conn, &wire); err != nil {
			return
		}
		resp, ok := s.Dispatch(wire)
		if !ok {
			continue
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}

// Dispatch resolves wire onto a registered port and translates it into
// a port.ControlMessage, returning the translated response and
// whether one was produced at all (OFFER/STOP_OFFER are daemon-to-
// client pushes this server doesn't originate from an inbound client
// message, so they're excluded from Dispatch's inbound side). It is
// exported mainly for tests; normal use goes through ListenAndServe.
func (s *Server) Dispatch(wire Message) (Message, bool) {
	kind, ok := wireToKind[wire.Kind]
	if !ok || (kind != port.MsgSub && kind != port.MsgUnsub) {
		return Message{}, false
	}

	s.mu.Lock()
	p, havePort := s.ports[serviceKey(wire.Service, wire.Instance, wire.Event)]
	q, haveQueue := s.subscribers[wire.SubscriberID]
	s.mu.Unlock()
	if !havePort || !haveQueue {
		return Message{Kind: "NACK", Service: wire.Service, Instance: wire.Instance, Event: wire.Event}, true
	}

	resp := p.DispatchMessage(port.ControlMessage{Kind: kind, Queue: q, HistoryCapacity: wire.HistoryCapacity})
	return Message{
		Kind:     kindToWire[resp.Kind],
		Service:  wire.Service,
		Instance: wire.Instance,
		Event:    wire.Event,
	}, true
}

// PollAndPush drains p's pending OFFER/STOP_OFFER control message (if
// any) and pushes it to conn as a wire Message. Callers supervise one
// goroutine per subscribed client running this on a ticker, since
// TryGetCaproMessage is non-blocking and meant to be polled
// (port.PublisherPort's daemon-side contract).
func PollAndPush(ctx context.Context, p *port.PublisherPort, conn *websocket.Conn) error {
	msg, ok := p.TryGetCaproMessage()
	if !ok {
		return nil
	}
	svc := msg.Service
	wire := Message{
		Kind:            kindToWire[msg.Kind],
		Service:         svc.Service,
		Instance:        svc.Instance,
		Event:           svc.Event,
		HistoryCapacity: msg.HistoryCapacity,
	}
	return wsjson.Write(ctx, conn, wire)
}
