package sandbox

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrPortClosed is returned when posting through a closed port.
var ErrPortClosed = errors.New("port closed")

// portBuffer bounds each direction of a port. Arrival order is preserved
// per direction; nothing is guaranteed across directions.
const portBuffer = 64

// Message is one postMessage-style delivery: an opaque payload stamped with
// the sender's origin.
type Message struct {
	Origin  string
	Payload json.RawMessage
}

// Port is one end of a bidirectional message channel between two frames.
type Port struct {
	origin string // stamped on outbound messages
	remote string // origin of the legitimate peer

	send chan Message
	recv chan Message

	closed    chan struct{}
	closeOnce *sync.Once
}

// Pair creates two connected ports with the given origins. Messages posted
// on one end arrive on the other, stamped with the sender's origin.
func Pair(originA, originB string) (*Port, *Port) {
	aToB := make(chan Message, portBuffer)
	bToA := make(chan Message, portBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &Port{origin: originA, remote: originB, send: aToB, recv: bToA, closed: closed, closeOnce: once}
	b := &Port{origin: originB, remote: originA, send: bToA, recv: aToB, closed: closed, closeOnce: once}
	return a, b
}

// Tap returns a sender that delivers into the same inbox as p but stamps a
// different origin. It models an arbitrary window posting at a frame it does
// not own; receivers are expected to discard such messages.
func (p *Port) Tap(origin string) *Port {
	return &Port{
		origin:    origin,
		remote:    p.remote,
		send:      p.send,
		recv:      make(chan Message), // a tap never receives
		closed:    p.closed,
		closeOnce: p.closeOnce,
	}
}

// Post sends a payload to the peer. It fails rather than blocks when the
// peer has stopped draining.
func (p *Port) Post(payload json.RawMessage) error {
	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}
	select {
	case p.send <- Message{Origin: p.origin, Payload: payload}:
		return nil
	case <-p.closed:
		return ErrPortClosed
	default:
		return errors.New("port buffer full")
	}
}

// Recv returns the inbound message channel.
func (p *Port) Recv() <-chan Message { return p.recv }

// Done returns a channel closed when either end closes the port.
func (p *Port) Done() <-chan struct{} { return p.closed }

// Origin returns the origin stamped on this end's outbound messages.
func (p *Port) Origin() string { return p.origin }

// RemoteOrigin returns the origin of the legitimate peer.
func (p *Port) RemoteOrigin() string { return p.remote }

// Close shuts down both directions. Idempotent.
func (p *Port) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}
