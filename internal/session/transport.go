package session

import (
	"context"
	"errors"
	"sync"

	"github.com/toolframe/toolframe/internal/protocol"
)

// ErrTransportClosed is returned when sending on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// eventBuffer bounds the per-session notification queue. Ticks arrive at
// human pace, so a full buffer means the stream consumer is gone.
const eventBuffer = 256

// Handler processes inbound protocol messages for a session. A nil response
// means the message was a notification and produced no reply.
type Handler interface {
	HandleMessage(ctx context.Context, sessionID string, req *protocol.Request) *protocol.Response
}

// Notification is an out-of-band message pushed over a session's event
// stream, ordered relative to other notifications on the same session.
type Notification struct {
	Level protocol.Level `json:"level"`
	Data  string         `json:"data"`
}

// Transport is the duplex channel for one session: inbound JSON-RPC bodies
// are dispatched through the handler, outbound notifications are queued for
// the SSE stream consumer.
type Transport struct {
	id      string
	handler Handler

	mu      sync.Mutex
	closed  bool
	events  chan Notification
	onClose func(cause string)
}

func newTransport(id string, handler Handler, onClose func(cause string)) *Transport {
	return &Transport{
		id:      id,
		handler: handler,
		events:  make(chan Notification, eventBuffer),
		onClose: onClose,
	}
}

// ID returns the session identifier this transport is bound to.
func (t *Transport) ID() string { return t.id }

// Handle dispatches one inbound request and returns the response, or nil
// for notifications.
func (t *Transport) Handle(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	return t.handler.HandleMessage(ctx, t.id, req), nil
}

// Notify queues a notification for the session's stream. Delivery order
// matches call order. A full buffer drops the notification and reports it,
// never blocks the caller.
func (t *Transport) Notify(level protocol.Level, data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	select {
	case t.events <- Notification{Level: level, Data: data}:
		return nil
	default:
		return errors.New("event buffer full")
	}
}

// Events returns the notification stream. The channel is closed when the
// transport closes.
func (t *Transport) Events() <-chan Notification { return t.events }

// Close tears the transport down and unregisters the session. Idempotent.
// The cause is recorded for metrics ("delete", "disconnect", "error").
func (t *Transport) Close(cause string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.events)
	onClose := t.onClose
	t.mu.Unlock()

	if onClose != nil {
		onClose(cause)
	}
	return nil
}
