package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/infrastructure/monitoring"
	"github.com/toolframe/toolframe/internal/protocol"
	"github.com/toolframe/toolframe/internal/shared/id"
)

var (
	// ErrInvalidSession is returned for any lookup of an unknown or missing
	// session id. A non-initialize POST never creates a session.
	ErrInvalidSession = errors.New("invalid session")
)

// Canceller stops a long-running action tied to a session, typically a
// streaming tool's repeating timer.
type Canceller interface {
	Cancel()
}

type entry struct {
	mu        sync.Mutex // serializes mutating operations on this session
	transport *Transport

	handleMu sync.Mutex
	handles  []Canceller
}

// Registry maps opaque session identifiers to live transports. It is the
// only mutator of the session map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	handler Handler
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewRegistry creates a registry dispatching inbound messages to handler.
func NewRegistry(handler Handler, logger *logging.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		handler:  handler,
		logger:   logger,
	}
}

// WithMetrics attaches a metrics collector.
func (r *Registry) WithMetrics(m *monitoring.Metrics) *Registry {
	r.metrics = m
	return r
}

// HandleInitialize accepts an initialize request body, creates a fresh
// session with an unpredictable id, registers its transport, and returns the
// handshake response. Any other message shape is rejected without creating
// a session.
func (r *Registry) HandleInitialize(ctx context.Context, body []byte) (string, *protocol.Response) {
	req, errResp := protocol.ParseRequest(body)
	if errResp != nil {
		return "", errResp
	}
	if req.Method != protocol.MethodInitialize {
		return "", protocol.NewErrorResponse(req.ID, protocol.CodeInvalidSession,
			"Bad Request: invalid session")
	}
	if req.IsNotification() {
		return "", protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest,
			"initialize requires an id")
	}

	sid := id.NewSessionID().String()
	e := &entry{}
	e.transport = newTransport(sid, r.handler, func(cause string) {
		r.remove(sid, cause)
	})

	r.mu.Lock()
	r.sessions[sid] = e
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsTotal.Inc()
		r.metrics.SessionsActive.Inc()
	}
	r.logger.Info("session created", zap.String("session_id", sid))

	resp, err := e.transport.Handle(ctx, req)
	if err != nil {
		return "", protocol.NewErrorResponse(req.ID, protocol.CodeInvalidSession,
			"Bad Request: invalid session")
	}
	return sid, resp
}

// HandlePost forwards a message body to the session's transport. Initialize
// must be the first message: re-sending it on an established session is a
// protocol error.
func (r *Registry) HandlePost(ctx context.Context, sessionID string, body []byte) (*protocol.Response, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	req, errResp := protocol.ParseRequest(body)
	if errResp != nil {
		return errResp, nil
	}
	if req.Method == protocol.MethodInitialize {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest,
			"initialize must be the first message on a session"), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.transport.Handle(ctx, req)
	if err != nil {
		return nil, ErrInvalidSession
	}
	return resp, nil
}

// Stream returns the transport for a long-lived notification stream.
func (r *Registry) Stream(sessionID string) (*Transport, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return e.transport, nil
}

// HandleDelete explicitly terminates a session. Removal happens through the
// transport's close hook, the same path a disconnect takes.
func (r *Registry) HandleDelete(sessionID string) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	return e.transport.Close("delete")
}

// Transport returns the current transport for a session id, if live. This
// is the lookup streaming tools perform on every tick so they never act
// through a captured reference.
func (r *Registry) Transport(sessionID string) (*Transport, bool) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, false
	}
	return e.transport, true
}

// Track registers a cancellable handle with a session so teardown stops it.
// The returned release deregisters the handle once its action finishes, so
// long-lived sessions do not accumulate dead handles. Reports false if the
// session is gone, in which case the caller must stop on its own.
func (r *Registry) Track(sessionID string, h Canceller) (func(), bool) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, false
	}
	e.handleMu.Lock()
	e.handles = append(e.handles, h)
	e.handleMu.Unlock()

	release := func() {
		e.handleMu.Lock()
		for i, tracked := range e.handles {
			if tracked == h {
				e.handles = append(e.handles[:i], e.handles[i+1:]...)
				break
			}
		}
		e.handleMu.Unlock()
	}
	return release, true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every session, used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	transports := make([]*Transport, 0, len(r.sessions))
	for _, e := range r.sessions {
		transports = append(transports, e.transport)
	}
	r.mu.RUnlock()

	for _, t := range transports {
		t.Close("shutdown")
	}
}

func (r *Registry) lookup(sessionID string) (*entry, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidSession
	}
	return e, nil
}

func (r *Registry) remove(sessionID, cause string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e.handleMu.Lock()
	handles := e.handles
	e.handles = nil
	e.handleMu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}

	if r.metrics != nil {
		r.metrics.SessionsActive.Dec()
		r.metrics.SessionsClosed.WithLabelValues(cause).Inc()
	}
	r.logger.Info("session removed",
		zap.String("session_id", sessionID),
		zap.String("cause", cause),
	)
}
