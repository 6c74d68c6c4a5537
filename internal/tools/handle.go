package tools

import "sync"

// Handle is an explicit cancellable for a streaming tool's repeating action.
// It is registered with the session so teardown can stop the timer, and the
// timer goroutine cancels it itself on natural completion.
type Handle struct {
	once sync.Once
	done chan struct{}
}

// NewHandle creates an uncancelled handle.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Cancel stops the action. Safe to call from session teardown and from the
// action itself, any number of times.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.done) })
}

// Done returns a channel closed when the handle is cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancelled reports whether the handle has been cancelled.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
