package client

import (
	"errors"
	"sync"
	"time"
)

// ErrServerUnavailable is returned while the breaker refuses traffic after
// repeated server failures.
var ErrServerUnavailable = errors.New("server temporarily unavailable")

// breakerState tracks whether requests flow, probe, or are refused.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

// breakerOptions tunes the failure threshold and recovery cadence.
type breakerOptions struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

func defaultBreakerOptions() breakerOptions {
	return breakerOptions{
		FailureThreshold: 5,
		Cooldown:         15 * time.Second,
	}
}

// breaker guards the client's HTTP surface so a dead or flapping server is
// detected locally instead of burning retries on every call. Transport-level
// failures count against it; protocol-level errors do not, since the server
// answering at all means it is healthy.
type breaker struct {
	opts breakerOptions

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(opts breakerOptions) *breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultBreakerOptions().FailureThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultBreakerOptions().Cooldown
	}
	return &breaker{opts: opts}
}

// allow reports whether a request may proceed. In the half-open state only
// one probe is admitted at a time.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(b.openedAt) < b.opts.Cooldown {
			return ErrServerUnavailable
		}
		b.state = breakerHalfOpen
		b.probing = true
		return nil
	case breakerHalfOpen:
		if b.probing {
			return ErrServerUnavailable
		}
		b.probing = true
		return nil
	}
	return nil
}

// record feeds a request outcome back. Success closes the breaker; failure
// in any state reopens it.
func (b *breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if !failed {
		b.state = breakerClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.opts.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
		b.failures = 0
	}
}

// do wraps one transport attempt with admission and outcome recording.
func (b *breaker) do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err != nil)
	return err
}
