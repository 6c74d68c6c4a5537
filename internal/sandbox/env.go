package sandbox

import (
	"errors"
	"fmt"
	"sync"
)

// SecurityError is the refusal an isolated frame receives when touching the
// top window. It is the expected, confirming outcome of the proxy's
// isolation self-test.
type SecurityError struct {
	Op string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security error: blocked access to %s", e.Op)
}

// IsSecurityError reports whether err is a security refusal.
func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// InnerFrame is the nested frame hosting untrusted guest content.
type InnerFrame interface {
	// Port returns the message channel to the frame's content.
	Port() *Port
	// SetSandbox replaces the frame's sandbox permission tokens.
	SetSandbox(attrs string)
	// LoadHTML loads a document into the frame, srcdoc-style.
	LoadHTML(doc string) error
}

// Env abstracts the embedding context the proxy runs in, so the proxy
// lifecycle is exercisable without a real browser.
type Env interface {
	// IsTop reports whether the proxy's own window is the top window.
	IsTop() bool
	// Referrer returns the embedding document's referrer.
	Referrer() string
	// TouchTop attempts a privileged operation against the top window.
	// Isolation holding manifests as a SecurityError.
	TouchTop() error
	// CreateInner creates the inner frame with the given sandbox tokens.
	CreateInner(sandboxAttrs string) (InnerFrame, error)
}

// GuestRunner executes a loaded guest document against the guest side of an
// inner frame's port. Wired in by the caller so this package stays free of
// any script-engine dependency.
type GuestRunner func(doc string, port *Port) error

// HeadlessEnv is an Env for server-hosted proxies. It models a correctly
// configured embedding: not the top window, cross-origin to it.
type HeadlessEnv struct {
	EmbedReferrer string
	GuestOrigin   string
	ProxyOrigin   string
	RunGuest      GuestRunner

	mu    sync.Mutex
	inner *headlessInner
}

// IsTop always reports false: a headless proxy is by construction embedded.
func (e *HeadlessEnv) IsTop() bool { return false }

func (e *HeadlessEnv) Referrer() string { return e.EmbedReferrer }

// TouchTop refuses: the headless environment has no reachable top window.
func (e *HeadlessEnv) TouchTop() error {
	return &SecurityError{Op: "top.document"}
}

func (e *HeadlessEnv) CreateInner(sandboxAttrs string) (InnerFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inner != nil {
		return nil, errors.New("inner frame already created")
	}
	proxySide, guestSide := Pair(e.ProxyOrigin, e.GuestOrigin)
	e.inner = &headlessInner{
		port:      proxySide,
		guestPort: guestSide,
		sandbox:   sandboxAttrs,
		run:       e.RunGuest,
	}
	return e.inner, nil
}

type headlessInner struct {
	mu        sync.Mutex
	port      *Port
	guestPort *Port
	sandbox   string
	run       GuestRunner
}

func (f *headlessInner) Port() *Port { return f.port }

func (f *headlessInner) SetSandbox(attrs string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandbox = attrs
}

// Sandbox returns the current sandbox tokens, for tests and diagnostics.
func (f *headlessInner) Sandbox() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sandbox
}

func (f *headlessInner) LoadHTML(doc string) error {
	f.mu.Lock()
	run := f.run
	port := f.guestPort
	f.mu.Unlock()
	if run == nil {
		return nil
	}
	go func() {
		if err := run(doc, port); err != nil {
			port.Close()
		}
	}()
	return nil
}
