package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/protocol"
	"github.com/toolframe/toolframe/internal/sandbox"
)

var (
	// ErrHandlersAfterConnect enforces registration-before-connect.
	ErrHandlersAfterConnect = errors.New("handlers must be registered before connect")
	// ErrNotConnected is returned by send operations before Connect.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("bridge already connected")
	// ErrResourceAlreadySent guards the once-per-instance resource load.
	ErrResourceAlreadySent = errors.New("sandbox resource already sent")
	// ErrAlreadyTerminal guards the mutual exclusion of result and
	// cancellation.
	ErrAlreadyTerminal = errors.New("tool call already terminated")
)

const (
	resizeDuration = 150 * time.Millisecond
	resizeSteps    = 10
)

// Element is the hosting surface for the sandbox frame. BorderWidths are
// added to requested sizes to account for border-box sizing.
type Element interface {
	Size() (width, height float64)
	SetSize(width, height float64)
	BorderWidths() (horizontal, vertical float64)
	Source() string
	SetSource(src string)
}

// UIResource is the guest document handed to the sandbox.
type UIResource struct {
	HTML    string
	Sandbox string
	CSP     *protocol.CSPConfig
}

// Bridge manages one tool-UI instance.
type Bridge struct {
	logger  *logging.Logger
	element Element

	mu           sync.Mutex
	connected    bool
	resourceSent bool
	terminal     bool
	port         *sandbox.Port
	resizeGen    int

	proxyReady  chan struct{}
	readyOnce   sync.Once
	initialized chan struct{}
	initOnce    sync.Once

	onMessage     func(payload json.RawMessage)
	onOpenLink    func(url string)
	onLog         func(level protocol.Level, message string)
	onSizeChange  func(width, height float64)
	onInitialized func()
}

// New creates an unconnected bridge for the given hosting element.
func New(element Element, logger *logging.Logger) *Bridge {
	return &Bridge{
		logger:      logger,
		element:     element,
		proxyReady:  make(chan struct{}),
		initialized: make(chan struct{}),
	}
}

// OnMessage registers the handler for opaque guest messages.
func (b *Bridge) OnMessage(fn func(payload json.RawMessage)) error {
	return b.setHandler(func() { b.onMessage = fn })
}

// OnOpenLink registers the handler for guest link-open requests. The
// handler must open the URL in a new, non-opener, no-referrer context and
// never navigate the host's own window.
func (b *Bridge) OnOpenLink(fn func(url string)) error {
	return b.setHandler(func() { b.onOpenLink = fn })
}

// OnLog registers the handler for guest log events.
func (b *Bridge) OnLog(fn func(level protocol.Level, message string)) error {
	return b.setHandler(func() { b.onLog = fn })
}

// OnSizeChange registers an observer for guest resize requests. The bridge
// resizes the hosting element itself; the observer is informational.
func (b *Bridge) OnSizeChange(fn func(width, height float64)) error {
	return b.setHandler(func() { b.onSizeChange = fn })
}

// OnInitialized registers the handler for the guest's initialized signal.
// The bridge's own one-shot gate resolves first, then this handler runs for
// that and any later delivery.
func (b *Bridge) OnInitialized(fn func()) error {
	return b.setHandler(func() { b.onInitialized = fn })
}

func (b *Bridge) setHandler(set func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return ErrHandlersAfterConnect
	}
	set()
	return nil
}

// Connect attaches the bridge to the proxy transport and waits for the
// proxy's readiness announcement. Handlers registered after this point are
// rejected.
func (b *Bridge) Connect(ctx context.Context, port *sandbox.Port) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}
	b.connected = true
	b.port = port
	b.mu.Unlock()

	go b.read(port)

	select {
	case <-b.proxyReady:
		return nil
	case <-port.Done():
		return sandbox.ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendSandboxResourceReady hands the guest document to the sandbox. Only
// valid once per tool-UI instance, after Connect.
func (b *Bridge) SendSandboxResourceReady(res UIResource) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	if b.resourceSent {
		b.mu.Unlock()
		return ErrResourceAlreadySent
	}
	b.resourceSent = true
	b.mu.Unlock()

	return b.post(protocol.MethodResourceReady, sandbox.ResourceReadyParams{
		HTML:    res.HTML,
		Sandbox: res.Sandbox,
		CSP:     res.CSP,
	})
}

// SendToolInput delivers the invocation input to the guest. It waits for
// the guest's initialized signal so input never races the guest's own
// setup.
func (b *Bridge) SendToolInput(ctx context.Context, args map[string]interface{}) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case <-b.initialized:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.post(protocol.MethodToolInput, args)
}

// SendToolResult delivers the fulfilled result. Mutually exclusive with
// SendToolCancelled.
func (b *Bridge) SendToolResult(result *protocol.ToolResult) error {
	if err := b.markTerminal(); err != nil {
		return err
	}
	return b.post(protocol.MethodToolResult, result)
}

// SendToolCancelled delivers the terminal cancellation. Mutually exclusive
// with SendToolResult.
func (b *Bridge) SendToolCancelled(reason string) error {
	if err := b.markTerminal(); err != nil {
		return err
	}
	return b.post(protocol.MethodToolCancelled, protocol.ToolCancelledParams{Reason: reason})
}

// Close shuts down the underlying port.
func (b *Bridge) Close() {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port != nil {
		port.Close()
	}
}

func (b *Bridge) markTerminal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	if b.terminal {
		return ErrAlreadyTerminal
	}
	b.terminal = true
	return nil
}

func (b *Bridge) post(method string, params interface{}) error {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()

	payload, err := json.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		return err
	}
	return port.Post(payload)
}

func (b *Bridge) read(port *sandbox.Port) {
	for {
		select {
		case <-port.Done():
			return
		case msg, ok := <-port.Recv():
			if !ok {
				return
			}
			if msg.Origin != port.RemoteOrigin() {
				continue
			}
			b.dispatch(msg.Payload)
		}
	}
}

func (b *Bridge) dispatch(payload json.RawMessage) {
	var req protocol.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Debug("bridge dropped unparseable message", zap.Error(err))
		return
	}

	switch req.Method {
	case protocol.MethodProxyReady:
		b.readyOnce.Do(func() { close(b.proxyReady) })

	case protocol.MethodInitialized:
		// One-shot gate resolves exactly once; the registered handler is
		// chained through so later deliveries behave as before.
		b.initOnce.Do(func() { close(b.initialized) })
		if b.onInitialized != nil {
			b.onInitialized()
		}

	case protocol.MethodLog:
		var params protocol.LogParams
		if err := json.Unmarshal(req.Params, &params); err == nil && b.onLog != nil {
			b.onLog(params.Level, params.Message)
		}

	case protocol.MethodOpenLink:
		var params protocol.OpenLinkParams
		if err := json.Unmarshal(req.Params, &params); err == nil && b.onOpenLink != nil {
			b.onOpenLink(params.URL)
		}

	case protocol.MethodSizeChange:
		var params protocol.SizeChangeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return
		}
		b.resize(params.Width, params.Height)
		if b.onSizeChange != nil {
			b.onSizeChange(params.Width, params.Height)
		}

	default:
		if b.onMessage != nil {
			b.onMessage(payload)
		}
	}
}

// resize animates the hosting element from its current size to the
// requested one, adding border widths for border-box sizing. A newer
// request supersedes an in-flight animation.
func (b *Bridge) resize(width, height float64) {
	bw, bh := b.element.BorderWidths()
	targetW, targetH := width+bw, height+bh

	b.mu.Lock()
	b.resizeGen++
	gen := b.resizeGen
	b.mu.Unlock()

	startW, startH := b.element.Size()
	go func() {
		interval := resizeDuration / resizeSteps
		for step := 1; step <= resizeSteps; step++ {
			time.Sleep(interval)
			b.mu.Lock()
			superseded := gen != b.resizeGen
			b.mu.Unlock()
			if superseded {
				return
			}
			frac := float64(step) / resizeSteps
			b.element.SetSize(
				startW+(targetW-startW)*frac,
				startH+(targetH-startH)*frac,
			)
		}
	}()
}

// LoadProxy assigns the sandbox proxy source to a hosting element. Loading
// an element that already has a source is a no-op reported as "not first
// time", so double-invocation environments never run a second handshake.
func LoadProxy(element Element, src string) (first bool) {
	if element.Source() != "" {
		return false
	}
	element.SetSource(src)
	return true
}
