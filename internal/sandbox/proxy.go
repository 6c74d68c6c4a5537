package sandbox

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/infrastructure/monitoring"
	"github.com/toolframe/toolframe/internal/protocol"
)

// State is the proxy lifecycle position. Failed is terminal and reachable
// from every state.
type State int

const (
	StateUnverified State = iota
	StateVerifiedIsolated
	StateAwaitingResource
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateVerifiedIsolated:
		return "verified-isolated"
	case StateAwaitingResource:
		return "awaiting-resource"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotEmbedded means the proxy's window is the top window.
	ErrNotEmbedded = errors.New("sandbox proxy must run inside a frame")
	// ErrReferrerDenied means the embedding document is not allow-listed.
	ErrReferrerDenied = errors.New("embedding referrer not allowed")
	// ErrIsolationBreach means the privileged top-window probe succeeded:
	// the sandbox configuration is broken and nothing may be loaded.
	ErrIsolationBreach = errors.New("isolation self-test reached the top window")
	// ErrAlreadyStarted means Initialize was called twice.
	ErrAlreadyStarted = errors.New("sandbox proxy already initialized")
)

// BaselineSandboxAttrs is the conservative default permission set for the
// inner frame. Per-invocation widening may add tokens but never drops below
// this baseline.
const BaselineSandboxAttrs = "allow-scripts allow-same-origin allow-forms"

// ResourceReadyParams is the payload of the one intercepted control message.
type ResourceReadyParams struct {
	HTML    string              `json:"html"`
	Sandbox string              `json:"sandbox,omitempty"`
	CSP     *protocol.CSPConfig `json:"csp,omitempty"`
}

// Config holds proxy configuration.
type Config struct {
	// AllowedReferrers are prefixes the embedding referrer must match.
	AllowedReferrers []string
}

// Proxy is the outer frame: it verifies its own isolation, creates the
// inner frame, and relays messages between parent and guest while
// intercepting exactly one control message type.
type Proxy struct {
	cfg     Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu     sync.Mutex
	state  State
	parent *Port
	inner  InnerFrame
	done   chan struct{}
}

// NewProxy creates a proxy in the Unverified state.
func NewProxy(cfg Config, logger *logging.Logger) *Proxy {
	return &Proxy{
		cfg:    cfg,
		logger: logger,
		state:  StateUnverified,
		done:   make(chan struct{}),
	}
}

// WithMetrics attaches a metrics collector.
func (p *Proxy) WithMetrics(m *monitoring.Metrics) *Proxy {
	p.metrics = m
	return p
}

// State returns the current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Initialize runs the guards and the isolation self-test, creates the inner
// frame, announces readiness to the parent, and starts the relay. Any guard
// failure is terminal: the proxy refuses to operate rather than degrade.
func (p *Proxy) Initialize(env Env, parent *Port) error {
	p.mu.Lock()
	if p.state != StateUnverified {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.mu.Unlock()

	if env.IsTop() {
		return p.fail(ErrNotEmbedded)
	}
	if !p.referrerAllowed(env.Referrer()) {
		return p.fail(ErrReferrerDenied)
	}

	// Isolation self-test: the privileged operation succeeding means the
	// frame boundary is not real. Only a security refusal confirms
	// isolation; any other outcome fails closed.
	err := env.TouchTop()
	if err == nil {
		return p.fail(ErrIsolationBreach)
	}
	if !IsSecurityError(err) {
		return p.fail(err)
	}

	p.setState(StateVerifiedIsolated)

	inner, err := env.CreateInner(BaselineSandboxAttrs)
	if err != nil {
		return p.fail(err)
	}

	p.mu.Lock()
	p.parent = parent
	p.inner = inner
	p.state = StateAwaitingResource
	p.mu.Unlock()

	ready := protocol.NewNotification(protocol.MethodProxyReady, nil)
	payload, _ := json.Marshal(ready)
	if err := parent.Post(payload); err != nil {
		return p.fail(err)
	}

	go p.relay()
	return nil
}

// Close stops the relay.
func (p *Proxy) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// relay forwards every message between parent and inner frame verbatim,
// except the one reserved resource-ready control message from the parent.
// Messages from any other origin are discarded silently.
func (p *Proxy) relay() {
	parent := p.parent
	inner := p.inner.Port()

	for {
		select {
		case <-p.done:
			return
		case <-parent.Done():
			return
		case msg, ok := <-parent.Recv():
			if !ok {
				return
			}
			if msg.Origin != parent.RemoteOrigin() {
				p.discard(msg.Origin)
				continue
			}
			if p.interceptResource(msg.Payload) {
				continue
			}
			p.forward(inner, msg.Payload, "host_to_guest")
		case msg, ok := <-inner.Recv():
			if !ok {
				return
			}
			if msg.Origin != inner.RemoteOrigin() {
				p.discard(msg.Origin)
				continue
			}
			p.forward(parent, msg.Payload, "guest_to_host")
		}
	}
}

// interceptResource handles the reserved control message. Returns false for
// every other payload so it is relayed untouched.
func (p *Proxy) interceptResource(payload json.RawMessage) bool {
	var req protocol.Request
	if err := json.Unmarshal(payload, &req); err != nil || req.Method != protocol.MethodResourceReady {
		return false
	}

	var params ResourceReadyParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.logger.Warn("malformed resource-ready payload", zap.Error(err))
		return true
	}

	p.mu.Lock()
	if p.state != StateAwaitingResource {
		p.mu.Unlock()
		p.logger.Warn("resource-ready ignored", zap.String("state", p.state.String()))
		return true
	}
	inner := p.inner
	p.mu.Unlock()

	if params.Sandbox != "" {
		inner.SetSandbox(MergeSandboxAttrs(BaselineSandboxAttrs, params.Sandbox))
	}

	var csp protocol.CSPConfig
	if params.CSP != nil {
		csp = *params.CSP
	}
	doc := InjectMeta(params.HTML, csp)

	if err := inner.LoadHTML(doc); err != nil {
		p.logger.Error("guest document load failed", zap.Error(err))
		p.fail(err)
		return true
	}
	p.setState(StateReady)
	return true
}

func (p *Proxy) forward(dst *Port, payload json.RawMessage, direction string) {
	if err := dst.Post(payload); err != nil {
		p.logger.Debug("relay drop", zap.String("direction", direction), zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.RelayMessages.WithLabelValues(direction).Inc()
	}
}

func (p *Proxy) discard(origin string) {
	if p.metrics != nil {
		p.metrics.RelayDiscarded.Inc()
	}
	p.logger.Debug("message from unexpected origin discarded", zap.String("origin", origin))
}

func (p *Proxy) referrerAllowed(referrer string) bool {
	for _, allowed := range p.cfg.AllowedReferrers {
		if allowed != "" && strings.HasPrefix(referrer, allowed) {
			return true
		}
	}
	return false
}

func (p *Proxy) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Proxy) fail(err error) error {
	p.setState(StateFailed)
	p.logger.Error("sandbox proxy failed closed", zap.Error(err))
	return err
}

// MergeSandboxAttrs unions two space-separated sandbox token strings,
// keeping the result sorted so merging is deterministic. The baseline
// tokens are always present in the output.
func MergeSandboxAttrs(baseline, extra string) string {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(baseline) {
		set[tok] = true
	}
	for _, tok := range strings.Fields(extra) {
		set[tok] = true
	}
	tokens := make([]string, 0, len(set))
	for tok := range set {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
