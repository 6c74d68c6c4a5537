package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/infrastructure/monitoring"
	"github.com/toolframe/toolframe/internal/protocol"
)

// ProtocolVersion is negotiated during the initialize handshake.
const ProtocolVersion = "2025-06-18"

// Notifier emits an out-of-band notification on a session's transport.
type Notifier interface {
	Notify(level protocol.Level, data string) error
}

// NotifierLookup resolves the current notifier for a session. Streaming
// tools call it on every tick instead of capturing a transport reference.
type NotifierLookup func(sessionID string) (Notifier, bool)

// TrackFunc registers a cancellable handle with a session for
// teardown-driven cancellation. The returned release deregisters the handle
// once its action finishes. It reports false when the session is gone.
type TrackFunc func(sessionID string, h *Handle) (release func(), ok bool)

// ToolFunc executes a tool call for a session.
type ToolFunc func(ctx context.Context, sessionID string, args map[string]interface{}) (*protocol.ToolResult, error)

// UIResource is a registered tool-UI document served via resources/read.
type UIResource struct {
	HTML string
	CSP  *protocol.CSPConfig
}

type registration struct {
	def protocol.Tool
	fn  ToolFunc
}

// Engine dispatches protocol messages for established sessions and executes
// registered tools against them. It implements the session handler contract.
type Engine struct {
	mu        sync.RWMutex
	tools     map[string]*registration
	resources map[string]UIResource

	lookup NotifierLookup
	track  TrackFunc

	tick    time.Duration
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// Config holds engine configuration.
type Config struct {
	// CountdownTick is the interval between streaming countdown emissions.
	CountdownTick time.Duration
}

// NewEngine creates an engine with the builtin tools registered. Bind must
// be called before any streaming tool runs.
func NewEngine(cfg Config, logger *logging.Logger) *Engine {
	tick := cfg.CountdownTick
	if tick <= 0 {
		tick = time.Second
	}
	e := &Engine{
		tools:     make(map[string]*registration),
		resources: make(map[string]UIResource),
		tick:      tick,
		logger:    logger,
	}
	e.registerBuiltins()
	return e
}

// WithMetrics attaches a metrics collector.
func (e *Engine) WithMetrics(m *monitoring.Metrics) *Engine {
	e.metrics = m
	return e
}

// Bind wires the engine to the session registry's lookup and tracking
// operations. Split from construction because the registry needs the engine
// as its message handler first.
func (e *Engine) Bind(lookup NotifierLookup, track TrackFunc) {
	e.lookup = lookup
	e.track = track
}

// Register adds a tool. A non-empty uiResourceURI associates a tool-UI
// document that must also be registered with RegisterResource.
func (e *Engine) Register(def protocol.Tool, fn ToolFunc) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[def.Name] = &registration{def: def, fn: fn}
	return nil
}

// RegisterResource serves a tool-UI document at the given URI.
func (e *Engine) RegisterResource(uri string, res UIResource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resources[uri] = res
}

// HandleMessage dispatches one protocol message for a session. Nil return
// means the message was a notification.
func (e *Engine) HandleMessage(ctx context.Context, sessionID string, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodInitialize:
		return protocol.NewResponse(req.ID, protocol.InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      protocol.PartyInfo{Name: "toolframe", Version: "1.0.0"},
		})

	case protocol.MethodInitialized:
		return nil

	case protocol.MethodToolsList:
		return protocol.NewResponse(req.ID, protocol.ListToolsResult{Tools: e.List()})

	case protocol.MethodToolsCall:
		var params protocol.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "malformed tools/call params")
		}
		result, err := e.CallTool(ctx, sessionID, params.Name, params.Arguments)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error())
		}
		return protocol.NewResponse(req.ID, result)

	case protocol.MethodResourcesRead:
		var params protocol.ReadResourceParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "malformed resources/read params")
		}
		return e.readResource(req.ID, params.URI)

	default:
		if req.IsNotification() {
			return nil
		}
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
}

// List returns the definitions of all registered tools.
func (e *Engine) List() []protocol.Tool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]protocol.Tool, 0, len(e.tools))
	for _, reg := range e.tools {
		defs = append(defs, reg.def)
	}
	return defs
}

// CallTool executes a named tool for a live session.
func (e *Engine) CallTool(ctx context.Context, sessionID, name string, args map[string]interface{}) (*protocol.ToolResult, error) {
	e.mu.RLock()
	reg, ok := e.tools[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	start := time.Now()
	result, err := reg.fn(ctx, sessionID, args)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.ToolCalls.WithLabelValues(name, status).Inc()
		e.metrics.ToolDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		e.logger.Warn("tool call failed",
			zap.String("tool", name),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	return result, err
}

// emit delivers one notification to the session's current transport. A
// missing session is reported as not-found so the caller stops; delivery
// failures on a live transport are logged and swallowed.
func (e *Engine) emit(sessionID string, level protocol.Level, data string) bool {
	notifier, ok := e.lookup(sessionID)
	if !ok {
		return false
	}
	if err := notifier.Notify(level, data); err != nil {
		if e.metrics != nil {
			e.metrics.NotificationsDropped.Inc()
		}
		e.logger.Debug("notification dropped",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return true
	}
	if e.metrics != nil {
		e.metrics.NotificationsTotal.WithLabelValues(string(level)).Inc()
	}
	return true
}

func (e *Engine) readResource(id json.RawMessage, uri string) *protocol.Response {
	e.mu.RLock()
	res, ok := e.resources[uri]
	e.mu.RUnlock()
	if !ok {
		return protocol.NewErrorResponse(id, protocol.CodeInvalidParams,
			fmt.Sprintf("unknown resource: %s", uri))
	}
	// Exactly one content part, explicitly typed as a tool-UI document.
	return protocol.NewResponse(id, protocol.ReadResourceResult{
		Contents: []protocol.Content{{
			Type:     "resource",
			URI:      uri,
			MimeType: protocol.ToolUIMimeType,
			Text:     res.HTML,
			CSP:      res.CSP,
		}},
	})
}
