// Package orchestrator drives tool invocations end to end: it races the
// server-side call against the UI resource fetch, stands up a bridge when
// the tool has a UI, and attaches exactly one terminal continuation per
// call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/bridge"
	"github.com/toolframe/toolframe/internal/client"
	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/protocol"
	"github.com/toolframe/toolframe/internal/shared/id"
)

// ErrUnknownCall is returned by Cancel for call ids the orchestrator is not
// tracking.
var ErrUnknownCall = errors.New("unknown tool call")

// ToolCaller is the server access the orchestrator needs, satisfied by the
// protocol client.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*protocol.ToolResult, error)
	ReadResource(ctx context.Context, uri string) (*client.UIResourceData, error)
}

// ToolBridge is the UI surface for one invocation, satisfied by
// bridge.Bridge.
type ToolBridge interface {
	SendSandboxResourceReady(res bridge.UIResource) error
	SendToolInput(ctx context.Context, args map[string]interface{}) error
	SendToolResult(result *protocol.ToolResult) error
	SendToolCancelled(reason string) error
	Close()
}

// BridgeFactory creates a connected bridge for a tool UI. The factory owns
// handler registration and Connect; the orchestrator only sends.
type BridgeFactory func(ctx context.Context, callID id.CallID) (ToolBridge, error)

// Renderer receives the plain-text projection of a terminal result for
// tools without a UI.
type Renderer interface {
	RenderText(callID id.CallID, text string)
	RenderError(callID id.CallID, message string)
}

// State tracks a call's lifecycle.
type State int

const (
	StatePending State = iota
	StateFulfilled
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ToolCallInfo is a snapshot of one tracked invocation.
type ToolCallInfo struct {
	ID    id.CallID
	Tool  string
	HasUI bool
	State State
}

type toolCall struct {
	info   ToolCallInfo
	cancel context.CancelFunc

	// uiReady is closed once UI setup has resolved either way: bridge
	// attached and fed, or setup definitively failed. Nil for plain calls.
	uiReady chan struct{}

	mu       sync.Mutex
	terminal sync.Once
	bridge   ToolBridge
}

// Orchestrator coordinates tool calls for one session.
type Orchestrator struct {
	caller    ToolCaller
	bridges   BridgeFactory
	renderer  Renderer
	logger    *logging.Logger
	sanitizer *bluemonday.Policy

	mu    sync.Mutex
	calls map[id.CallID]*toolCall
}

// New creates an orchestrator. The bridge factory may be nil when no UI
// host exists; UI tools then degrade to plain rendering.
func New(caller ToolCaller, bridges BridgeFactory, renderer Renderer, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		caller:    caller,
		bridges:   bridges,
		renderer:  renderer,
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
		calls:     make(map[id.CallID]*toolCall),
	}
}

// Invoke starts a tool call and returns immediately with its id. The
// server call always starts; when the tool declares a UI resource, the
// resource fetch and bridge setup run concurrently with it. Exactly one
// terminal continuation fires per call, and it is held until any UI setup
// resolves: a result that beats the bridge is delivered through the bridge
// once attached, and falls back to plain rendering only after setup has
// definitively failed.
func (o *Orchestrator) Invoke(ctx context.Context, tool protocol.Tool, args map[string]interface{}) (id.CallID, error) {
	callID := id.NewCallID()
	callCtx, cancel := context.WithCancel(ctx)

	call := &toolCall{
		info: ToolCallInfo{
			ID:    callID,
			Tool:  tool.Name,
			HasUI: tool.UIResourceURI != "" && o.bridges != nil,
		},
		cancel: cancel,
	}
	if call.info.HasUI {
		call.uiReady = make(chan struct{})
	}

	o.mu.Lock()
	o.calls[callID] = call
	o.mu.Unlock()

	o.logger.Info("tool call started",
		zap.String("call_id", callID.String()),
		zap.String("tool", tool.Name),
		zap.Bool("has_ui", call.info.HasUI),
	)

	resultCh := make(chan *protocol.ToolResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := o.caller.CallTool(callCtx, tool.Name, args)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	if call.info.HasUI {
		go o.setupUI(callCtx, call, tool.UIResourceURI, args)
	}

	go func() {
		select {
		case result := <-resultCh:
			o.fulfil(call, result)
		case err := <-errCh:
			o.reject(call, err)
		case <-callCtx.Done():
			o.reject(call, callCtx.Err())
		}
	}()

	return callID, nil
}

// Cancel aborts an in-flight call. Already-terminal calls are a no-op.
func (o *Orchestrator) Cancel(callID id.CallID) error {
	o.mu.Lock()
	call, ok := o.calls[callID]
	o.mu.Unlock()
	if !ok {
		return ErrUnknownCall
	}
	call.cancel()
	o.reject(call, context.Canceled)
	return nil
}

// Info returns the current snapshot for a call.
func (o *Orchestrator) Info(callID id.CallID) (ToolCallInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	call, ok := o.calls[callID]
	if !ok {
		return ToolCallInfo{}, false
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.info, true
}

// setupUI fetches the tool-UI document and connects a bridge while the
// server call runs. Any failure degrades the call to plain rendering
// instead of failing the invocation. The terminal continuation holds the
// outcome until this resolves, so a server call that returns first still
// lands in the guest UI instead of leaking to the plain renderer.
func (o *Orchestrator) setupUI(ctx context.Context, call *toolCall, uri string, args map[string]interface{}) {
	defer close(call.uiReady)

	res, err := o.caller.ReadResource(ctx, uri)
	if err != nil {
		o.logger.Warn("ui resource fetch failed, falling back to text",
			zap.String("call_id", call.info.ID.String()),
			zap.Error(err),
		)
		return
	}

	b, err := o.bridges(ctx, call.info.ID)
	if err != nil {
		o.logger.Warn("bridge setup failed, falling back to text",
			zap.String("call_id", call.info.ID.String()),
			zap.Error(err),
		)
		return
	}

	call.mu.Lock()
	call.bridge = b
	call.mu.Unlock()

	if err := b.SendSandboxResourceReady(bridge.UIResource{HTML: res.HTML, CSP: res.CSP}); err != nil {
		o.logger.Warn("resource handoff failed", zap.Error(err))
		return
	}
	if err := b.SendToolInput(ctx, args); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("tool input delivery failed", zap.Error(err))
	}
}

// awaitUI blocks until UI setup has resolved for calls that started one.
// Callers on the rejection path must cancel the call context first so a
// setup still in flight unwinds instead of being waited out.
func (o *Orchestrator) awaitUI(call *toolCall) {
	if call.uiReady != nil {
		<-call.uiReady
	}
}

func (o *Orchestrator) fulfil(call *toolCall, result *protocol.ToolResult) {
	call.terminal.Do(func() {
		o.awaitUI(call)

		call.mu.Lock()
		call.info.State = StateFulfilled
		b := call.bridge
		call.mu.Unlock()

		if b != nil {
			if err := b.SendToolResult(result); err != nil {
				o.logger.Warn("result delivery failed", zap.Error(err))
			}
			return
		}
		o.renderPlain(call.info.ID, result)
	})
}

func (o *Orchestrator) reject(call *toolCall, cause error) {
	call.terminal.Do(func() {
		o.awaitUI(call)

		call.mu.Lock()
		call.info.State = StateCancelled
		b := call.bridge
		call.mu.Unlock()

		reason := "cancelled"
		if cause != nil && !errors.Is(cause, context.Canceled) {
			reason = cause.Error()
		}

		if b != nil {
			if err := b.SendToolCancelled(reason); err != nil {
				o.logger.Warn("cancellation delivery failed", zap.Error(err))
			}
		} else if o.renderer != nil {
			o.renderer.RenderError(call.info.ID, reason)
		}
		o.logger.Info("tool call cancelled",
			zap.String("call_id", call.info.ID.String()),
			zap.String("reason", reason),
		)
	})
}

// renderPlain projects a result to sanitized text for calls without a UI.
// Markup in text parts is stripped, never interpreted.
func (o *Orchestrator) renderPlain(callID id.CallID, result *protocol.ToolResult) {
	if o.renderer == nil {
		return
	}
	if result.IsError {
		o.renderer.RenderError(callID, o.flatten(result))
		return
	}
	o.renderer.RenderText(callID, o.flatten(result))
}

func (o *Orchestrator) flatten(result *protocol.ToolResult) string {
	parts := make([]string, 0, len(result.Content))
	for _, part := range result.Content {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		parts = append(parts, o.sanitizer.Sanitize(part.Text))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("(no text content in %d parts)", len(result.Content))
	}
	return strings.Join(parts, "\n")
}

// Release stops tracking a terminal call and closes its bridge.
func (o *Orchestrator) Release(callID id.CallID) {
	o.mu.Lock()
	call, ok := o.calls[callID]
	delete(o.calls, callID)
	o.mu.Unlock()
	if !ok {
		return
	}
	call.cancel()
	call.mu.Lock()
	b := call.bridge
	call.mu.Unlock()
	if b != nil {
		b.Close()
	}
}
