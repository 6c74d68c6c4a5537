// Package guest runs a tool-UI document headlessly: inline scripts execute
// in a sandboxed goja VM with postMessage and console shims wired to the
// inner frame's port. It stands in for a real browser guest in tests, demos,
// and server-hosted proxies.
package guest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/protocol"
	"github.com/toolframe/toolframe/internal/sandbox"
)

// Harness executes one guest document against one port. All script
// execution and message dispatch happens on the Run goroutine; goja is not
// goroutine-safe.
type Harness struct {
	port   *sandbox.Port
	logger *logging.Logger

	vm        *goja.Runtime
	listeners []goja.Callable
}

// New creates a harness bound to the guest side of an inner frame's port.
func New(port *sandbox.Port, logger *logging.Logger) *Harness {
	return &Harness{port: port, logger: logger}
}

// Runner adapts the harness to the proxy's guest-runner hook.
func Runner(logger *logging.Logger) sandbox.GuestRunner {
	return func(doc string, port *sandbox.Port) error {
		return New(port, logger).Run(context.Background(), doc)
	}
}

// Run parses the document, executes its inline scripts, announces
// initialization, and then pumps inbound messages to registered listeners
// until the context or port closes.
func (h *Harness) Run(ctx context.Context, doc string) error {
	q, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return err
	}

	h.vm = goja.New()
	if err := h.setupGlobals(); err != nil {
		return err
	}

	q.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if _, external := sel.Attr("src"); external {
			return // external scripts are blocked by the injected CSP anyway
		}
		if _, err := h.vm.RunString(sel.Text()); err != nil {
			h.logger.Warn("guest script error", zap.Error(err))
		}
	})

	h.post(protocol.NewNotification(protocol.MethodInitialized, nil))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.port.Done():
			return nil
		case msg, ok := <-h.port.Recv():
			if !ok {
				return nil
			}
			h.dispatch(msg)
		}
	}
}

func (h *Harness) setupGlobals() error {
	// No host escape hatches inside the guest VM.
	h.vm.Set("require", goja.Undefined())
	h.vm.Set("process", goja.Undefined())

	console := h.vm.NewObject()
	console.Set("log", h.makeConsoleFunc(protocol.LevelInfo))
	console.Set("warn", h.makeConsoleFunc(protocol.LevelWarning))
	console.Set("error", h.makeConsoleFunc(protocol.LevelError))
	h.vm.Set("console", console)

	postMessage := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		payload, err := json.Marshal(call.Arguments[0].Export())
		if err != nil {
			h.logger.Warn("guest postMessage marshal failed", zap.Error(err))
			return goja.Undefined()
		}
		h.port.Post(payload)
		return goja.Undefined()
	}

	addEventListener := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 || call.Arguments[0].String() != "message" {
			return goja.Undefined()
		}
		if cb, ok := goja.AssertFunction(call.Arguments[1]); ok {
			h.listeners = append(h.listeners, cb)
		}
		return goja.Undefined()
	}

	window := h.vm.NewObject()
	parent := h.vm.NewObject()
	parent.Set("postMessage", postMessage)
	window.Set("parent", parent)
	window.Set("postMessage", postMessage)
	window.Set("addEventListener", addEventListener)
	h.vm.Set("window", window)
	h.vm.Set("postMessage", postMessage)
	h.vm.Set("addEventListener", addEventListener)
	return nil
}

func (h *Harness) makeConsoleFunc(level protocol.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		h.post(protocol.NewNotification(protocol.MethodLog, protocol.LogParams{
			Level:   level,
			Message: strings.Join(parts, " "),
		}))
		return goja.Undefined()
	}
}

func (h *Harness) dispatch(msg sandbox.Message) {
	if msg.Origin != h.port.RemoteOrigin() {
		return
	}
	var data interface{}
	if err := json.Unmarshal(msg.Payload, &data); err != nil {
		return
	}
	event := h.vm.NewObject()
	event.Set("data", h.vm.ToValue(data))
	event.Set("origin", msg.Origin)
	for _, cb := range h.listeners {
		if _, err := cb(goja.Undefined(), event); err != nil {
			h.logger.Warn("guest message handler error", zap.Error(err))
		}
	}
}

func (h *Harness) post(req *protocol.Request) {
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	h.port.Post(payload)
}
