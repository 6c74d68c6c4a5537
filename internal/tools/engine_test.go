package tools

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/protocol"
)

// fakeNotifier records notifications and signals each arrival.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
	seen   chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{seen: make(chan string, 64)}
}

func (f *fakeNotifier) Notify(_ protocol.Level, data string) error {
	f.mu.Lock()
	f.events = append(f.events, data)
	f.mu.Unlock()
	f.seen <- data
	return nil
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// testHarness binds an engine to a single fake session.
type testHarness struct {
	engine   *Engine
	notifier *fakeNotifier

	mu       sync.Mutex
	live     bool
	handles  []*Handle
	released int
}

func newTestHarness(t *testing.T, tick time.Duration) *testHarness {
	t.Helper()
	h := &testHarness{
		engine:   NewEngine(Config{CountdownTick: tick}, logging.NewNop()),
		notifier: newFakeNotifier(),
		live:     true,
	}
	h.engine.Bind(
		func(string) (Notifier, bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if !h.live {
				return nil, false
			}
			return h.notifier, true
		},
		func(_ string, handle *Handle) (func(), bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if !h.live {
				return nil, false
			}
			h.handles = append(h.handles, handle)
			return func() {
				h.mu.Lock()
				h.released++
				h.mu.Unlock()
			}, true
		},
	)
	return h
}

func (h *testHarness) kill() {
	h.mu.Lock()
	handles := h.handles
	h.live = false
	h.mu.Unlock()
	for _, handle := range handles {
		handle.Cancel()
	}
}

func callTool(t *testing.T, e *Engine, name string, args map[string]interface{}) *protocol.Response {
	t.Helper()
	req := protocol.NewRequest(json.RawMessage(`1`), protocol.MethodToolsCall,
		protocol.CallToolParams{Name: name, Arguments: args})
	return e.HandleMessage(context.Background(), "sess_test", req)
}

// TestInitializeHandshake verifies the engine answers initialize with the
// negotiated protocol version.
func TestInitializeHandshake(t *testing.T) {
	h := newTestHarness(t, time.Second)

	resp := h.engine.HandleMessage(context.Background(), "sess_test",
		protocol.NewRequest(json.RawMessage(`1`), protocol.MethodInitialize, nil))

	require.Nil(t, resp.Error)
	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)

	// The follow-up notification produces no response.
	assert.Nil(t, h.engine.HandleMessage(context.Background(), "sess_test",
		protocol.NewNotification(protocol.MethodInitialized, nil)))
}

// TestListToolsIncludesBuiltins verifies both builtin tools are advertised
// and the countdown declares its UI resource.
func TestListToolsIncludesBuiltins(t *testing.T) {
	h := newTestHarness(t, time.Second)

	byName := make(map[string]protocol.Tool)
	for _, def := range h.engine.List() {
		byName[def.Name] = def
	}

	require.Contains(t, byName, "add")
	require.Contains(t, byName, "countdown")
	assert.Empty(t, byName["add"].UIResourceURI)
	assert.Equal(t, CountdownResourceURI, byName["countdown"].UIResourceURI)
}

// TestAddTool verifies the immediate-result path and its validation.
func TestAddTool(t *testing.T) {
	h := newTestHarness(t, time.Second)

	resp := callTool(t, h.engine, "add", map[string]interface{}{"a": 2.0, "b": 3.0})
	require.Nil(t, resp.Error)

	var result protocol.ToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "5", result.Content[0].Text)

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing operand", map[string]interface{}{"a": 1.0}},
		{"non-numeric operand", map[string]interface{}{"a": 1.0, "b": "two"}},
		{"operand too large", map[string]interface{}{"a": 1e12, "b": 0.0}},
		{"operand too small", map[string]interface{}{"a": -1e12, "b": 0.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := callTool(t, h.engine, "add", tt.args)
			require.NotNil(t, resp.Error)
			assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
		})
	}
}

// TestUnknownToolAndMethod verifies dispatch failures map to the right
// protocol errors.
func TestUnknownToolAndMethod(t *testing.T) {
	h := newTestHarness(t, time.Second)

	resp := callTool(t, h.engine, "no-such-tool", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)

	resp = h.engine.HandleMessage(context.Background(), "sess_test",
		protocol.NewRequest(json.RawMessage(`1`), "bogus/method", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)

	// Unknown notifications are ignored rather than answered.
	assert.Nil(t, h.engine.HandleMessage(context.Background(), "sess_test",
		protocol.NewNotification("bogus/notification", nil)))
}

// TestReadCountdownResource verifies the UI read yields exactly one content
// part, typed as a tool-UI document.
func TestReadCountdownResource(t *testing.T) {
	h := newTestHarness(t, time.Second)

	resp := h.engine.HandleMessage(context.Background(), "sess_test",
		protocol.NewRequest(json.RawMessage(`1`), protocol.MethodResourcesRead,
			protocol.ReadResourceParams{URI: CountdownResourceURI}))
	require.Nil(t, resp.Error)

	var result protocol.ReadResourceResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Contents, 1)
	part := result.Contents[0]
	assert.Equal(t, protocol.ToolUIMimeType, part.MimeType)
	assert.Equal(t, CountdownResourceURI, part.URI)
	assert.Contains(t, part.Text, "<html>")

	resp = h.engine.HandleMessage(context.Background(), "sess_test",
		protocol.NewRequest(json.RawMessage(`2`), protocol.MethodResourcesRead,
			protocol.ReadResourceParams{URI: "ui://missing"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

// TestCountdownEmitsFullSequence verifies an immediate acknowledgment
// followed by start..0 and a single completion, in order.
func TestCountdownEmitsFullSequence(t *testing.T) {
	h := newTestHarness(t, 5*time.Millisecond)

	resp := callTool(t, h.engine, "countdown", map[string]interface{}{"start": 3.0})
	require.Nil(t, resp.Error)

	var result protocol.ToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Contains(t, result.Content[0].Text, "counting down from 3")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-h.notifier.seen:
			if data == "completed" {
				assert.Equal(t, []string{"3", "2", "1", "0", "completed"}, h.notifier.all())
				return
			}
		case <-deadline:
			t.Fatalf("countdown never completed, saw %v", h.notifier.all())
		}
	}
}

// TestCountdownReleasesHandleWhenDone verifies a naturally completed
// countdown deregisters its tracked handle instead of leaving it behind for
// session teardown.
func TestCountdownReleasesHandleWhenDone(t *testing.T) {
	h := newTestHarness(t, 5*time.Millisecond)

	resp := callTool(t, h.engine, "countdown", map[string]interface{}{"start": 1.0})
	require.Nil(t, resp.Error)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-h.notifier.seen:
			if data != "completed" {
				continue
			}
		case <-deadline:
			t.Fatal("countdown never completed")
		}
		break
	}

	h.mu.Lock()
	require.Len(t, h.handles, 1)
	handle := h.handles[0]
	h.mu.Unlock()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("handle not cancelled after completion")
	}

	// The release fires on the runner's way out, just after the final emit.
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.released == 1
	}, time.Second, 5*time.Millisecond)
}

// TestCountdownValidatesStart covers the boundary and shape checks.
func TestCountdownValidatesStart(t *testing.T) {
	h := newTestHarness(t, time.Millisecond)

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing start", map[string]interface{}{}},
		{"negative start", map[string]interface{}{"start": -1.0}},
		{"start above maximum", map[string]interface{}{"start": 101.0}},
		{"fractional start", map[string]interface{}{"start": 2.5}},
		{"non-numeric start", map[string]interface{}{"start": "ten"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := callTool(t, h.engine, "countdown", tt.args)
			require.NotNil(t, resp.Error)
			assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
		})
	}

	// Zero is a valid start: one "0" then completion.
	resp := callTool(t, h.engine, "countdown", map[string]interface{}{"start": 0.0})
	require.Nil(t, resp.Error)
}

// TestCountdownStopsWhenSessionGone verifies a removed session silently
// stops the timer instead of erroring anywhere.
func TestCountdownStopsWhenSessionGone(t *testing.T) {
	h := newTestHarness(t, 5*time.Millisecond)

	resp := callTool(t, h.engine, "countdown", map[string]interface{}{"start": 50.0})
	require.Nil(t, resp.Error)

	// Let a few ticks land, then tear the session down.
	<-h.notifier.seen
	<-h.notifier.seen
	h.kill()

	h.mu.Lock()
	require.Len(t, h.handles, 1)
	handle := h.handles[0]
	h.mu.Unlock()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("countdown kept running after session teardown")
	}
	assert.NotContains(t, h.notifier.all(), "completed")
}

// TestCountdownRejectsDeadSession verifies tracking failure surfaces as a
// call error before any timer starts.
func TestCountdownRejectsDeadSession(t *testing.T) {
	h := newTestHarness(t, time.Millisecond)
	h.kill()

	resp := callTool(t, h.engine, "countdown", map[string]interface{}{"start": 3.0})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

// TestHandleCancelIdempotent verifies double cancellation is safe.
func TestHandleCancelIdempotent(t *testing.T) {
	handle := NewHandle()
	assert.False(t, handle.Cancelled())
	handle.Cancel()
	handle.Cancel()
	assert.True(t, handle.Cancelled())
	select {
	case <-handle.Done():
	default:
		t.Fatal("done channel not closed after cancel")
	}
}
