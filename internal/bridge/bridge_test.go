package bridge

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
	"github.com/toolframe/toolframe/internal/sandbox"
)

const (
	hostOrigin  = "http://localhost:3000"
	proxyOrigin = "http://localhost:8001"
)

// fakeElement is an in-memory hosting surface.
type fakeElement struct {
	mu     sync.Mutex
	w, h   float64
	bw, bh float64
	src    string
}

func (e *fakeElement) Size() (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w, e.h
}

func (e *fakeElement) SetSize(w, h float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.w, e.h = w, h
}

func (e *fakeElement) BorderWidths() (float64, float64) { return e.bw, e.bh }

func (e *fakeElement) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src
}

func (e *fakeElement) SetSource(src string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.src = src
}

// proxyPeer drives the far end of the bridge's port like a sandbox proxy
// would.
type proxyPeer struct {
	t    *testing.T
	port *sandbox.Port
}

func (p *proxyPeer) send(method string, params interface{}) {
	p.t.Helper()
	payload, err := json.Marshal(protocol.NewNotification(method, params))
	require.NoError(p.t, err)
	require.NoError(p.t, p.port.Post(payload))
}

func (p *proxyPeer) recv() protocol.Request {
	p.t.Helper()
	select {
	case msg := <-p.port.Recv():
		var req protocol.Request
		require.NoError(p.t, json.Unmarshal(msg.Payload, &req))
		return req
	case <-time.After(time.Second):
		p.t.Fatal("timed out waiting for bridge message")
		return protocol.Request{}
	}
}

// connectedBridge returns a bridge past its proxy-ready handshake.
func connectedBridge(t *testing.T, element Element) (*Bridge, *proxyPeer) {
	t.Helper()
	if element == nil {
		element = &fakeElement{}
	}
	b := New(element, logging.NewNop())
	hostPort, proxyPort := sandbox.Pair(hostOrigin, proxyOrigin)
	peer := &proxyPeer{t: t, port: proxyPort}

	done := make(chan error, 1)
	go func() { done <- b.Connect(context.Background(), hostPort) }()
	peer.send(protocol.MethodProxyReady, nil)
	require.NoError(t, <-done)
	return b, peer
}

// TestConnectWaitsForProxyReady verifies Connect blocks until the proxy
// announces readiness.
func TestConnectWaitsForProxyReady(t *testing.T) {
	b := New(&fakeElement{}, logging.NewNop())
	hostPort, proxyPort := sandbox.Pair(hostOrigin, proxyOrigin)
	peer := &proxyPeer{t: t, port: proxyPort}

	done := make(chan error, 1)
	go func() { done <- b.Connect(context.Background(), hostPort) }()

	select {
	case err := <-done:
		t.Fatalf("connect returned before proxy-ready: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	peer.send(protocol.MethodProxyReady, nil)
	require.NoError(t, <-done)

	assert.ErrorIs(t, b.Connect(context.Background(), hostPort), ErrAlreadyConnected)
}

// TestConnectHonorsContext verifies a cancelled wait surfaces the context
// error.
func TestConnectHonorsContext(t *testing.T) {
	b := New(&fakeElement{}, logging.NewNop())
	hostPort, _ := sandbox.Pair(hostOrigin, proxyOrigin)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Connect(ctx, hostPort), context.DeadlineExceeded)
}

// TestHandlersRejectedAfterConnect verifies the registration window closes
// at Connect.
func TestHandlersRejectedAfterConnect(t *testing.T) {
	b := New(&fakeElement{}, logging.NewNop())
	require.NoError(t, b.OnMessage(func(json.RawMessage) {}))
	require.NoError(t, b.OnOpenLink(func(string) {}))
	require.NoError(t, b.OnLog(func(protocol.Level, string) {}))
	require.NoError(t, b.OnSizeChange(func(float64, float64) {}))
	require.NoError(t, b.OnInitialized(func() {}))

	hostPort, proxyPort := sandbox.Pair(hostOrigin, proxyOrigin)
	peer := &proxyPeer{t: t, port: proxyPort}
	done := make(chan error, 1)
	go func() { done <- b.Connect(context.Background(), hostPort) }()
	peer.send(protocol.MethodProxyReady, nil)
	require.NoError(t, <-done)

	assert.ErrorIs(t, b.OnMessage(func(json.RawMessage) {}), ErrHandlersAfterConnect)
	assert.ErrorIs(t, b.OnInitialized(func() {}), ErrHandlersAfterConnect)
}

// TestSendResourceExactlyOnce verifies the once-per-instance guard.
func TestSendResourceExactlyOnce(t *testing.T) {
	b, peer := connectedBridge(t, nil)

	res := UIResource{HTML: "<html></html>", Sandbox: "allow-popups"}
	require.NoError(t, b.SendSandboxResourceReady(res))

	req := peer.recv()
	assert.Equal(t, protocol.MethodResourceReady, req.Method)
	var params sandbox.ResourceReadyParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "<html></html>", params.HTML)
	assert.Equal(t, "allow-popups", params.Sandbox)

	assert.ErrorIs(t, b.SendSandboxResourceReady(res), ErrResourceAlreadySent)
}

// TestSendBeforeConnect verifies every send is refused on an unconnected
// bridge.
func TestSendBeforeConnect(t *testing.T) {
	b := New(&fakeElement{}, logging.NewNop())

	assert.ErrorIs(t, b.SendSandboxResourceReady(UIResource{}), ErrNotConnected)
	assert.ErrorIs(t, b.SendToolInput(context.Background(), nil), ErrNotConnected)
	assert.ErrorIs(t, b.SendToolResult(&protocol.ToolResult{}), ErrNotConnected)
	assert.ErrorIs(t, b.SendToolCancelled("x"), ErrNotConnected)
}

// TestToolInputWaitsForInitialized verifies input never races the guest's
// own setup.
func TestToolInputWaitsForInitialized(t *testing.T) {
	b, peer := connectedBridge(t, nil)

	sent := make(chan error, 1)
	go func() {
		sent <- b.SendToolInput(context.Background(), map[string]interface{}{"start": 3})
	}()

	select {
	case err := <-sent:
		t.Fatalf("input sent before guest initialized: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	peer.send(protocol.MethodInitialized, nil)
	require.NoError(t, <-sent)

	req := peer.recv()
	assert.Equal(t, protocol.MethodToolInput, req.Method)
}

// TestToolInputHonorsContext verifies the initialized wait is abortable.
func TestToolInputHonorsContext(t *testing.T) {
	b, _ := connectedBridge(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.SendToolInput(ctx, nil), context.DeadlineExceeded)
}

// TestResultAndCancelAreExclusive verifies a call reaches exactly one
// terminal state.
func TestResultAndCancelAreExclusive(t *testing.T) {
	t.Run("result first", func(t *testing.T) {
		b, peer := connectedBridge(t, nil)
		require.NoError(t, b.SendToolResult(protocol.TextResult("done")))
		assert.Equal(t, protocol.MethodToolResult, peer.recv().Method)

		assert.ErrorIs(t, b.SendToolCancelled("too late"), ErrAlreadyTerminal)
		assert.ErrorIs(t, b.SendToolResult(protocol.TextResult("again")), ErrAlreadyTerminal)
	})

	t.Run("cancel first", func(t *testing.T) {
		b, peer := connectedBridge(t, nil)
		require.NoError(t, b.SendToolCancelled("user abort"))

		req := peer.recv()
		assert.Equal(t, protocol.MethodToolCancelled, req.Method)
		var params protocol.ToolCancelledParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "user abort", params.Reason)

		assert.ErrorIs(t, b.SendToolResult(protocol.TextResult("done")), ErrAlreadyTerminal)
	})
}

// TestInitializedGateAndHandlerChain verifies the one-shot gate resolves
// once and the registered handler still sees later deliveries.
func TestInitializedGateAndHandlerChain(t *testing.T) {
	var mu sync.Mutex
	count := 0

	b := New(&fakeElement{}, logging.NewNop())
	require.NoError(t, b.OnInitialized(func() {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	hostPort, proxyPort := sandbox.Pair(hostOrigin, proxyOrigin)
	peer := &proxyPeer{t: t, port: proxyPort}
	done := make(chan error, 1)
	go func() { done <- b.Connect(context.Background(), hostPort) }()
	peer.send(protocol.MethodProxyReady, nil)
	require.NoError(t, <-done)

	peer.send(protocol.MethodInitialized, nil)
	peer.send(protocol.MethodInitialized, nil)
	require.NoError(t, b.SendToolInput(context.Background(), nil))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, time.Millisecond)
}

// TestDispatchRoutesGuestEvents verifies log, open-link, and opaque message
// routing.
func TestDispatchRoutesGuestEvents(t *testing.T) {
	var mu sync.Mutex
	var logs, links, opaque []string

	b := New(&fakeElement{}, logging.NewNop())
	require.NoError(t, b.OnLog(func(level protocol.Level, msg string) {
		mu.Lock()
		logs = append(logs, string(level)+":"+msg)
		mu.Unlock()
	}))
	require.NoError(t, b.OnOpenLink(func(url string) {
		mu.Lock()
		links = append(links, url)
		mu.Unlock()
	}))
	require.NoError(t, b.OnMessage(func(payload json.RawMessage) {
		mu.Lock()
		opaque = append(opaque, string(payload))
		mu.Unlock()
	}))

	hostPort, proxyPort := sandbox.Pair(hostOrigin, proxyOrigin)
	peer := &proxyPeer{t: t, port: proxyPort}
	done := make(chan error, 1)
	go func() { done <- b.Connect(context.Background(), hostPort) }()
	peer.send(protocol.MethodProxyReady, nil)
	require.NoError(t, <-done)

	peer.send(protocol.MethodLog, protocol.LogParams{Level: protocol.LevelWarning, Message: "careful"})
	peer.send(protocol.MethodOpenLink, protocol.OpenLinkParams{URL: "https://example.com"})
	peer.send("app/custom", map[string]interface{}{"k": "v"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(logs) == 1 && len(links) == 1 && len(opaque) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "warning:careful", logs[0])
	assert.Equal(t, "https://example.com", links[0])
	assert.Contains(t, opaque[0], "app/custom")
}

// TestForgedOriginIgnored verifies messages not stamped with the proxy's
// origin never dispatch.
func TestForgedOriginIgnored(t *testing.T) {
	received := make(chan struct{}, 1)
	b := New(&fakeElement{}, logging.NewNop())
	require.NoError(t, b.OnInitialized(func() { received <- struct{}{} }))

	hostPort, proxyPort := sandbox.Pair(hostOrigin, proxyOrigin)
	peer := &proxyPeer{t: t, port: proxyPort}
	done := make(chan error, 1)
	go func() { done <- b.Connect(context.Background(), hostPort) }()
	peer.send(protocol.MethodProxyReady, nil)
	require.NoError(t, <-done)

	forged := proxyPort.Tap("http://evil.example.com")
	payload, _ := json.Marshal(protocol.NewNotification(protocol.MethodInitialized, nil))
	require.NoError(t, forged.Post(payload))

	select {
	case <-received:
		t.Fatal("forged-origin message dispatched")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestResizeAnimatesToBorderBoxTarget verifies the element converges on the
// requested size plus borders.
func TestResizeAnimatesToBorderBoxTarget(t *testing.T) {
	element := &fakeElement{w: 100, h: 100, bw: 4, bh: 4}
	_, peer := connectedBridge(t, element)

	peer.send(protocol.MethodSizeChange, protocol.SizeChangeParams{Width: 300, Height: 200})

	assert.Eventually(t, func() bool {
		w, h := element.Size()
		return w == 304 && h == 204
	}, time.Second, 5*time.Millisecond)
}

// TestResizeSupersedes verifies a newer request wins over an in-flight
// animation.
func TestResizeSupersedes(t *testing.T) {
	element := &fakeElement{w: 100, h: 100}
	_, peer := connectedBridge(t, element)

	peer.send(protocol.MethodSizeChange, protocol.SizeChangeParams{Width: 500, Height: 500})
	peer.send(protocol.MethodSizeChange, protocol.SizeChangeParams{Width: 120, Height: 80})

	assert.Eventually(t, func() bool {
		w, h := element.Size()
		return w == 120 && h == 80
	}, time.Second, 5*time.Millisecond)

	// The final size must stay put once the superseding animation lands.
	time.Sleep(2 * resizeDuration)
	w, h := element.Size()
	assert.Equal(t, 120.0, w)
	assert.Equal(t, 80.0, h)
}

// TestLoadProxyIdempotent verifies only the first load assigns the source.
func TestLoadProxyIdempotent(t *testing.T) {
	element := &fakeElement{}

	assert.True(t, LoadProxy(element, "http://localhost:8001/sandbox"))
	assert.Equal(t, "http://localhost:8001/sandbox", element.Source())

	assert.False(t, LoadProxy(element, "http://localhost:8001/sandbox?again"))
	assert.Equal(t, "http://localhost:8001/sandbox", element.Source())
}
