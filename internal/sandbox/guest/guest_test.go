package guest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/protocol"
	"github.com/toolframe/toolframe/internal/sandbox"
)

func runDoc(t *testing.T, doc string) (*sandbox.Port, context.CancelFunc) {
	t.Helper()
	proxySide, guestSide := sandbox.Pair("http://localhost:8001", "null")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = New(guestSide, logging.NewNop()).Run(ctx, doc)
	}()
	t.Cleanup(cancel)
	return proxySide, cancel
}

func recvRequest(t *testing.T, port *sandbox.Port) protocol.Request {
	t.Helper()
	select {
	case msg := <-port.Recv():
		var req protocol.Request
		require.NoError(t, json.Unmarshal(msg.Payload, &req))
		return req
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for guest message")
		return protocol.Request{}
	}
}

// TestRunAnnouncesInitialized verifies scripts execute before the
// initialized signal is posted.
func TestRunAnnouncesInitialized(t *testing.T) {
	doc := `<html><head></head><body>
<script>window.parent.postMessage({jsonrpc:"2.0",method:"app/hello",params:{}});</script>
</body></html>`
	port, _ := runDoc(t, doc)

	first := recvRequest(t, port)
	assert.Equal(t, "app/hello", first.Method)

	second := recvRequest(t, port)
	assert.Equal(t, protocol.MethodInitialized, second.Method)
}

// TestConsoleForwardsAsLogNotifications verifies console output maps to
// ui/log with the matching level.
func TestConsoleForwardsAsLogNotifications(t *testing.T) {
	doc := `<html><body><script>
console.log("hello", 42);
console.warn("careful");
console.error("boom");
</script></body></html>`
	port, _ := runDoc(t, doc)

	want := []struct {
		level   protocol.Level
		message string
	}{
		{protocol.LevelInfo, "hello 42"},
		{protocol.LevelWarning, "careful"},
		{protocol.LevelError, "boom"},
	}
	for _, w := range want {
		req := recvRequest(t, port)
		require.Equal(t, protocol.MethodLog, req.Method)
		var params protocol.LogParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, w.level, params.Level)
		assert.Equal(t, w.message, params.Message)
	}
}

// TestMessageListenersReceiveHostEvents verifies inbound messages dispatch
// to registered listeners with data and origin.
func TestMessageListenersReceiveHostEvents(t *testing.T) {
	doc := `<html><body><script>
window.addEventListener("message", function (event) {
  window.parent.postMessage({jsonrpc:"2.0",method:"app/echo",params:{got: event.data.method, from: event.origin}});
});
</script></body></html>`
	port, _ := runDoc(t, doc)

	req := recvRequest(t, port)
	require.Equal(t, protocol.MethodInitialized, req.Method)

	payload, _ := json.Marshal(protocol.NewNotification(protocol.MethodToolInput, map[string]interface{}{"start": 3}))
	require.NoError(t, port.Post(payload))

	echo := recvRequest(t, port)
	require.Equal(t, "app/echo", echo.Method)
	var params map[string]interface{}
	require.NoError(t, json.Unmarshal(echo.Params, &params))
	assert.Equal(t, protocol.MethodToolInput, params["got"])
	assert.Equal(t, "http://localhost:8001", params["from"])
}

// TestExternalScriptsSkipped verifies src scripts never execute headlessly.
func TestExternalScriptsSkipped(t *testing.T) {
	doc := `<html><body>
<script src="https://evil.example.com/payload.js"></script>
<script>window.parent.postMessage({jsonrpc:"2.0",method:"app/inline",params:{}});</script>
</body></html>`
	port, _ := runDoc(t, doc)

	first := recvRequest(t, port)
	assert.Equal(t, "app/inline", first.Method)
}

// TestScriptErrorsAreNonFatal verifies a throwing script does not stop the
// harness from initializing.
func TestScriptErrorsAreNonFatal(t *testing.T) {
	doc := `<html><body>
<script>throw new Error("broken widget");</script>
<script>window.parent.postMessage({jsonrpc:"2.0",method:"app/alive",params:{}});</script>
</body></html>`
	port, _ := runDoc(t, doc)

	assert.Equal(t, "app/alive", recvRequest(t, port).Method)
	assert.Equal(t, protocol.MethodInitialized, recvRequest(t, port).Method)
}
