package tools

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/protocol"
)

const (
	// operandLimit bounds add inputs to keep results exact in float64.
	operandLimit = 1e9

	// countdownMax bounds the streaming countdown start value.
	countdownMax = 100

	// CountdownResourceURI locates the countdown tool's UI document.
	CountdownResourceURI = "ui://countdown"
)

// countdownDocument is the countdown tool's UI. The inline script renders
// each tick it receives from the host; everything else is static markup.
const countdownDocument = `<!DOCTYPE html>
<html>
<head><title>Countdown</title></head>
<body>
<div id="value">-</div>
<script>
window.addEventListener("message", function (event) {
  var msg = event.data;
  if (msg && msg.method === "ui/tool-input") {
    console.log("countdown input received");
  }
});
window.parent.postMessage({jsonrpc: "2.0", method: "ui/size-change", params: {width: 240, height: 120}});
</script>
</body>
</html>
`

func (e *Engine) registerBuiltins() {
	e.RegisterResource(CountdownResourceURI, UIResource{HTML: countdownDocument})

	e.Register(protocol.Tool{
		Name:        "add",
		Description: "Add two numbers",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
	}, e.addTool)

	e.Register(protocol.Tool{
		Name:        "countdown",
		Description: "Count down from a start value, emitting one notification per second",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"start": map[string]interface{}{
					"type":    "integer",
					"minimum": 0,
					"maximum": countdownMax,
				},
			},
			"required": []string{"start"},
		},
		UIResourceURI: CountdownResourceURI,
	}, e.countdownTool)
}

// addTool is an immediate-result tool: validate, compute, return.
func (e *Engine) addTool(_ context.Context, _ string, args map[string]interface{}) (*protocol.ToolResult, error) {
	a, err := numberArg(args, "a")
	if err != nil {
		return nil, err
	}
	b, err := numberArg(args, "b")
	if err != nil {
		return nil, err
	}
	if a < -operandLimit || a > operandLimit || b < -operandLimit || b > operandLimit {
		return nil, fmt.Errorf("operands must be within ±%g", float64(operandLimit))
	}
	return protocol.TextResult(strconv.FormatFloat(a+b, 'f', -1, 64)), nil
}

// countdownTool acknowledges immediately, then emits start..0 followed by a
// single completion notification from a repeating timed action. The action
// resolves the current transport on every tick; a removed session stops the
// timer without surfacing an error anywhere.
func (e *Engine) countdownTool(_ context.Context, sessionID string, args map[string]interface{}) (*protocol.ToolResult, error) {
	start, err := numberArg(args, "start")
	if err != nil {
		return nil, err
	}
	n := int(start)
	if float64(n) != start || n < 0 || n > countdownMax {
		return nil, fmt.Errorf("start must be an integer between 0 and %d", countdownMax)
	}

	h := NewHandle()
	release, ok := e.track(sessionID, h)
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	go e.runCountdown(sessionID, n, h, release)

	return protocol.TextResult(fmt.Sprintf("counting down from %d", n)), nil
}

// runCountdown deregisters its handle on the way out so a session that
// issues many streaming calls does not pile up finished handles.
func (e *Engine) runCountdown(sessionID string, start int, h *Handle, release func()) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	defer release()
	defer h.Cancel()

	current := start
	for {
		select {
		case <-h.Done():
			return
		case <-ticker.C:
			if current >= 0 {
				if !e.emit(sessionID, protocol.LevelInfo, strconv.Itoa(current)) {
					return
				}
				current--
				continue
			}
			e.emit(sessionID, protocol.LevelInfo, "completed")
			e.logger.Debug("countdown finished",
				zap.String("session_id", sessionID),
				zap.Int("start", start),
			)
			return
		}
	}
}

func numberArg(args map[string]interface{}, key string) (float64, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing required argument: %s", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("argument %s must be a number", key)
	}
}
