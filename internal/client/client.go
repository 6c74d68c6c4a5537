// Package client is the host-side HTTP client for the protocol server:
// session bootstrap, tool calls, UI-resource reads, and the SSE
// notification stream.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/toolframe/toolframe/internal/infrastructure/logging"
	"github.com/toolframe/toolframe/internal/protocol"
)

// SessionHeader mirrors the server-side header constant.
const SessionHeader = "Mcp-Session-Id"

// ErrNoSession is returned when an operation needs a session before
// Initialize has run.
var ErrNoSession = errors.New("client has no session")

// UIResourceData is the immutable product of reading a tool's UI resource.
type UIResourceData struct {
	HTML string
	CSP  *protocol.CSPConfig
}

// Client talks to one protocol server on behalf of one session.
type Client struct {
	base      string
	http      *resty.Client
	fetch     *retryablehttp.Client
	guard     *breaker
	logger    *logging.Logger
	sessionID string
}

// New creates a client for the given base URL.
func New(base string, logger *logging.Logger) *Client {
	fetch := retryablehttp.NewClient()
	fetch.RetryMax = 3
	fetch.Logger = nil

	return &Client{
		base:   strings.TrimRight(base, "/"),
		http:   resty.New().SetBaseURL(strings.TrimRight(base, "/")),
		fetch:  fetch,
		guard:  newBreaker(defaultBreakerOptions()),
		logger: logger,
	}
}

// SessionID returns the session capability token, empty before Initialize.
func (c *Client) SessionID() string { return c.sessionID }

// Initialize performs the bootstrap handshake and captures the session id
// assigned by the server.
func (c *Client) Initialize(ctx context.Context) error {
	req := protocol.NewRequest(requestID(), protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: "2025-06-18",
		ClientInfo:      protocol.PartyInfo{Name: "toolframe-client", Version: "1.0.0"},
	})

	var resp protocol.Response
	httpResp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&resp).
		Post("/mcp")
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}

	sid := httpResp.Header().Get(SessionHeader)
	if sid == "" {
		return errors.New("initialize response missing session id")
	}
	c.sessionID = sid

	// The server expects the initialized notification before tool traffic.
	return c.notify(ctx, protocol.MethodInitialized, nil)
}

// ListTools fetches the server's tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	resp, err := c.call(ctx, protocol.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*protocol.ToolResult, error) {
	resp, err := c.call(ctx, protocol.MethodToolsCall, protocol.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	var result protocol.ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/call: %w", err)
	}
	return &result, nil
}

// ReadResource reads a tool-UI resource. The read must yield exactly one
// content part explicitly typed as a tool-UI document whose payload sniffs
// as HTML; anything else is a hard error.
func (c *Client) ReadResource(ctx context.Context, uri string) (*UIResourceData, error) {
	if c.sessionID == "" {
		return nil, ErrNoSession
	}

	body, err := json.Marshal(protocol.NewRequest(requestID(), protocol.MethodResourcesRead,
		protocol.ReadResourceParams{URI: uri}))
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+"/mcp", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, c.sessionID)

	var httpResp *http.Response
	if err := c.guard.do(func() error {
		var doErr error
		httpResp, doErr = c.fetch.Do(req)
		return doErr
	}); err != nil {
		return nil, fmt.Errorf("resources/read: %w", err)
	}
	defer httpResp.Body.Close()

	var resp protocol.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("resources/read: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result protocol.ReadResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("resources/read: %w", err)
	}
	if len(result.Contents) != 1 {
		return nil, fmt.Errorf("ui resource must have exactly one content part, got %d", len(result.Contents))
	}
	part := result.Contents[0]
	if part.MimeType != protocol.ToolUIMimeType {
		return nil, fmt.Errorf("unexpected ui resource content type: %s", part.MimeType)
	}
	if detected := mimetype.Detect([]byte(part.Text)); !detected.Is("text/html") {
		return nil, fmt.Errorf("ui resource payload does not look like HTML: %s", detected.String())
	}

	return &UIResourceData{HTML: part.Text, CSP: part.CSP}, nil
}

// Notifications opens the session's SSE stream and delivers parsed
// notification payloads until the context ends or the server closes the
// stream.
func (c *Client) Notifications(ctx context.Context) (<-chan protocol.NotificationParams, error) {
	if c.sessionID == "" {
		return nil, ErrNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/mcp", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(SessionHeader, c.sessionID)
	req.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.http.GetClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		httpResp.Body.Close()
		return nil, fmt.Errorf("stream: unexpected status %d", httpResp.StatusCode)
	}

	out := make(chan protocol.NotificationParams, 16)
	go func() {
		defer close(out)
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var note protocol.Request
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &note); err != nil {
				continue
			}
			if note.Method != protocol.MethodNotification {
				continue
			}
			var params protocol.NotificationParams
			if err := json.Unmarshal(note.Params, &params); err != nil {
				continue
			}
			select {
			case out <- params:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close explicitly terminates the session.
func (c *Client) Close(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetHeader(SessionHeader, c.sessionID).
		Delete("/mcp")
	if err == nil {
		c.logger.Debug("session closed", zap.String("session_id", c.sessionID))
		c.sessionID = ""
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (*protocol.Response, error) {
	if c.sessionID == "" {
		return nil, ErrNoSession
	}

	var resp protocol.Response
	err := c.guard.do(func() error {
		_, doErr := c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader(SessionHeader, c.sessionID).
			SetBody(protocol.NewRequest(requestID(), method, params)).
			SetResult(&resp).
			SetError(&resp).
			Post("/mcp")
		return doErr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &resp, nil
}

func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	if c.sessionID == "" {
		return ErrNoSession
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(SessionHeader, c.sessionID).
		SetBody(protocol.NewNotification(method, params)).
		Post("/mcp")
	return err
}

func requestID() json.RawMessage {
	id, _ := json.Marshal(uuid.NewString())
	return id
}
