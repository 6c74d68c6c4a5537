package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried on every envelope.
const Version = "2.0"

// Core protocol methods.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesRead = "resources/read"
	MethodNotification  = "notifications/message"
)

// Reserved sandbox control methods. ProxyReady travels proxy->host once the
// outer frame has verified its isolation; ResourceReady travels host->proxy
// and is intercepted by the proxy, never forwarded to the guest.
const (
	MethodProxyReady    = "ui/sandbox-proxy-ready"
	MethodResourceReady = "ui/resource-ready"
)

// Bridge event methods exchanged between the host and a guest UI.
const (
	MethodToolInput     = "ui/tool-input"
	MethodToolResult    = "ui/tool-result"
	MethodToolCancelled = "ui/tool-cancelled"
	MethodSizeChange    = "ui/size-change"
	MethodOpenLink      = "ui/open-link"
	MethodLog           = "ui/log"
)

// Error codes. The -32000 code is reserved for unknown or missing sessions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInvalidSession = -32000
)

// Request is a JSON-RPC request or, when ID is absent, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the structured error member of a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with marshaled params. Marshal failures are
// programming errors and panic.
func NewRequest(id json.RawMessage, method string, params interface{}) *Request {
	return &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  mustMarshal(params),
	}
}

// NewNotification builds a request without an ID.
func NewNotification(method string, params interface{}) *Request {
	return NewRequest(nil, method, params)
}

// NewResponse builds a success response with marshaled result.
func NewResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  mustMarshal(result),
	}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// ParseRequest decodes a request body and validates the envelope.
func ParseRequest(body []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewErrorResponse(nil, CodeParseError, "parse error: "+err.Error())
	}
	if req.JSONRPC != Version {
		return nil, NewErrorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version")
	}
	if req.Method == "" {
		return nil, NewErrorResponse(req.ID, CodeInvalidRequest, "missing method")
	}
	return &req, nil
}

func mustMarshal(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal: %v", err))
	}
	return data
}
