package protocol

// ToolUIMimeType marks a resource content part as a tool-UI document.
// Reading a UI resource must yield exactly one part of this type.
const ToolUIMimeType = "application/vnd.tool-ui+html"

// Level classifies an out-of-band notification.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// InitializeParams is the client half of the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	ClientInfo      PartyInfo              `json:"clientInfo"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
}

// InitializeResult is the server half of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string    `json:"protocolVersion"`
	ServerInfo      PartyInfo `json:"serverInfo"`
}

// PartyInfo names one end of the handshake.
type PartyInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool describes a named, schema-described server operation. UIResourceURI
// is set when the tool has an associated tool-UI document.
type Tool struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	InputSchema   map[string]interface{} `json:"inputSchema"`
	UIResourceURI string                 `json:"uiResourceUri,omitempty"`
}

// ListToolsResult is the tools/list payload.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the tools/call payload.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// CSPConfig declares the network and resource reach a tool-UI document is
// allowed. Omitted directives fall back to the restrictive defaults, never
// to "no restriction".
type CSPConfig struct {
	ConnectDomains  []string `json:"connectDomains,omitempty"`
	ResourceDomains []string `json:"resourceDomains,omitempty"`
}

// Content is one part of a tool result or resource read.
type Content struct {
	Type     string     `json:"type"`
	Text     string     `json:"text,omitempty"`
	MimeType string     `json:"mimeType,omitempty"`
	URI      string     `json:"uri,omitempty"`
	CSP      *CSPConfig `json:"csp,omitempty"`
}

// ToolResult is the terminal payload of a tool invocation.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult builds a single-part text result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// ReadResourceParams is the resources/read payload.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult carries resource contents. A tool-UI read yields
// exactly one part of ToolUIMimeType.
type ReadResourceResult struct {
	Contents []Content `json:"contents"`
}

// NotificationParams is the notifications/message payload pushed over a
// session's event stream.
type NotificationParams struct {
	Level Level  `json:"level"`
	Data  string `json:"data"`
}

// LogParams is the ui/log payload emitted by a guest UI.
type LogParams struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// SizeChangeParams is the ui/size-change payload requesting a host resize.
type SizeChangeParams struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// OpenLinkParams is the ui/open-link payload.
type OpenLinkParams struct {
	URL string `json:"url"`
}

// ToolCancelledParams is the ui/tool-cancelled payload.
type ToolCancelledParams struct {
	Reason string `json:"reason"`
}
