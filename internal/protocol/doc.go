// Package protocol defines the JSON-RPC 2.0 wire format shared by the
// session transport, the tool engine, the HTTP client, and the sandbox
// bridge. The envelope shapes are a given; this package only conforms to
// them, it does not extend them.
package protocol
