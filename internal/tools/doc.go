// Package tools implements the tool execution engine: a registry of named,
// schema-described operations dispatched against a session's transport.
//
// Immediate tools validate, compute, and return. Streaming tools return an
// acknowledgement and then emit notifications from a repeating timed action
// that resolves the current transport on every tick. A session disappearing
// mid-stream degrades to stopping the timer, never to an error.
package tools
