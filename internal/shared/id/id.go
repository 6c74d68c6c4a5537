// Package id provides centralized ID generation.
//
// Session, call, and request identifiers are prefixed ULIDs: lexicographically
// sortable, unpredictable (crypto entropy), and readable in logs. Session IDs
// double as opaque capability tokens, so the entropy source must be
// cryptographically secure.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies a live transport session.
type SessionID string

// CallID identifies a single tool invocation on the client.
type CallID string

// RequestID identifies a JSON-RPC request.
type RequestID string

const (
	SessionPrefix = "sess"
	CallPrefix    = "call"
	RequestPrefix = "req"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator backed by crypto/rand.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator with the given entropy source. Tests can
// pass a deterministic reader.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewSessionID generates a fresh session ID. IDs are never reused: every
// initialize handshake gets a new ULID even if an earlier session with the
// same client was just destroyed.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewCallID generates a tool invocation ID.
func NewCallID() CallID {
	return CallID(Default().GenerateWithPrefix(CallPrefix))
}

// NewRequestID generates a request ID.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id SessionID) String() string { return string(id) }
func (id CallID) String() string    { return string(id) }
func (id RequestID) String() string { return string(id) }

// IsValid checks that an ID carries the given prefix and a parseable ULID.
func IsValid(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.Parse(rest)
	return err == nil
}
