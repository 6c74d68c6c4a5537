// Package session owns the mapping from opaque session identifier to an
// active bidirectional transport.
//
// The Registry is the sole mutator of the session map. Entries are created
// by the initialize handshake and removed in exactly two ways: the transport
// closing (client disconnect or protocol error) or an explicit DELETE.
// Lookups for different sessions never contend; mutating operations on one
// session's transport are serialized by a per-entry lock.
package session
