// Package bridge is the host-side surface for a sandboxed tool UI: it
// manages the handshake with the sandbox proxy/guest pair, sends tool
// input, results, and cancellations, and receives guest-originated events
// (resize, log, open-link).
//
// Ordering is enforced: every inbound handler must be registered before
// Connect, otherwise the guest's first messages could be lost.
package bridge
