// Package sandbox implements the isolation boundary for untrusted tool-UI
// documents: an outer proxy frame that self-verifies its isolation, hosts
// the guest document in an inner frame with an injected Content-Security-
// Policy, and relays messages bidirectionally between host and guest.
//
// The browser postMessage boundary is modelled as Port pairs carrying
// origin-stamped payloads, and the embedding context as an Env the proxy
// probes during initialization. The proxy fails closed: any guard or
// self-test anomaly lands it in the terminal Failed state before a single
// byte of guest content is loaded.
package sandbox
