// Package agent owns the listening side of the plugin protocol.
//
// Ownership boundary:
// - the TCP listener, accept admission and per-connection handshakes
// - the pairing registry and the dispatcher that turns pairs into sessions
// - session bootstrap against the configured source and capability resolver
// - process lifecycle: signals, metrics endpoint and coordinated shutdown
//
// The agent never blocks the pairing path on plugin I/O; bootstrap runs on
// its own goroutine per session.
package agent
