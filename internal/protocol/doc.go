// Package protocol owns the comm-stream wire contract.
//
// Ownership boundary:
// - JSON-RPC 2.0 envelope shapes (request, response, notification)
// - inbound message classification
// - method names and wire timestamp format
//
// Framing lives in protocol/frame; the connection preamble lives in
// protocol/handshake.
package protocol
