// Package session owns one paired plugin connection after dispatch.
//
// Ownership boundary:
// - comm stream framing, request id allocation and response correlation
// - plugin log notifications routed to the host logger
// - the data stream and the bytes that follow each readSingle ack
// - teardown of both streams when either one fails
//
// The agent is the JSON-RPC client and the plugin is the server. Calls may be
// pipelined from many goroutines; responses are matched by id only.
package session
