// Package remoting is the plugin side of the agent protocol.
//
// Ownership boundary:
// - dialing the comm and data connections with the shared correlation id
// - serving agent requests against a DataSource
// - log notifications back to the agent
// - writing sample bytes to the data stream after each readSingle ack
//
// Requests are served one at a time in arrival order.
package remoting
