package protocol

import "errors"

var (
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	ErrVersionMismatch = errors.New("protocol: jsonrpc version mismatch")
	ErrInvalidParams   = errors.New("protocol: invalid params")
	ErrInvalidTime     = errors.New("protocol: invalid timestamp")
)

// JSON-RPC error codes. CodeServerFailure is what plugins report for any
// exception raised by their data source.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerFailure  = -1
)
