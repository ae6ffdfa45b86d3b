package session

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol             = errors.New("session: protocol error")
	ErrSessionLost          = errors.New("session: connection lost")
	ErrSessionClosed        = errors.New("session: closed")
	ErrCapabilityResolution = errors.New("session: capability resolution failed")
	ErrVersionNotNegotiated = errors.New("session: api version not negotiated")
	ErrIncompatibleVersion  = errors.New("session: incompatible api version")
	ErrContextLocked        = errors.New("session: context already set")
	ErrContextNotSet        = errors.New("session: context not set")
	ErrNotBound             = errors.New("session: no capability bound")
	ErrAlreadyBound         = errors.New("session: capability already bound")
	ErrInvalidArgument      = errors.New("session: invalid argument")
)

// RemoteError is a JSON-RPC error object returned by the plugin for one call.
type RemoteError struct {
	Method  string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session: %s failed remotely (code=%d): %s", e.Method, e.Code, e.Message)
}
