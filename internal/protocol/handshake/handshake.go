// Package handshake parses the fixed 40-byte preamble every plugin connection
// sends before anything else: a 36-byte textual correlation id followed by a
// 4-byte role tag.
package handshake

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

const (
	IDLen   = 36
	RoleLen = 4

	DefaultTimeout = time.Second
)

var (
	ErrHandshakeTimeout     = errors.New("handshake: read timeout")
	ErrInvalidCorrelationID = errors.New("handshake: invalid correlation id")
	ErrUnknownRole          = errors.New("handshake: unknown role")
	ErrShortRead            = errors.New("handshake: connection closed during handshake")
)

// CorrelationID names one logical plugin session attempt.
type CorrelationID uuid.UUID

// ParseCorrelationID accepts only the canonical 36-character textual form.
func ParseCorrelationID(raw string) (CorrelationID, error) {
	if len(raw) != IDLen {
		return CorrelationID{}, fmt.Errorf("%w: length %d", ErrInvalidCorrelationID, len(raw))
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return CorrelationID{}, fmt.Errorf("%w: %v", ErrInvalidCorrelationID, err)
	}
	return CorrelationID(id), nil
}

// NewCorrelationID returns a random id, used by plugins opening a new session.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New())
}

func (id CorrelationID) String() string {
	return uuid.UUID(id).String()
}

func (id CorrelationID) Bytes() []byte {
	out := make([]byte, 16)
	copy(out, id[:])
	return out
}

// Role selects which slot of a pending pair a connection fills.
type Role uint8

const (
	RoleComm Role = iota + 1
	RoleData
)

const (
	tagComm = "comm"
	tagData = "data"
)

func ParseRole(raw string) (Role, error) {
	switch raw {
	case tagComm:
		return RoleComm, nil
	case tagData:
		return RoleData, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

func (r Role) String() string {
	switch r {
	case RoleComm:
		return tagComm
	case RoleData:
		return tagData
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Read consumes the preamble from conn. Each of the two reads gets its own
// deadline of timeout. On success the read deadline is cleared; on failure the
// caller owns closing conn.
func Read(conn net.Conn, timeout time.Duration) (CorrelationID, Role, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	idBuf := make([]byte, IDLen)
	if err := readExact(conn, idBuf, timeout); err != nil {
		return CorrelationID{}, 0, err
	}
	id, err := ParseCorrelationID(string(idBuf))
	if err != nil {
		return CorrelationID{}, 0, err
	}

	roleBuf := make([]byte, RoleLen)
	if err := readExact(conn, roleBuf, timeout); err != nil {
		return CorrelationID{}, 0, err
	}
	role, err := ParseRole(string(roleBuf))
	if err != nil {
		return CorrelationID{}, 0, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return CorrelationID{}, 0, err
	}
	return id, role, nil
}

// Write emits the preamble for id and role.
func Write(w io.Writer, id CorrelationID, role Role) error {
	tag := role.String()
	if len(tag) != RoleLen {
		return fmt.Errorf("%w: %d", ErrUnknownRole, uint8(role))
	}
	_, err := w.Write([]byte(id.String() + tag))
	return err
}

func readExact(conn net.Conn, buf []byte, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := io.ReadFull(conn, buf); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrShortRead
		}
		return err
	}
	return nil
}
