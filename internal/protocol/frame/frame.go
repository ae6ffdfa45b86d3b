package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// HeaderLen is the size of the big-endian length prefix on every comm frame.
const HeaderLen = 4

var (
	ErrShortHeader     = errors.New("frame: short length header")
	ErrEmptyFrame      = errors.New("frame: zero length frame")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 16 * 1024 * 1024,
	}
}

// ReadFrame reads one length-prefixed payload. A clean EOF before any header
// byte is returned as io.EOF so callers can tell a closed stream from a torn one.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if limits.MaxPayloadBytes > 0 && size > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes header and payload in a single Write so concurrent writers
// serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if limits.MaxPayloadBytes > 0 && uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}
