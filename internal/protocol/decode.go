package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Decode parses one frame payload and classifies it.
func Decode(payload []byte) (Message, Kind, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, KindInvalid, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if msg.JSONRPC != Version {
		return msg, KindInvalid, fmt.Errorf("%w: %q", ErrVersionMismatch, msg.JSONRPC)
	}
	kind := Classify(msg)
	if kind == KindInvalid {
		return msg, kind, fmt.Errorf("%w: neither request, response nor notification", ErrInvalidEnvelope)
	}
	return msg, kind, nil
}

// Classify reports which envelope shape msg has.
func Classify(msg Message) Kind {
	hasMethod := strings.TrimSpace(msg.Method) != ""
	hasResult := msg.Result != nil
	hasError := msg.Error != nil
	switch {
	case hasMethod && msg.ID != nil && !hasResult && !hasError:
		return KindRequest
	case hasMethod && msg.ID == nil && !hasResult && !hasError:
		return KindNotification
	case !hasMethod && msg.ID != nil && hasResult != hasError:
		return KindResponse
	default:
		return KindInvalid
	}
}

// DecodeParams unmarshals positional params into out, one pointer per slot.
// Missing trailing params are an error; extra params are ignored.
func DecodeParams(raw json.RawMessage, out ...any) error {
	var list []json.RawMessage
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	if len(list) < len(out) {
		return fmt.Errorf("%w: want %d params, got %d", ErrInvalidParams, len(out), len(list))
	}
	for i, dst := range out {
		if err := json.Unmarshal(list[i], dst); err != nil {
			return fmt.Errorf("%w: param %d: %v", ErrInvalidParams, i, err)
		}
	}
	return nil
}

// DecodeResult unmarshals a response result into out. A null result leaves
// out untouched.
func DecodeResult(msg Message, out any) error {
	if out == nil || msg.Result == nil || bytes.Equal(bytes.TrimSpace(msg.Result), nullResult) {
		return nil
	}
	return json.Unmarshal(msg.Result, out)
}

// DecodeLog extracts the level and text of a log notification. Levels may be
// sent by name or by their numeric ordinal.
func DecodeLog(msg Message) (string, string, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(msg.Params, &list); err != nil || len(list) < 2 {
		return "", "", fmt.Errorf("%w: log notification wants [level, message]", ErrInvalidParams)
	}
	var message string
	if err := json.Unmarshal(list[1], &message); err != nil {
		return "", "", fmt.Errorf("%w: log message: %v", ErrInvalidParams, err)
	}
	var level string
	if err := json.Unmarshal(list[0], &level); err == nil {
		return level, message, nil
	}
	var ordinal int
	if err := json.Unmarshal(list[0], &ordinal); err != nil {
		return "", "", fmt.Errorf("%w: log level: %v", ErrInvalidParams, err)
	}
	return levelName(ordinal), message, nil
}

var logLevelNames = []string{"Trace", "Debug", "Information", "Warning", "Error", "Critical"}

func levelName(ordinal int) string {
	if ordinal >= 0 && ordinal < len(logLevelNames) {
		return logLevelNames[ordinal]
	}
	return strconv.Itoa(ordinal)
}

// ParseTime accepts RFC 3339 with or without fractional seconds, and naive
// timestamps which are taken as UTC.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", raw, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
}
