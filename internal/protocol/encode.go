package protocol

import (
	"encoding/json"
	"time"
)

// TimeLayout is the wire format for instants; always UTC, second precision.
const TimeLayout = "2006-01-02T15:04:05Z"

var nullResult = json.RawMessage("null")

func NewRequest(id uint64, method string, params ...any) (Message, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

func NewNotification(method string, params ...any) (Message, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResultResponse encodes result; a nil result is sent as JSON null.
func NewResultResponse(id uint64, result any) (Message, error) {
	raw := nullResult
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return Message{}, err
		}
		raw = b
	}
	return Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

func NewErrorResponse(id uint64, code int, message string) Message {
	return Message{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: message}}
}

// NewLogNotification builds the plugin->agent log message.
func NewLogNotification(level string, message string) (Message, error) {
	return NewNotification(MethodLog, level, message)
}

// Encode marshals msg into one frame payload.
func Encode(msg Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	return json.Marshal(msg)
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func encodeParams(params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	return json.Marshal(params)
}
