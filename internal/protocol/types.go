package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Method names understood by data-source plugins.
const (
	MethodGetAPIVersion   = "getApiVersion"
	MethodSetContext      = "setContext"
	MethodGetCatalogIDs   = "getCatalogIds"
	MethodGetCatalog      = "getCatalog"
	MethodGetTimeRange    = "getTimeRange"
	MethodGetAvailability = "getAvailability"
	MethodReadSingle      = "readSingle"

	MethodLog = "log"
	// MethodReadData is sent by plugins as an id-less request for another
	// resource's data, answered on the data stream.
	MethodReadData = "readData"
)

// Kind classifies one inbound comm message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is the union of every JSON-RPC envelope carried on comm.
// Result keeps a JSON null as the literal "null" so presence can be told
// apart from absence.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Wire result shapes.

type APIVersionResult struct {
	APIVersion int `json:"apiVersion"`
}

type CatalogIDsResult struct {
	CatalogIDs []string `json:"catalogIds"`
}

type CatalogResult struct {
	Catalog json.RawMessage `json:"catalog"`
}

type TimeRangeResult struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

type AvailabilityResult struct {
	Availability float64 `json:"availability"`
}

// ContextParams is the second setContext argument; the first is the source type.
type ContextParams struct {
	ResourceLocator     string            `json:"resourceLocator,omitempty"`
	SourceConfiguration map[string]string `json:"sourceConfiguration,omitempty"`
}
