package rpc

import (
	"encoding/json"
	"strconv"
	"time"
)

// JSON-RPC verbs understood by the peer.
const (
	VerbGet    = "GET"
	VerbPut    = "PUT"
	VerbPost   = "POST"
	VerbDelete = "DELETE"
)

// Entity types carried in meta blocks.
const (
	TypeNetwork = "network"
	TypeDevice  = "device"
	TypeValue   = "value"
	TypeState   = "state"
)

const (
	jsonrpcVersion = "2.0"
	metaVersion    = "2.0"

	// ErrorCode is the application error code returned in error acks.
	ErrorCode = -32020
)

// Meta identifies an entity on the wire. Every node of the tree carries one.
type Meta struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

// NewMeta returns a meta block for the given entity type and uuid.
func NewMeta(entityType, id string) Meta {
	return Meta{
		ID:      id,
		Type:    entityType,
		Version: metaVersion,
	}
}

// ParamsMeta carries per-request metadata, currently only the debug trace id.
type ParamsMeta struct {
	Trace string `json:"trace,omitempty"`
}

// Params is the parameter object of an outgoing request.
type Params struct {
	URL  string      `json:"url"`
	Data any         `json:"data,omitempty"`
	Meta *ParamsMeta `json:"meta,omitempty"`
}

// Request is an outgoing JSON-RPC request.
type Request struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

// Error is the error member of a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Response is an outgoing JSON-RPC response. The id is echoed verbatim so
// that peer-assigned numeric ids survive the round trip unchanged.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// StatePayload is the data object of a report or control request.
type StatePayload struct {
	Meta      Meta   `json:"meta"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

// NetworkPayload is the data object of a network announce request.
type NetworkPayload struct {
	Meta Meta   `json:"meta"`
	Name string `json:"name"`
}

// Envelope is the shape every inbound message is decoded into. Exactly one
// of Method, Result or Error is expected to be meaningful.
type Envelope struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  *IncomingParams `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IncomingParams is the parameter object of an inbound request.
type IncomingParams struct {
	URL  string          `json:"url"`
	Data json.RawMessage `json:"data,omitempty"`
	Meta *ParamsMeta     `json:"meta,omitempty"`
}

// IncomingData is the data object of an inbound PUT. A PUT addressed at a
// state carries Data; one addressed at a value carries Period and/or Delta.
type IncomingData struct {
	Meta      Meta   `json:"meta"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp,omitempty"`
	Period    string `json:"period,omitempty"`
	Delta     string `json:"delta,omitempty"`
}

// ResultBody is the result member of a peer response. Value is present when
// the peer confirms a GET we issued with the current remote state.
type ResultBody struct {
	Value *struct {
		Meta Meta   `json:"meta"`
		Data string `json:"data"`
	} `json:"value,omitempty"`
}

// IDString renders the envelope id as a correlation key. String ids are
// unquoted, any other JSON value is used as-is.
func (e *Envelope) IDString() string {
	if len(e.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		return s
	}
	return string(e.ID)
}

// TrailingUUID returns the last path segment of the params url, which is how
// the peer addresses entities.
func TrailingUUID(url string) string {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			return url[i+1:]
		}
	}
	return url
}

// Timestamp returns the wire timestamp for the current time.
func Timestamp() string {
	return FormatTimestamp(time.Now())
}

// FormatTimestamp renders t in the wire timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

// QuoteID wraps a plain string id as a raw JSON value, for responses built
// locally rather than echoed.
func QuoteID(id string) json.RawMessage {
	return json.RawMessage(strconv.Quote(id))
}
