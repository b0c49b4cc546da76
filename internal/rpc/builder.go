package rpc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Builder constructs outgoing requests and assigns each one a request id
// unique within the session.
type Builder struct {
	session string

	mu    sync.Mutex
	count uint64
}

// NewBuilder creates a Builder with a fresh session prefix.
func NewBuilder() *Builder {
	return &Builder{
		session: strings.ReplaceAll(uuid.New().String(), "-", "")[:10],
	}
}

// NextID returns the next request id for the given verb.
func (b *Builder) NextID(verb string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
	return fmt.Sprintf("%s_%s_%d", b.session, verb, b.count)
}

func paramsMeta(traceID string) *ParamsMeta {
	if traceID == "" {
		return nil
	}
	return &ParamsMeta{Trace: traceID}
}

// StateRequest builds a report or control request for a single state.
func (b *Builder) StateRequest(verb, data, timestamp, networkID, deviceID, valueID, stateID, stateType, traceID string) *Request {
	url := fmt.Sprintf("/network/%s/device/%s/value/%s/state/%s",
		networkID, deviceID, valueID, stateID)

	var payload any
	if verb != VerbGet {
		if timestamp == "" {
			timestamp = Timestamp()
		}
		payload = &StatePayload{
			Meta:      NewMeta(TypeState, stateID),
			Type:      stateType,
			Status:    "Send",
			Data:      data,
			Timestamp: timestamp,
		}
	}

	return &Request{
		Jsonrpc: jsonrpcVersion,
		ID:      b.NextID(verb),
		Method:  verb,
		Params: Params{
			URL:  url,
			Data: payload,
			Meta: paramsMeta(traceID),
		},
	}
}

// NetworkRequest builds a network announce request, used on reconnect.
func (b *Builder) NetworkRequest(verb, networkID, name, traceID string) *Request {
	url := "/network"
	if verb == VerbPut {
		url = "/" + networkID
	}

	return &Request{
		Jsonrpc: jsonrpcVersion,
		ID:      b.NextID(verb),
		Method:  verb,
		Params: Params{
			URL: url,
			Data: &NetworkPayload{
				Meta: NewMeta(TypeNetwork, networkID),
				Name: name,
			},
			Meta: paramsMeta(traceID),
		},
	}
}

// DeleteRequest builds a delete request for the deepest entity given. Empty
// ids cut the url short, so deleting a whole value passes an empty stateID.
func (b *Builder) DeleteRequest(networkID, deviceID, valueID, stateID, traceID string) *Request {
	url := "/network/" + networkID
	if deviceID != "" {
		url += "/device/" + deviceID
		if valueID != "" {
			url += "/value/" + valueID
			if stateID != "" {
				url += "/state/" + stateID
			}
		}
	}

	return &Request{
		Jsonrpc: jsonrpcVersion,
		ID:      b.NextID(VerbDelete),
		Method:  VerbDelete,
		Params: Params{
			URL:  url,
			Meta: paramsMeta(traceID),
		},
	}
}

// WholeNetworkRequest builds the registration request announcing the full
// entity tree in one POST.
func (b *Builder) WholeNetworkRequest(document any, traceID string) *Request {
	return &Request{
		Jsonrpc: jsonrpcVersion,
		ID:      b.NextID(VerbPost),
		Method:  VerbPost,
		Params: Params{
			URL:  "/network",
			Data: document,
			Meta: paramsMeta(traceID),
		},
	}
}

// SuccessResponse builds a success ack echoing the given raw id.
func SuccessResponse(id []byte) *Response {
	return &Response{
		Jsonrpc: jsonrpcVersion,
		ID:      id,
		Result:  true,
	}
}

// ErrorResponse builds an error ack echoing the given raw id.
func ErrorResponse(id []byte, message string) *Response {
	return &Response{
		Jsonrpc: jsonrpcVersion,
		ID:      id,
		Error: &Error{
			Code:    ErrorCode,
			Message: message,
		},
	}
}
