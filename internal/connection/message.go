package connection

import "encoding/json"

// MessageKind selects the wire message an outgoing queue item encodes to.
type MessageKind int

// Outgoing message kinds.
const (
	KindSuccess MessageKind = iota
	KindError
	KindReport
	KindControlGet
	KindDelete
	KindReconnect
	KindTrace
	KindStored
)

// OutMessage is one item on the outgoing queue. Only the fields relevant to
// its kind are set.
type OutMessage struct {
	Kind MessageKind

	// Acks echo the raw id of the request they answer.
	RPCID json.RawMessage
	Text  string

	// State addressing for reports, control gets and deletes.
	NetworkID string
	DeviceID  string
	ValueID   string
	StateID   string
	Data      string
	Timestamp string
	TraceID   string

	// Raw passthrough replayed from the offline store.
	Raw json.RawMessage
}
