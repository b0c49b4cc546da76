package models

// EventType describes why an entity callback fired.
type EventType string

// Events delivered to entity callbacks.
const (
	EventSet     EventType = "set"
	EventRefresh EventType = "refresh"
	EventRemove  EventType = "remove"
)

// Sink is the outbound side of the tree: every message a mutation produces
// is handed to it. The connection layer implements it; tests substitute it.
type Sink interface {
	// EnqueueReport queues a report of new state data for transmission.
	EnqueueReport(networkID, deviceID, valueID, stateID, data, timestamp string)

	// EnqueueControlGet queues a GET asking the peer for the current data
	// of a control state.
	EnqueueControlGet(networkID, deviceID, valueID, stateID string)

	// EnqueueDelete queues a delete request for the deepest entity given.
	// Empty trailing ids shorten the target path.
	EnqueueDelete(networkID, deviceID, valueID, stateID string)
}

// nopSink swallows everything, so a tree is usable before it is attached
// to a connection.
type nopSink struct{}

func (nopSink) EnqueueReport(networkID, deviceID, valueID, stateID, data, timestamp string) {}
func (nopSink) EnqueueControlGet(networkID, deviceID, valueID, stateID string)             {}
func (nopSink) EnqueueDelete(networkID, deviceID, valueID, stateID string)                 {}
