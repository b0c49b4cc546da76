package models

import "sync"

// StateType distinguishes the two sides of a value.
type StateType string

// State roles on the wire.
const (
	StateReport  StateType = "Report"
	StateControl StateType = "Control"
)

// State is the report-side or control-side data holder of a value. Data is
// always the string-serialized representation regardless of the value type.
type State struct {
	UUID string
	Type StateType

	mu        sync.Mutex
	data      string
	timestamp string
	parent    *Value
	callback  func(*State, EventType)
}

// NewState creates a State with the given initial data and timestamp.
func NewState(uuid string, stateType StateType, data, timestamp string) *State {
	return &State{
		UUID:      uuid,
		Type:      stateType,
		data:      data,
		timestamp: timestamp,
	}
}

// Value returns the owning value.
func (s *State) Value() *Value {
	return s.parent
}

// Data returns the current state data.
func (s *State) Data() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Timestamp returns the time of the last update in wire format.
func (s *State) Timestamp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}

// SetData stores new data and its timestamp.
func (s *State) SetData(data, timestamp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.timestamp = timestamp
}

// SetCallback registers the state event callback.
func (s *State) SetCallback(callback func(*State, EventType)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = callback
}

// Delete sends a delete request for this state and detaches it from its
// value.
func (s *State) Delete() {
	v := s.parent
	if v == nil {
		return
	}
	d := v.Device()
	n := d.Network()
	n.Sink().EnqueueDelete(n.UUID, d.UUID, v.UUID, s.UUID)
	v.detachState(s)
}

// HandleDelete fires the state callback with the remove event.
func (s *State) HandleDelete() {
	s.mu.Lock()
	callback := s.callback
	s.mu.Unlock()
	if callback != nil {
		callback(s, EventRemove)
	}
}
