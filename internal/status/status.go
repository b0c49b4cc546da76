// Package status tracks the lifecycle state of the client and broadcasts
// transitions to an optional sink.
package status

import (
	"sync"

	"github.com/rs/zerolog"
)

// Type is a lifecycle state of the client runtime.
type Type string

// All lifecycle states, in the order they are normally entered.
const (
	Starting      Type = "Starting"
	Connecting    Type = "Connecting"
	Connected     Type = "Connected"
	Initializing  Type = "Initializing"
	Running       Type = "Running"
	Reconnecting  Type = "Reconnecting"
	Disconnecting Type = "Disconnecting"
)

// Callback receives every status transition.
type Callback func(Type)

// Status holds the current lifecycle state and notifies a callback on change.
type Status struct {
	mu       sync.Mutex
	current  Type
	callback Callback
	logger   zerolog.Logger
}

// New creates a Status starting in the Starting state.
func New(logger zerolog.Logger) *Status {
	return &Status{
		current: Starting,
		logger:  logger,
	}
}

// SetCallback registers the transition sink. Passing nil removes it.
func (s *Status) SetCallback(callback Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = callback
}

// Get returns the current state.
func (s *Status) Get() Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set transitions to the given state and invokes the callback.
func (s *Status) Set(t Type) {
	s.mu.Lock()
	s.current = t
	callback := s.callback
	s.mu.Unlock()

	s.logger.Debug().Str("status", string(t)).Msg("Status changed")
	if callback != nil {
		callback(t)
	}
}
