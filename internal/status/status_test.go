package status

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// TestStatus_Transitions tests that transitions are observable and reach
// the callback in order.
func TestStatus_Transitions(t *testing.T) {
	s := New(zerolog.Nop())
	assert.Equal(t, Starting, s.Get())

	var seen []Type
	s.SetCallback(func(next Type) {
		seen = append(seen, next)
	})

	s.Set(Connecting)
	s.Set(Connected)
	s.Set(Running)

	assert.Equal(t, Running, s.Get())
	assert.Equal(t, []Type{Connecting, Connected, Running}, seen)
}

// TestStatus_RemoveCallback tests that a nil callback disables delivery.
func TestStatus_RemoveCallback(t *testing.T) {
	s := New(zerolog.Nop())
	called := false
	s.SetCallback(func(Type) { called = true })
	s.SetCallback(nil)

	s.Set(Running)

	assert.False(t, called)
	assert.Equal(t, Running, s.Get())
}
