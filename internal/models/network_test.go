package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNetwork_FindByID tests uuid resolution across every tree level.
func TestNetwork_FindByID(t *testing.T) {
	value, _ := newTestValue(t, TypeNumber)
	network := value.Device().Network()

	assert.Same(t, network, network.FindByID("net-1"))
	assert.Same(t, value.Device(), network.FindByID("dev-1"))
	assert.Same(t, value, network.FindByID("val-1"))
	assert.Same(t, value.ReportState(), network.FindByID("st-report"))
	assert.Same(t, value.ControlState(), network.FindByID("st-control"))
	assert.Nil(t, network.FindByID("unknown"))
}

// TestNetwork_RemoveByID tests peer-initiated removal of subtrees.
func TestNetwork_RemoveByID(t *testing.T) {
	value, sink := newTestValue(t, TypeNumber)
	network := value.Device().Network()

	var removed []string
	value.SetCallback(func(v *Value, event EventType) {
		if event == EventRemove {
			removed = append(removed, v.UUID)
		}
	})

	assert.True(t, network.RemoveByID("val-1"))
	assert.Nil(t, network.FindByID("val-1"))
	assert.Nil(t, network.FindByID("st-report"))
	assert.Equal(t, []string{"val-1"}, removed)

	// Peer-initiated removal answers a request, it must not queue one back.
	assert.Empty(t, sink.deletes)

	assert.False(t, network.RemoveByID("val-1"))
}

// TestNetwork_RemoveByID_NetworkRootStays tests that removing the network
// id fires its callback but never detaches the root.
func TestNetwork_RemoveByID_NetworkRootStays(t *testing.T) {
	value, _ := newTestValue(t, TypeNumber)
	network := value.Device().Network()

	var fired bool
	network.SetCallback(func(n *Network, event EventType) {
		fired = event == EventRemove
	})

	assert.True(t, network.RemoveByID("net-1"))

	assert.True(t, fired)
	assert.Same(t, network, network.FindByID("net-1"))
	assert.Len(t, network.Devices(), 1)
}

// TestDevice_Lookup tests name-based lookups.
func TestDevice_Lookup(t *testing.T) {
	value, _ := newTestValue(t, TypeNumber)
	network := value.Device().Network()

	device := network.Device("test-device")
	if assert.NotNil(t, device) {
		assert.Same(t, value, device.Value("test-value"))
	}
	assert.Nil(t, network.Device("missing"))
}
