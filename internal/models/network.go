package models

import (
	"sync"

	"github.com/rs/zerolog"
)

// Network is the root of the entity tree. It owns the device collection and
// the reference to the outbound sink shared by every value beneath it.
type Network struct {
	UUID    string
	Name    string
	Version string

	mu       sync.Mutex
	devices  []*Device
	sink     Sink
	callback func(*Network, EventType)
	logger   zerolog.Logger
}

// NewNetwork creates a Network with no devices and a no-op sink.
func NewNetwork(uuid, name, version string, logger zerolog.Logger) *Network {
	return &Network{
		UUID:    uuid,
		Name:    name,
		Version: version,
		sink:    nopSink{},
		logger:  logger,
	}
}

// SetSink attaches the outbound sink. Called once when the connection layer
// takes ownership of the tree.
func (n *Network) SetSink(sink Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sink == nil {
		sink = nopSink{}
	}
	n.sink = sink
}

// Sink returns the current outbound sink.
func (n *Network) Sink() Sink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sink
}

// SetCallback registers the network event callback.
func (n *Network) SetCallback(callback func(*Network, EventType)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callback = callback
}

// AddDevice appends a device to the network.
func (n *Network) AddDevice(d *Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	d.parent = n
	n.devices = append(n.devices, d)
}

// Devices returns a snapshot of the device collection.
func (n *Network) Devices() []*Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Device, len(n.devices))
	copy(out, n.devices)
	return out
}

// Device returns the device with the given name, or nil.
func (n *Network) Device(name string) *Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, d := range n.devices {
		if d.Name == name {
			return d
		}
	}
	n.logger.Warn().Str("device", name).Msg("Device not found in network")
	return nil
}

// FindByID resolves any entity in the tree by uuid. The result is one of
// *Network, *Device, *Value or *State, or nil when the uuid is unknown.
func (n *Network) FindByID(id string) any {
	if n.UUID == id {
		return n
	}
	for _, d := range n.Devices() {
		if d.UUID == id {
			return d
		}
		for _, v := range d.Values() {
			if v.UUID == id {
				return v
			}
			if s := v.ReportState(); s != nil && s.UUID == id {
				return s
			}
			if s := v.ControlState(); s != nil && s.UUID == id {
				return s
			}
		}
	}
	return nil
}

// RemoveByID detaches the entity with the given uuid from its parent and
// cancels any timers it owns. Removing the network itself only fires its
// callback; the root is never detached.
func (n *Network) RemoveByID(id string) bool {
	entity := n.FindByID(id)
	switch e := entity.(type) {
	case *Network:
		e.HandleDelete()
		return true
	case *Device:
		e.HandleDelete()
		n.removeDevice(e)
		return true
	case *Value:
		e.HandleDelete()
		e.CancelTimer()
		if d := e.Device(); d != nil {
			d.removeValue(e)
		}
		return true
	case *State:
		e.HandleDelete()
		if v := e.Value(); v != nil {
			v.detachState(e)
		}
		return true
	}
	return false
}

func (n *Network) removeDevice(d *Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.devices {
		if existing == d {
			n.devices = append(n.devices[:i], n.devices[i+1:]...)
			for _, v := range d.Values() {
				v.CancelTimer()
			}
			return
		}
	}
}

// CancelTimers stops every period timer in the tree. Called on shutdown.
func (n *Network) CancelTimers() {
	for _, d := range n.Devices() {
		for _, v := range d.Values() {
			v.CancelTimer()
		}
	}
}

// HandleDelete fires the network callback with the remove event.
func (n *Network) HandleDelete() {
	n.mu.Lock()
	callback := n.callback
	n.mu.Unlock()
	if callback != nil {
		callback(n, EventRemove)
	}
}
