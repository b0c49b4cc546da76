package models

import (
	"sync"

	"github.com/rs/zerolog"
)

// Device groups the values of one physical or logical unit. It is owned
// exclusively by its network; the parent link is a back-reference only.
type Device struct {
	UUID          string
	Name          string
	Product       string
	Protocol      string
	SerialNumber  string
	Version       string
	Manufacturer  string
	Communication string
	Description   string

	mu       sync.Mutex
	values   []*Value
	parent   *Network
	callback func(*Device, EventType)
	logger   zerolog.Logger
}

// NewDevice creates a Device with no values.
func NewDevice(uuid, name string, logger zerolog.Logger) *Device {
	return &Device{
		UUID:   uuid,
		Name:   name,
		logger: logger,
	}
}

// Network returns the owning network.
func (d *Device) Network() *Network {
	return d.parent
}

// SetCallback registers the device event callback.
func (d *Device) SetCallback(callback func(*Device, EventType)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = callback
}

// AddValue appends a value to the device.
func (d *Device) AddValue(v *Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v.parent = d
	d.values = append(d.values, v)
}

// Values returns a snapshot of the value collection.
func (d *Device) Values() []*Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Value, len(d.values))
	copy(out, d.values)
	return out
}

// Value returns the value with the given name, or nil.
func (d *Device) Value(name string) *Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.values {
		if v.Name == name {
			return v
		}
	}
	d.logger.Warn().Str("value", name).Str("device", d.Name).Msg("Value not found on device")
	return nil
}

func (d *Device) removeValue(v *Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.values {
		if existing == v {
			d.values = append(d.values[:i], d.values[i+1:]...)
			return
		}
	}
}

// Delete sends a delete request for this device and detaches it from the
// network.
func (d *Device) Delete() {
	n := d.parent
	if n == nil {
		return
	}
	n.Sink().EnqueueDelete(n.UUID, d.UUID, "", "")
	n.removeDevice(d)
	d.logger.Info().Str("device", d.Name).Msg("Device removed")
}

// HandleDelete fires the device callback with the remove event.
func (d *Device) HandleDelete() {
	d.mu.Lock()
	callback := d.callback
	d.mu.Unlock()
	if callback != nil {
		callback(d, EventRemove)
	}
}
