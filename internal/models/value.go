package models

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/edgesync/iot-mirror/internal/rpc"
)

// DataType is the underlying type of a value.
type DataType string

// Supported value data types.
const (
	TypeNumber DataType = "number"
	TypeString DataType = "string"
	TypeBlob   DataType = "blob"
)

// NumberConstraint bounds a numeric value.
type NumberConstraint struct {
	Min  float64
	Max  float64
	Step float64
	Unit string
}

// BufferConstraint bounds a string or blob value. A nil Max means unbounded.
type BufferConstraint struct {
	Encoding string
	Max      *int
}

// Value is a named, typed, addressable data point on a device. It owns the
// report policy deciding whether a local update is worth transmitting and
// the validation every accepted datum must pass.
type Value struct {
	UUID        string
	Name        string
	TypeOfValue string
	DataType    DataType
	Permission  string

	Number *NumberConstraint
	String *BufferConstraint
	Blob   *BufferConstraint

	mu           sync.Mutex
	period       int
	delta        *float64
	lastReported *float64
	timer        *time.Timer
	timerElapsed bool
	canceled     bool
	reportState  *State
	controlState *State
	parent       *Device
	callback     func(*Value, EventType)
	logger       zerolog.Logger
}

// NewValue creates a Value without states or constraints.
func NewValue(uuid, name, typeOfValue string, dataType DataType, permission string, logger zerolog.Logger) *Value {
	return &Value{
		UUID:        uuid,
		Name:        name,
		TypeOfValue: typeOfValue,
		DataType:    dataType,
		Permission:  permission,
		logger:      logger.With().Str("value", name).Logger(),
	}
}

// Device returns the owning device.
func (v *Value) Device() *Device {
	return v.parent
}

// SetCallback registers the value event callback.
func (v *Value) SetCallback(callback func(*Value, EventType)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.callback = callback
}

// AddReportState attaches the report state and arms the period timer if a
// period was configured before the state existed.
func (v *Value) AddReportState(s *State) {
	v.mu.Lock()
	s.parent = v
	v.reportState = s
	v.mu.Unlock()
	v.rearmTimer()
}

// AddControlState attaches the control state.
func (v *Value) AddControlState(s *State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s.parent = v
	v.controlState = s
}

// ReportState returns the report state, or nil for write-only values.
func (v *Value) ReportState() *State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reportState
}

// ControlState returns the control state, or nil for read-only values.
func (v *Value) ControlState() *State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.controlState
}

func (v *Value) detachState(s *State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.reportState == s {
		v.reportState = nil
		v.logger.Info().Msg("Report state removed")
	} else if v.controlState == s {
		v.controlState = nil
		v.logger.Info().Msg("Control state removed")
	}
}

// SetNumberConstraint configures the numeric range and step.
func (v *Value) SetNumberConstraint(min, max, step float64, unit string) {
	v.Number = &NumberConstraint{Min: min, Max: max, Step: step, Unit: unit}
}

// SetStringConstraint configures the string encoding and maximum length.
func (v *Value) SetStringConstraint(encoding string, max *int) {
	v.String = &BufferConstraint{Encoding: encoding, Max: max}
}

// SetBlobConstraint configures the blob encoding and maximum length.
func (v *Value) SetBlobConstraint(encoding string, max *int) {
	v.Blob = &BufferConstraint{Encoding: encoding, Max: max}
}

// Period returns the configured reporting period in seconds, 0 if none.
func (v *Value) Period() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.period
}

// Delta returns the configured reporting delta, or nil if none.
func (v *Value) Delta() *float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.delta
}

// SetPeriod configures the maximum number of seconds between forced report
// transmissions and arms the timer. A period of 0 disables it.
func (v *Value) SetPeriod(seconds int) {
	if seconds < 0 {
		v.logger.Warn().Int("period", seconds).Msg("Period value must not be lower than 0")
		return
	}
	v.mu.Lock()
	v.period = seconds
	v.mu.Unlock()
	v.rearmTimer()
}

// SetDelta configures the minimum numeric change required before a report
// is transmitted. Only meaningful for number values with a report state.
func (v *Value) SetDelta(delta float64) {
	if delta < 0 {
		v.logger.Warn().Float64("delta", delta).Msg("Delta value must not be lower than 0")
		return
	}
	if v.DataType != TypeNumber {
		v.logger.Warn().Msg("Cannot set the delta for this value")
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.delta = &delta
}

// SetPeriodFromString parses and applies a period carried on the wire.
func (v *Value) SetPeriodFromString(raw string) {
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		v.logger.Error().Str("period", raw).Msg("Period value must be a number")
		return
	}
	v.SetPeriod(seconds)
}

// SetDeltaFromString parses and applies a delta carried on the wire.
func (v *Value) SetDeltaFromString(raw string) {
	delta, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		v.logger.Error().Str("delta", raw).Msg("Delta value must be a number")
		return
	}
	v.SetDelta(delta)
}

// rearmTimer replaces the period timer with a fresh one. Safe to call with
// no period or no report state; either cancels outright. A canceled value
// never re-arms.
func (v *Value) rearmTimer() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	if v.canceled || v.period <= 0 || v.reportState == nil {
		return
	}
	v.timerElapsed = false
	v.timer = time.AfterFunc(time.Duration(v.period)*time.Second, v.timerFired)
}

// timerFired marks the period as elapsed, rearms, and drives one report of
// the current data through the normal gating path. The refresh callback runs
// first so an application can push fresh data instead. A firing that lost
// the race against CancelTimer does nothing.
func (v *Value) timerFired() {
	v.mu.Lock()
	canceled := v.canceled
	v.mu.Unlock()
	if canceled {
		return
	}

	v.rearmTimer()
	v.mu.Lock()
	if v.canceled {
		v.mu.Unlock()
		return
	}
	v.timerElapsed = true
	v.mu.Unlock()

	v.HandleRefresh()

	if state := v.ReportState(); state != nil {
		v.Update(state.Data())
	}
}

// CancelTimer stops the period timer for good. Must be called before the
// value is removed; an already dispatched timer callback sees the canceled
// flag and cannot re-arm or report against the detached entity.
func (v *Value) CancelTimer() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.canceled = true
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	v.timerElapsed = false
}

// Data returns the current report state data, or "" for write-only values.
func (v *Value) Data() string {
	state := v.ReportState()
	if state == nil {
		return ""
	}
	return state.Data()
}

// Update validates new data, runs it through the report policy, and if
// allowed stores it and queues a report. Returns true when a report was
// queued.
func (v *Value) Update(data string) bool {
	return v.UpdateWithTimestamp(data, "")
}

// UpdateWithTimestamp is Update with an explicit wire timestamp.
func (v *Value) UpdateWithTimestamp(data, timestamp string) bool {
	state := v.ReportState()
	if state == nil {
		v.logger.Warn().Msg("Value is write only")
		return false
	}

	normalized, err := v.ValidateData(data)
	if err != nil {
		v.logger.Warn().Err(err).Msg("Rejected update")
		return false
	}

	if !v.allowSend(normalized) {
		v.logger.Debug().Str("data", normalized).Msg("Report suppressed by delta/period policy")
		return false
	}

	if timestamp == "" {
		timestamp = rpc.Timestamp()
	}
	state.SetData(normalized, timestamp)
	v.markReported(normalized)

	d := v.parent
	n := d.Network()
	n.Sink().EnqueueReport(n.UUID, d.UUID, v.UUID, state.UUID, normalized, timestamp)
	return true
}

// allowSend is the per-value report gate: delta check first, then the
// single-shot period flag, and send-always when neither is configured.
// Equality to the delta threshold sends.
func (v *Value) allowSend(data string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	deltaGated := v.delta != nil && v.DataType == TypeNumber
	if deltaGated {
		current, err := strconv.ParseFloat(data, 64)
		if err == nil {
			if v.lastReported == nil || math.IsNaN(*v.lastReported) {
				return true
			}
			if math.Abs(current-*v.lastReported) >= *v.delta {
				return true
			}
		}
		// Fall through to the period check.
	}

	if v.period > 0 {
		if v.timerElapsed {
			v.timerElapsed = false
			return true
		}
		return false
	}

	return !deltaGated
}

// markReported records the last emitted numeric value and resets the period
// timer after a successful send.
func (v *Value) markReported(data string) {
	v.mu.Lock()
	if v.delta != nil {
		if current, err := strconv.ParseFloat(data, 64); err == nil {
			v.lastReported = &current
		} else {
			nan := math.NaN()
			v.lastReported = &nan
		}
	}
	v.mu.Unlock()
	v.rearmTimer()
}

// ValidateData checks data against the value's own type constraints and
// returns the normalized form that is stored and transmitted.
func (v *Value) ValidateData(data string) (string, error) {
	switch v.DataType {
	case TypeNumber:
		return v.validateNumber(data)
	case TypeString:
		return data, validateLength(data, v.String, "string")
	case TypeBlob:
		return data, validateLength(data, v.Blob, "blob")
	}
	return "", fmt.Errorf("value type %q is invalid", v.DataType)
}

func validateLength(data string, c *BufferConstraint, kind string) error {
	if c == nil || c.Max == nil {
		return nil
	}
	if len(data) > *c.Max {
		return fmt.Errorf("%s length %d exceeds maximum %d", kind, len(data), *c.Max)
	}
	return nil
}

// validateNumber quantizes data to the configured step with decimal
// arithmetic and checks the result against the range.
func (v *Value) validateNumber(data string) (string, error) {
	d, err := decimal.NewFromString(data)
	if err != nil {
		return "", fmt.Errorf("invalid type of value, must be a number: %q", data)
	}

	if v.Number != nil {
		if v.Number.Step != 0 {
			d = quantize(d, decimal.NewFromFloat(v.Number.Step))
		}
		min := decimal.NewFromFloat(v.Number.Min)
		max := decimal.NewFromFloat(v.Number.Max)
		if d.Cmp(min) < 0 || d.Cmp(max) > 0 {
			return "", fmt.Errorf("invalid number, range: %v-%v, yours is: %s",
				v.Number.Min, v.Number.Max, d.String())
		}
	}

	return d.String(), nil
}

// quantize snaps d down to the nearest multiple of step, keeping the
// remainder non-negative so negative values snap toward negative infinity
// the same way positive ones snap toward zero.
func quantize(d, step decimal.Decimal) decimal.Decimal {
	step = step.Abs()
	remainder := d.Mod(step)
	if remainder.IsNegative() {
		remainder = remainder.Add(step)
	}
	return d.Sub(remainder)
}

// HandleRefresh fires the value callback with the refresh event.
func (v *Value) HandleRefresh() {
	v.invokeCallback(EventRefresh)
}

// HandleControl applies peer-written data to the control state and fires
// the set event. The data is expected to be validated already.
func (v *Value) HandleControl(data, timestamp string) {
	state := v.ControlState()
	if state == nil {
		v.logger.Warn().Msg("Value has no control state")
		return
	}
	if timestamp == "" {
		timestamp = rpc.Timestamp()
	}
	state.SetData(data, timestamp)
	v.invokeCallback(EventSet)
}

// HandleDelete fires the value callback with the remove event.
func (v *Value) HandleDelete() {
	v.invokeCallback(EventRemove)
}

// RefreshControl asks the peer for the current control state data. The
// answer arrives as a result message and is applied by the receiver.
func (v *Value) RefreshControl() {
	state := v.ControlState()
	if state == nil {
		v.logger.Warn().Msg("Value has no control state")
		return
	}
	d := v.parent
	n := d.Network()
	n.Sink().EnqueueControlGet(n.UUID, d.UUID, v.UUID, state.UUID)
}

// Delete sends a delete request for this value, cancels its period timer
// and detaches it from the device.
func (v *Value) Delete() {
	d := v.parent
	if d == nil {
		return
	}
	n := d.Network()
	n.Sink().EnqueueDelete(n.UUID, d.UUID, v.UUID, "")
	v.CancelTimer()
	d.removeValue(v)
	v.logger.Info().Msg("Value removed")
}

func (v *Value) invokeCallback(event EventType) {
	v.mu.Lock()
	callback := v.callback
	v.mu.Unlock()
	if callback != nil {
		callback(v, event)
	}
}
