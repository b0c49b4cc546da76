package codec

import (
	"strconv"

	"github.com/edgesync/iot-mirror/internal/models"
	"github.com/edgesync/iot-mirror/internal/rpc"
)

// EncodeNetwork renders the entity tree as the network object used both for
// whole-tree registration and for snapshots.
func EncodeNetwork(n *models.Network) *NetworkDoc {
	doc := &NetworkDoc{
		Meta:   rpc.NewMeta(rpc.TypeNetwork, n.UUID),
		Name:   n.Name,
		Device: []DeviceDoc{},
	}
	for _, d := range n.Devices() {
		doc.Device = append(doc.Device, encodeDevice(d))
	}
	return doc
}

func encodeDevice(d *models.Device) DeviceDoc {
	meta := rpc.NewMeta(rpc.TypeDevice, d.UUID)
	if d.Version != "" {
		meta.Version = d.Version
	}

	doc := DeviceDoc{
		Meta:          meta,
		Name:          d.Name,
		Product:       d.Product,
		Serial:        d.SerialNumber,
		Description:   d.Description,
		Protocol:      d.Protocol,
		Communication: d.Communication,
		Manufacturer:  d.Manufacturer,
		Value:         []ValueDoc{},
	}
	for _, v := range d.Values() {
		doc.Value = append(doc.Value, encodeValue(v))
	}
	return doc
}

func encodeValue(v *models.Value) ValueDoc {
	doc := ValueDoc{
		Meta:       rpc.NewMeta(rpc.TypeValue, v.UUID),
		Name:       v.Name,
		Type:       v.TypeOfValue,
		Permission: v.Permission,
		State:      []StateDoc{},
	}

	if period := v.Period(); period > 0 {
		doc.Period = flexString(strconv.Itoa(period))
	}
	if delta := v.Delta(); delta != nil {
		doc.Delta = flexString(strconv.FormatFloat(*delta, 'f', -1, 64))
	}

	switch v.DataType {
	case models.TypeNumber:
		doc.Number = &NumberDoc{}
		if v.Number != nil {
			doc.Number.Min = flexFloat(v.Number.Min)
			doc.Number.Max = flexFloat(v.Number.Max)
			doc.Number.Step = flexFloat(v.Number.Step)
			doc.Number.Unit = v.Number.Unit
		}
	case models.TypeBlob:
		doc.Blob = encodeBuffer(v.Blob)
	default:
		doc.String = encodeBuffer(v.String)
	}

	if s := v.ReportState(); s != nil {
		doc.State = append(doc.State, encodeState(s))
	}
	if s := v.ControlState(); s != nil {
		doc.State = append(doc.State, encodeState(s))
	}
	return doc
}

func encodeBuffer(c *models.BufferConstraint) *BufferDoc {
	doc := &BufferDoc{}
	if c != nil {
		doc.Encoding = c.Encoding
		if c.Max != nil {
			m := flexInt(*c.Max)
			doc.Max = &m
		}
	}
	return doc
}

func encodeState(s *models.State) StateDoc {
	return StateDoc{
		Meta:      rpc.NewMeta(rpc.TypeState, s.UUID),
		Type:      string(s.Type),
		Data:      s.Data(),
		Timestamp: s.Timestamp(),
	}
}
