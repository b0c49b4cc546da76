package codec

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/edgesync/iot-mirror/internal/models"
)

// metaConstraint is the document format the decoder understands.
var metaConstraint = mustConstraint("^2.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

func checkMetaVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid meta version %q: %w", version, err)
	}
	if !metaConstraint.Check(v) {
		return fmt.Errorf("unsupported meta version %q", version)
	}
	return nil
}

// DecodeDocument builds the entity tree from a JSON entity document. Data
// wrapped as a JSON string is unwrapped first.
func DecodeDocument(raw []byte, logger zerolog.Logger) (*models.Network, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if len(doc.Data) == 0 {
		return nil, fmt.Errorf("document has no data member")
	}

	inner := []byte(doc.Data)
	if inner[0] == '"' {
		var s string
		if err := json.Unmarshal(inner, &s); err != nil {
			return nil, fmt.Errorf("failed to unwrap document data: %w", err)
		}
		inner = []byte(s)
	}

	var net NetworkDoc
	if err := json.Unmarshal(inner, &net); err != nil {
		return nil, fmt.Errorf("failed to decode network: %w", err)
	}
	if err := checkMetaVersion(net.Meta.Version); err != nil {
		return nil, err
	}

	tree := models.NewNetwork(net.Meta.ID, net.Name, net.Meta.Version, logger)
	for _, dd := range net.Device {
		tree.AddDevice(decodeDevice(dd, logger))
	}
	logger.Debug().
		Str("network_id", tree.UUID).
		Int("devices", len(net.Device)).
		Msg("Entity tree decoded")
	return tree, nil
}

func decodeDevice(dd DeviceDoc, logger zerolog.Logger) *models.Device {
	d := models.NewDevice(dd.Meta.ID, dd.Name, logger)
	d.Product = dd.Product
	d.Protocol = dd.Protocol
	d.SerialNumber = dd.Serial
	d.Version = dd.Meta.Version
	d.Manufacturer = dd.Manufacturer
	d.Communication = dd.Communication
	d.Description = dd.Description

	for _, vd := range dd.Value {
		d.AddValue(decodeValue(vd, logger))
	}
	return d
}

func decodeValue(vd ValueDoc, logger zerolog.Logger) *models.Value {
	dataType := models.TypeString
	switch {
	case vd.Number != nil:
		dataType = models.TypeNumber
	case vd.Blob != nil:
		dataType = models.TypeBlob
	}

	v := models.NewValue(vd.Meta.ID, vd.Name, vd.Type, dataType, vd.Permission, logger)
	switch {
	case vd.Number != nil:
		v.SetNumberConstraint(float64(vd.Number.Min), float64(vd.Number.Max),
			float64(vd.Number.Step), vd.Number.Unit)
	case vd.Blob != nil:
		v.SetBlobConstraint(vd.Blob.Encoding, intPtr(vd.Blob.Max))
	case vd.String != nil:
		v.SetStringConstraint(vd.String.Encoding, intPtr(vd.String.Max))
	}

	for _, sd := range vd.State {
		s := models.NewState(sd.Meta.ID, models.StateType(sd.Type), sd.Data, sd.Timestamp)
		switch models.StateType(sd.Type) {
		case models.StateReport:
			v.AddReportState(s)
		case models.StateControl:
			v.AddControlState(s)
		default:
			logger.Warn().Str("type", sd.Type).Str("state_id", sd.Meta.ID).
				Msg("Unknown state type skipped")
		}
	}

	// Report timing settings restored after states so the timer arms with
	// the right period.
	if vd.Period != "" {
		v.SetPeriodFromString(string(vd.Period))
	}
	if vd.Delta != "" {
		v.SetDeltaFromString(string(vd.Delta))
	}
	return v
}

func intPtr(f *flexInt) *int {
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}
