package codec

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/edgesync/iot-mirror/internal/models"
	"github.com/edgesync/iot-mirror/pkg/file"
)

const sampleDocument = `{
  "data": {
    "meta": {"id": "net-1", "type": "network", "version": "2.0"},
    "name": "test-network",
    "device": [
      {
        "meta": {"id": "dev-1", "type": "device", "version": "1.3"},
        "name": "sensor-hub",
        "manufacturer": "acme",
        "product": "hub",
        "serial": "serial-1",
        "description": "bench unit",
        "protocol": "json-rpc",
        "communication": "tls",
        "value": [
          {
            "meta": {"id": "val-1", "type": "value", "version": "2.0"},
            "name": "temperature",
            "type": "temperature",
            "permission": "rw",
            "number": {"min": "-40", "max": "85", "step": "0.1", "unit": "°C"},
            "state": [
              {
                "meta": {"id": "st-1", "type": "state", "version": "2.0"},
                "type": "Report",
                "data": "21.5",
                "timestamp": "2026-02-01T10:00:00.000000Z"
              },
              {
                "meta": {"id": "st-2", "type": "state", "version": "2.0"},
                "type": "Control",
                "data": "20",
                "timestamp": "2026-02-01T10:00:00.000000Z"
              }
            ]
          },
          {
            "meta": {"id": "val-2", "type": "value", "version": "2.0"},
            "name": "label",
            "type": "label",
            "permission": "r",
            "string": {"encoding": "utf-8", "max": 64},
            "state": [
              {
                "meta": {"id": "st-3", "type": "state", "version": "2.0"},
                "type": "Report",
                "data": "ok",
                "timestamp": "2026-02-01T10:00:00.000000Z"
              }
            ]
          }
        ]
      }
    ]
  }
}`

// TestDecodeDocument tests building the tree from a seed document,
// including quoted numeric constraint fields.
func TestDecodeDocument(t *testing.T) {
	tree, err := DecodeDocument([]byte(sampleDocument), zerolog.Nop())
	assert.NoError(t, err)

	assert.Equal(t, "net-1", tree.UUID)
	assert.Equal(t, "test-network", tree.Name)
	assert.Equal(t, "2.0", tree.Version)

	device := tree.Device("sensor-hub")
	if !assert.NotNil(t, device) {
		return
	}
	assert.Equal(t, "acme", device.Manufacturer)
	assert.Equal(t, "serial-1", device.SerialNumber)
	assert.Equal(t, "1.3", device.Version)

	temperature := device.Value("temperature")
	if !assert.NotNil(t, temperature) {
		return
	}
	assert.Equal(t, models.TypeNumber, temperature.DataType)
	if assert.NotNil(t, temperature.Number) {
		assert.Equal(t, -40.0, temperature.Number.Min)
		assert.Equal(t, 85.0, temperature.Number.Max)
		assert.Equal(t, 0.1, temperature.Number.Step)
		assert.Equal(t, "°C", temperature.Number.Unit)
	}
	if assert.NotNil(t, temperature.ReportState()) {
		assert.Equal(t, "21.5", temperature.ReportState().Data())
	}
	assert.NotNil(t, temperature.ControlState())

	label := device.Value("label")
	if !assert.NotNil(t, label) {
		return
	}
	assert.Equal(t, models.TypeString, label.DataType)
	if assert.NotNil(t, label.String) && assert.NotNil(t, label.String.Max) {
		assert.Equal(t, 64, *label.String.Max)
	}
	assert.Nil(t, label.ControlState())
}

// TestDecodeDocument_StringWrappedData tests the snapshot form where the
// network object travels as a JSON string.
func TestDecodeDocument_StringWrappedData(t *testing.T) {
	inner := `{"meta":{"id":"net-2","type":"network","version":"2.1"},"name":"wrapped","device":[]}`
	wrapped, err := json.Marshal(map[string]string{"data": inner})
	assert.NoError(t, err)

	tree, err := DecodeDocument(wrapped, zerolog.Nop())
	assert.NoError(t, err)
	assert.Equal(t, "net-2", tree.UUID)
	assert.Equal(t, "wrapped", tree.Name)
}

// TestDecodeDocument_RejectsWrongVersion tests the document version gate.
func TestDecodeDocument_RejectsWrongVersion(t *testing.T) {
	doc := `{"data":{"meta":{"id":"net-3","type":"network","version":"1.0"},"name":"old","device":[]}}`

	_, err := DecodeDocument([]byte(doc), zerolog.Nop())
	assert.ErrorContains(t, err, "unsupported meta version")
}

// TestDecodeDocument_MissingData tests the error on an empty wrapper.
func TestDecodeDocument_MissingData(t *testing.T) {
	_, err := DecodeDocument([]byte(`{}`), zerolog.Nop())
	assert.ErrorContains(t, err, "no data member")
}

// TestEncodeNetwork_RoundTrip tests that a decoded tree encodes back to an
// equivalent document.
func TestEncodeNetwork_RoundTrip(t *testing.T) {
	tree, err := DecodeDocument([]byte(sampleDocument), zerolog.Nop())
	assert.NoError(t, err)

	encoded := EncodeNetwork(tree)
	raw, err := json.Marshal(Document{Data: mustMarshal(t, encoded)})
	assert.NoError(t, err)

	again, err := DecodeDocument(raw, zerolog.Nop())
	assert.NoError(t, err)

	assert.Equal(t, tree.UUID, again.UUID)
	device := again.Device("sensor-hub")
	if !assert.NotNil(t, device) {
		return
	}
	assert.Equal(t, "1.3", device.Version)
	temperature := device.Value("temperature")
	if !assert.NotNil(t, temperature) {
		return
	}
	assert.Equal(t, 0.1, temperature.Number.Step)
	assert.Equal(t, "21.5", temperature.ReportState().Data())
}

// TestSnapshot_SaveLoadLatest tests persisting a tree and resuming from it.
func TestSnapshot_SaveLoadLatest(t *testing.T) {
	dir := t.TempDir()
	snapshot, err := NewSnapshot(dir, file.NewFileService(), zerolog.Nop())
	assert.NoError(t, err)

	tree, err := DecodeDocument([]byte(sampleDocument), zerolog.Nop())
	assert.NoError(t, err)
	tree.Device("sensor-hub").Value("temperature").ReportState().SetData("33.3", "2026-02-02T00:00:00.000000Z")

	assert.NoError(t, snapshot.Save(tree))

	raw, err := snapshot.LoadLatest()
	assert.NoError(t, err)
	if !assert.NotNil(t, raw) {
		return
	}

	restored, err := DecodeDocument(raw, zerolog.Nop())
	assert.NoError(t, err)
	assert.Equal(t, tree.UUID, restored.UUID)
	assert.Equal(t, "33.3",
		restored.Device("sensor-hub").Value("temperature").ReportState().Data())
}

// TestSnapshot_LoadLatest_Empty tests that an empty snapshot directory
// yields nil without an error.
func TestSnapshot_LoadLatest_Empty(t *testing.T) {
	snapshot, err := NewSnapshot(t.TempDir(), file.NewFileService(), zerolog.Nop())
	assert.NoError(t, err)

	raw, err := snapshot.LoadLatest()
	assert.NoError(t, err)
	assert.Nil(t, raw)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	assert.NoError(t, err)
	return raw
}
