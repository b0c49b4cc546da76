package client

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/edgesync/iot-mirror/internal/codec"
	"github.com/edgesync/iot-mirror/internal/rpc"
	"github.com/edgesync/iot-mirror/internal/status"
	"github.com/edgesync/iot-mirror/internal/utils"
	"github.com/edgesync/iot-mirror/pkg/file"
)

const seedDocument = `{
  "data": {
    "meta": {"id": "net-1", "type": "network", "version": "2.0"},
    "name": "test-network",
    "device": [
      {
        "meta": {"id": "dev-1", "type": "device", "version": "2.0"},
        "name": "test-device",
        "manufacturer": "test",
        "product": "bench",
        "serial": "s-1",
        "description": "",
        "protocol": "json-rpc",
        "communication": "tls",
        "value": [
          {
            "meta": {"id": "val-1", "type": "value", "version": "2.0"},
            "name": "meter",
            "type": "meter",
            "permission": "rw",
            "number": {"min": 0, "max": 100, "step": 0, "unit": ""},
            "state": [
              {
                "meta": {"id": "st-1", "type": "state", "version": "2.0"},
                "type": "Report",
                "data": "1",
                "timestamp": "2026-01-01T00:00:00.000000Z"
              }
            ]
          }
        ]
      }
    ]
  }
}`

type onePipeDialer struct {
	conns chan net.Conn
}

func (d *onePipeDialer) Dial(string, int, *tls.Config, time.Duration) (net.Conn, error) {
	select {
	case c := <-d.conns:
		return c, nil
	default:
		return nil, errors.New("no connection available")
	}
}

func readDoc(conn net.Conn) ([]byte, error) {
	var doc []byte
	chunk := make([]byte, 2048)
	for {
		n, err := conn.Read(chunk)
		if err != nil {
			return nil, err
		}
		doc = append(doc, chunk[:n]...)
		if json.Valid(doc) {
			return doc, nil
		}
	}
}

func newTestConfig(t *testing.T) *utils.Config {
	t.Helper()
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "network.json")
	assert.NoError(t, os.WriteFile(seedPath, []byte(seedDocument), 0644))

	cfg := &utils.Config{}
	cfg.Server.Address = "peer.test"
	cfg.Server.Port = 1
	cfg.Server.MaxRetries = 1
	cfg.Network.ConfigFile = seedPath
	cfg.Network.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.Storage.Enabled = true
	cfg.Storage.Location = filepath.Join(dir, "offline")
	cfg.Storage.DataLimitMB = 1
	cfg.Storage.LimitPolicy = "drop-oldest"
	cfg.Storage.Granularity = "day"
	return cfg
}

// TestClient_StartMirrorStop tests the full lifecycle against a scripted
// peer: registration with the startup barrier, one mirrored report, and a
// snapshot on shutdown.
func TestClient_StartMirrorStop(t *testing.T) {
	cfg := newTestConfig(t)
	clientConn, peer := net.Pipe()
	dialer := &onePipeDialer{conns: make(chan net.Conn, 1)}
	dialer.conns <- clientConn

	c, err := New(cfg, file.NewFileService(), dialer, zerolog.Nop())
	assert.NoError(t, err)

	reportCh := make(chan rpc.Envelope, 1)
	go func() {
		// Registration arrives first and must be acknowledged before the
		// client reports anything.
		doc, err := readDoc(peer)
		if !assert.NoError(t, err) {
			return
		}
		var reg rpc.Envelope
		assert.NoError(t, json.Unmarshal(doc, &reg))
		assert.Equal(t, rpc.VerbPost, reg.Method)
		assert.Equal(t, "/network", reg.Params.URL)

		ack, _ := json.Marshal(rpc.SuccessResponse(reg.ID))
		_, err = peer.Write(ack)
		if !assert.NoError(t, err) {
			return
		}

		// Next comes the mirrored report.
		doc, err = readDoc(peer)
		if !assert.NoError(t, err) {
			return
		}
		var report rpc.Envelope
		assert.NoError(t, json.Unmarshal(doc, &report))
		reportCh <- report

		ack, _ = json.Marshal(rpc.SuccessResponse(report.ID))
		_, _ = peer.Write(ack)
	}()

	assert.NoError(t, c.Start())
	assert.Equal(t, status.Running, c.Status().Get())

	value := c.Device("test-device").Value("meter")
	assert.True(t, value.Update("42"))

	select {
	case report := <-reportCh:
		assert.Equal(t, rpc.VerbPut, report.Method)
		assert.Equal(t, "/network/net-1/device/dev-1/value/val-1/state/st-1",
			report.Params.URL)
		var payload rpc.StatePayload
		assert.NoError(t, json.Unmarshal(report.Params.Data, &payload))
		assert.Equal(t, "42", payload.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("report never reached the peer")
	}

	assert.NoError(t, c.Stop(true))

	// The snapshot resumes where the run left off.
	raw, err := os.ReadFile(filepath.Join(cfg.Network.SnapshotDir, "net-1.json"))
	assert.NoError(t, err)
	restored, err := codec.DecodeDocument(raw, zerolog.Nop())
	assert.NoError(t, err)
	assert.Equal(t, "42",
		restored.Device("test-device").Value("meter").ReportState().Data())
}

// TestClient_Start_RegistrationRejected tests that a peer error on
// registration still releases the startup barrier.
func TestClient_Start_RegistrationRejected(t *testing.T) {
	cfg := newTestConfig(t)
	clientConn, peer := net.Pipe()
	dialer := &onePipeDialer{conns: make(chan net.Conn, 1)}
	dialer.conns <- clientConn

	c, err := New(cfg, file.NewFileService(), dialer, zerolog.Nop())
	assert.NoError(t, err)

	go func() {
		doc, err := readDoc(peer)
		if !assert.NoError(t, err) {
			return
		}
		var reg rpc.Envelope
		assert.NoError(t, json.Unmarshal(doc, &reg))

		reply, _ := json.Marshal(rpc.ErrorResponse(reg.ID, "denied"))
		_, _ = peer.Write(reply)
	}()

	assert.NoError(t, c.Start())
	assert.NoError(t, c.Stop(false))
}

// TestClient_New_MissingSeed tests the error path for an absent document.
func TestClient_New_MissingSeed(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Network.ConfigFile = filepath.Join(t.TempDir(), "missing.json")

	_, err := New(cfg, file.NewFileService(),
		&onePipeDialer{conns: make(chan net.Conn)}, zerolog.Nop())

	assert.ErrorContains(t, err, "failed to read entity document")
}

// TestClient_ResumesFromSnapshot tests that load_from_snapshot prefers the
// saved tree over the seed document.
func TestClient_ResumesFromSnapshot(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Network.LoadFromSnapshot = true

	// Seed a snapshot with different report data than the seed document.
	snapshot, err := codec.NewSnapshot(cfg.Network.SnapshotDir, file.NewFileService(), zerolog.Nop())
	assert.NoError(t, err)
	tree, err := codec.DecodeDocument([]byte(seedDocument), zerolog.Nop())
	assert.NoError(t, err)
	tree.Device("test-device").Value("meter").ReportState().SetData("77", "2026-02-01T00:00:00.000000Z")
	assert.NoError(t, snapshot.Save(tree))

	c, err := New(cfg, file.NewFileService(),
		&onePipeDialer{conns: make(chan net.Conn)}, zerolog.Nop())
	assert.NoError(t, err)

	assert.Equal(t, "77", c.Device("test-device").Value("meter").ReportState().Data())
}
