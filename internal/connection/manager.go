// Package connection owns the TLS socket and the two worker pipelines that
// move JSON-RPC messages to and from the wire.
package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgesync/iot-mirror/internal/models"
	"github.com/edgesync/iot-mirror/internal/rpc"
	"github.com/edgesync/iot-mirror/internal/status"
	"github.com/edgesync/iot-mirror/internal/store"
	"github.com/edgesync/iot-mirror/pkg/file"
)

const (
	handshakeTimeout  = 10 * time.Second
	retryDelay        = 5 * time.Second
	defaultMaxRetries = 5
	queueCapacity     = 1024
)

// ErrRetryLimit is returned when a connect or reconnect loop exhausts its
// attempt budget.
var ErrRetryLimit = errors.New("connection retry limit exhausted")

// errClosing aborts retry loops during shutdown.
var errClosing = errors.New("connection manager is closing")

// Dialer opens the transport stream. Production uses TLSDialer; tests
// substitute an in-memory pipe.
type Dialer interface {
	Dial(address string, port int, conf *tls.Config, timeout time.Duration) (net.Conn, error)
}

// TLSDialer dials a mutually-authenticated TLS stream.
type TLSDialer struct{}

// Dial opens the TLS connection with a bounded handshake timeout.
func (TLSDialer) Dial(address string, port int, conf *tls.Config, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(address, strconv.Itoa(port)), conf)
}

// Options configures the connection manager.
type Options struct {
	Address           string
	Port              int
	CACertificate     string
	ClientCertificate string
	ClientKey         string
	MaxRetries        int // connect attempts before giving up, default 5
	ReconnectLimit    int // reconnect attempts, 0 retries forever
	AutomaticTrace    bool
}

// Manager drives the connect/reconnect state machine and owns the outgoing
// queue, the correlation table and both workers.
type Manager struct {
	opts    Options
	tlsConf *tls.Config
	dialer  Dialer
	tree    *models.Network
	table   *CorrelationTable
	builder *rpc.Builder
	store   *store.OfflineStore
	status  *status.Status
	logger  zerolog.Logger

	queue chan OutMessage

	connMu sync.Mutex
	conn   net.Conn

	connected atomic.Bool
	closing   atomic.Bool

	// reconnectMu serializes reconnect attempts; reconnectGen counts
	// successful ones so a waiting caller can tell its connection was
	// already replaced.
	reconnectMu  sync.Mutex
	reconnectGen atomic.Uint64

	traceMu      sync.Mutex
	traceByValue map[string]string

	sender   *Sender
	receiver *Receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnFatal is invoked when a reconnect loop exhausts its attempt limit
	// after startup.
	OnFatal func(error)
}

// NewManager wires a manager for the given tree. The TLS configuration is
// loaded from the certificate paths in opts; with empty paths (tests) the
// dialer receives a nil config.
func NewManager(opts Options, tree *models.Network, offlineStore *store.OfflineStore,
	st *status.Status, dialer Dialer, fileClient file.FileOperations, logger zerolog.Logger) (*Manager, error) {

	tlsConf, err := loadTLSConfig(opts, fileClient)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:         opts,
		tlsConf:      tlsConf,
		dialer:       dialer,
		tree:         tree,
		table:        NewCorrelationTable(),
		builder:      rpc.NewBuilder(),
		store:        offlineStore,
		status:       st,
		logger:       logger,
		queue:        make(chan OutMessage, queueCapacity),
		traceByValue: make(map[string]string),
		ctx:          ctx,
		cancel:       cancel,
	}
	m.sender = newSender(m, logger)
	m.receiver = newReceiver(m, logger)

	tree.SetSink(m)
	return m, nil
}

func loadTLSConfig(opts Options, fileClient file.FileOperations) (*tls.Config, error) {
	if opts.ClientCertificate == "" && opts.CACertificate == "" {
		return nil, nil
	}

	caCert, err := fileClient.ReadFileRaw(opts.CACertificate)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}

	certPEM, err := fileClient.ReadFileRaw(opts.ClientCertificate)
	if err != nil {
		return nil, fmt.Errorf("failed to read client certificate: %w", err)
	}
	keyPEM, err := fileClient.ReadFileRaw(opts.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read client key: %w", err)
	}
	keyPair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key pair: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{keyPair},
	}, nil
}

// Table exposes the correlation table, used by the startup barrier and
// tests.
func (m *Manager) Table() *CorrelationTable {
	return m.table
}

// Connected reports whether the socket is usable.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Connect establishes the connection, retrying with a fixed delay up to the
// configured attempt limit. Exhausting the limit is fatal to the caller.
func (m *Manager) Connect() error {
	maxRetries := m.opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	m.status.Set(status.Connecting)
	for attempt := 1; ; attempt++ {
		err := m.dial()
		if err == nil {
			m.status.Set(status.Connected)
			return nil
		}
		m.logger.Error().Err(err).Int("attempt", attempt).Msg("Failed to connect")

		if attempt >= maxRetries {
			return fmt.Errorf("%w after %d attempts: %v", ErrRetryLimit, attempt, err)
		}
		if err := m.sleep(retryDelay); err != nil {
			return err
		}
	}
}

func (m *Manager) dial() error {
	conn, err := m.dialer.Dial(m.opts.Address, m.opts.Port, m.tlsConf, handshakeTimeout)
	if err != nil {
		return err
	}
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	m.connected.Store(true)
	return nil
}

// sleep waits for d or until shutdown, whichever comes first.
func (m *Manager) sleep(d time.Duration) error {
	select {
	case <-m.ctx.Done():
		return errClosing
	case <-time.After(d):
		return nil
	}
}

// StartSender launches the sender worker.
func (m *Manager) StartSender() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sender.run(m.ctx)
	}()
}

// StartReceiver launches the receiver worker. Must not run while the
// startup barrier is draining messages.
func (m *Manager) StartReceiver() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.receiver.run(m.ctx)
	}()
}

// AwaitEmptyTable blocks the caller, receiving one message at a time, until
// every transmitted request has been acknowledged. This is the startup
// barrier: registration must be confirmed before normal operation begins.
func (m *Manager) AwaitEmptyTable() error {
	for !m.table.IsEmpty() {
		if err := m.receiver.receiveOnce(); err != nil {
			return err
		}
	}
	return nil
}

// Reconnect re-establishes a dropped connection with fixed backoff, either
// forever or up to the configured limit. On success a reconnect announce is
// queued so the network identity is re-sent and unacknowledged requests are
// retransmitted. Concurrent callers block until the in-flight attempt
// finishes; one that finds the connection already replaced returns without
// tearing it down again.
func (m *Manager) Reconnect() error {
	if m.closing.Load() {
		return errClosing
	}
	gen := m.reconnectGen.Load()
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()
	if m.closing.Load() {
		return errClosing
	}
	if m.reconnectGen.Load() != gen {
		return nil
	}

	m.connected.Store(false)
	m.status.Set(status.Reconnecting)
	m.closeConn()

	for attempt := 1; ; attempt++ {
		m.logger.Info().Msg("Trying to reconnect in 5 seconds")
		if err := m.sleep(retryDelay); err != nil {
			return err
		}

		err := m.dial()
		if err == nil {
			m.reconnectGen.Add(1)
			m.logger.Info().Msg("Reconnected")
			m.status.Set(status.Connected)
			m.enqueue(OutMessage{Kind: KindReconnect})
			m.FlushStoreAsync()
			return nil
		}
		m.logger.Error().Err(err).Int("attempt", attempt).Msg("Failed to reconnect")

		if m.opts.ReconnectLimit > 0 && attempt >= m.opts.ReconnectLimit {
			err = fmt.Errorf("%w after %d reconnect attempts", ErrRetryLimit, attempt)
			if m.OnFatal != nil {
				m.OnFatal(err)
			}
			return err
		}
	}
}

// FlushStoreAsync replays the offline backlog on a separate goroutine so
// fresh traffic is not blocked behind it.
func (m *Manager) FlushStoreAsync() {
	if m.store == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.store.Replay(m.replayStored, m.Connected)
		if err != nil && !errors.Is(err, store.ErrDisconnected) {
			m.logger.Error().Err(err).Msg("Offline replay failed")
		}
	}()
}

func (m *Manager) replayStored(raw json.RawMessage) error {
	m.enqueue(OutMessage{Kind: KindStored, Raw: raw})
	return nil
}

// Close stops both workers, cancels all period timers and closes the
// socket. Idempotent.
func (m *Manager) Close() {
	if !m.closing.CompareAndSwap(false, true) {
		return
	}
	m.status.Set(status.Disconnecting)
	m.tree.CancelTimers()
	m.cancel()
	m.connected.Store(false)
	m.closeConn()
	m.wg.Wait()
}

func (m *Manager) closeConn() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// write is the single writer path; only the sender calls it.
func (m *Manager) write(p []byte) error {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("sending while not connected")
	}
	_, err := conn.Write(p)
	return err
}

// read is the single reader path; only the receiver calls it.
func (m *Manager) read(p []byte) (int, error) {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("receiving while not connected")
	}
	return conn.Read(p)
}

// enqueue places a message on the outgoing queue, dropping with a log entry
// if the queue is saturated rather than blocking a worker.
func (m *Manager) enqueue(msg OutMessage) {
	select {
	case m.queue <- msg:
	default:
		m.logger.Error().Int("kind", int(msg.Kind)).Msg("Outgoing queue full, message dropped")
	}
}

// SendWholeNetwork transmits the registration request announcing the full
// entity tree and registers it for acknowledgment. Called before the
// workers start, so it writes the socket directly.
func (m *Manager) SendWholeNetwork(document any) error {
	req := m.builder.WholeNetworkRequest(document, "")
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}
	m.table.Add(PendingMessage{ID: req.ID, Verb: req.Method, Raw: raw, EnqueuedAt: time.Now()})
	if err := m.write(raw); err != nil {
		m.table.Remove(req.ID)
		return fmt.Errorf("failed to send registration: %w", err)
	}
	return nil
}

// EnqueueReport implements models.Sink.
func (m *Manager) EnqueueReport(networkID, deviceID, valueID, stateID, data, timestamp string) {
	m.enqueue(OutMessage{
		Kind:      KindReport,
		NetworkID: networkID,
		DeviceID:  deviceID,
		ValueID:   valueID,
		StateID:   stateID,
		Data:      data,
		Timestamp: timestamp,
	})
}

// EnqueueControlGet implements models.Sink.
func (m *Manager) EnqueueControlGet(networkID, deviceID, valueID, stateID string) {
	m.enqueue(OutMessage{
		Kind:      KindControlGet,
		NetworkID: networkID,
		DeviceID:  deviceID,
		ValueID:   valueID,
		StateID:   stateID,
	})
}

// EnqueueDelete implements models.Sink.
func (m *Manager) EnqueueDelete(networkID, deviceID, valueID, stateID string) {
	m.enqueue(OutMessage{
		Kind:      KindDelete,
		NetworkID: networkID,
		DeviceID:  deviceID,
		ValueID:   valueID,
		StateID:   stateID,
	})
}

func (m *Manager) enqueueSuccess(rawID []byte) {
	m.enqueue(OutMessage{Kind: KindSuccess, RPCID: rawID})
}

func (m *Manager) enqueueError(rawID []byte, text string) {
	m.enqueue(OutMessage{Kind: KindError, RPCID: rawID, Text: text})
}

// stashTrace remembers a trace id from an inbound request so the next
// report for the same value carries it.
func (m *Manager) stashTrace(valueID, traceID string) {
	if traceID == "" {
		return
	}
	m.traceMu.Lock()
	defer m.traceMu.Unlock()
	m.traceByValue[valueID] = traceID
}

func (m *Manager) takeTrace(valueID string) string {
	m.traceMu.Lock()
	defer m.traceMu.Unlock()
	traceID := m.traceByValue[valueID]
	delete(m.traceByValue, valueID)
	return traceID
}
