// Package client assembles the runtime: it loads the entity tree, connects
// to the peer, registers the tree and keeps both sides mirrored until
// stopped.
package client

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edgesync/iot-mirror/internal/codec"
	"github.com/edgesync/iot-mirror/internal/connection"
	"github.com/edgesync/iot-mirror/internal/models"
	"github.com/edgesync/iot-mirror/internal/status"
	"github.com/edgesync/iot-mirror/internal/store"
	"github.com/edgesync/iot-mirror/internal/utils"
	"github.com/edgesync/iot-mirror/pkg/file"
)

const defaultSnapshotDir = "saved_instances"

// Client is the top level handle an application works with.
type Client struct {
	cfg      *utils.Config
	tree     *models.Network
	manager  *connection.Manager
	snapshot *codec.Snapshot
	status   *status.Status
	logger   zerolog.Logger

	fatal chan error
}

// New loads the entity tree and wires every component together. The
// connection is not opened until Start.
func New(cfg *utils.Config, fileClient file.FileOperations, dialer connection.Dialer,
	logger zerolog.Logger) (*Client, error) {
	st := status.New(logger)

	snapshotDir := cfg.Network.SnapshotDir
	if snapshotDir == "" {
		snapshotDir = defaultSnapshotDir
	}
	snapshot, err := codec.NewSnapshot(snapshotDir, fileClient, logger)
	if err != nil {
		return nil, err
	}

	tree, err := loadTree(cfg, fileClient, snapshot, logger)
	if err != nil {
		return nil, err
	}

	offlineStore, err := store.NewOfflineStore(cfg.Storage.Enabled, cfg.Storage.Location,
		cfg.Storage.DataLimitMB, store.LimitPolicy(cfg.Storage.LimitPolicy),
		store.Granularity(cfg.Storage.Granularity), logger)
	if err != nil {
		return nil, err
	}

	manager, err := connection.NewManager(connection.Options{
		Address:           cfg.Server.Address,
		Port:              cfg.Server.Port,
		CACertificate:     cfg.Server.CACertificate,
		ClientCertificate: cfg.Server.ClientCertificate,
		ClientKey:         cfg.Server.ClientKey,
		MaxRetries:        cfg.Server.MaxRetries,
		ReconnectLimit:    cfg.Server.ReconnectLimit,
		AutomaticTrace:    cfg.Server.AutomaticTrace,
	}, tree, offlineStore, st, dialer, fileClient, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		tree:     tree,
		manager:  manager,
		snapshot: snapshot,
		status:   st,
		logger:   logger,
		fatal:    make(chan error, 1),
	}
	manager.OnFatal = func(err error) {
		c.logger.Error().Err(err).Msg("Connection permanently lost")
		select {
		case c.fatal <- err:
		default:
		}
	}
	return c, nil
}

// loadTree decodes the latest snapshot when configured and one exists,
// otherwise the seed document.
func loadTree(cfg *utils.Config, fileClient file.FileOperations, snapshot *codec.Snapshot,
	logger zerolog.Logger) (*models.Network, error) {

	if cfg.Network.LoadFromSnapshot {
		raw, err := snapshot.LoadLatest()
		if err != nil {
			return nil, err
		}
		if raw != nil {
			return codec.DecodeDocument(raw, logger)
		}
		logger.Info().Msg("No snapshot found, loading seed document")
	}

	raw, err := fileClient.ReadFileRaw(cfg.Network.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity document: %w", err)
	}
	return codec.DecodeDocument(raw, logger)
}

// Start connects, registers the whole tree and blocks until every
// registration request is acknowledged, then launches the workers. On
// return the client is mirroring.
func (c *Client) Start() error {
	if err := c.manager.Connect(); err != nil {
		return err
	}
	c.status.Set(status.Initializing)

	if err := c.manager.SendWholeNetwork(codec.EncodeNetwork(c.tree)); err != nil {
		return err
	}
	if err := c.manager.AwaitEmptyTable(); err != nil {
		return fmt.Errorf("registration not acknowledged: %w", err)
	}

	c.manager.StartSender()
	c.manager.StartReceiver()
	c.manager.FlushStoreAsync()
	c.status.Set(status.Running)
	c.logger.Info().Str("network_id", c.tree.UUID).Msg("Client running")
	return nil
}

// Stop shuts the connection down and optionally saves the tree so the next
// start resumes from it.
func (c *Client) Stop(save bool) error {
	c.manager.Close()
	if save {
		if err := c.snapshot.Save(c.tree); err != nil {
			return err
		}
	}
	c.logger.Info().Msg("Client stopped")
	return nil
}

// Fatal delivers the error that permanently ended the connection.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

// Network returns the root of the entity tree.
func (c *Client) Network() *models.Network {
	return c.tree
}

// Device returns the named device, or nil.
func (c *Client) Device(name string) *models.Device {
	return c.tree.Device(name)
}

// FindByID resolves any entity in the tree by uuid.
func (c *Client) FindByID(id string) any {
	return c.tree.FindByID(id)
}

// Status returns the lifecycle tracker, for callbacks and inspection.
func (c *Client) Status() *status.Status {
	return c.status
}
