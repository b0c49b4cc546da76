package utils

import (
	"github.com/edgesync/iot-mirror/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	Server struct {
		Address           string `yaml:"address"`            // Peer hostname or IP
		Port              int    `yaml:"port"`               // Peer TLS port
		CACertificate     string `yaml:"ca_certificate"`     // Path to the CA certificate
		ClientCertificate string `yaml:"client_certificate"` // Path to the client certificate
		ClientKey         string `yaml:"client_key"`         // Path to the client private key
		MaxRetries        int    `yaml:"max_retries"`        // Maximum number of connect attempts
		ReconnectLimit    int    `yaml:"reconnect_limit"`    // Maximum reconnect attempts, 0 retries forever
		AutomaticTrace    bool   `yaml:"automatic_trace"`    // Attach a trace id to every report
	} `yaml:"server"`

	Network struct {
		ConfigFile       string `yaml:"config_file"`        // Path to the seed entity document
		LoadFromSnapshot bool   `yaml:"load_from_snapshot"` // Resume from the latest snapshot instead of the seed
		SnapshotDir      string `yaml:"snapshot_dir"`       // Directory holding tree snapshots
	} `yaml:"network"`

	Storage struct {
		Enabled     bool   `yaml:"enabled"`       // Enable/disable the offline store
		Location    string `yaml:"location"`      // Directory holding offline buckets
		DataLimitMB int    `yaml:"data_limit_mb"` // Maximum store size in megabytes
		LimitPolicy string `yaml:"limit_policy"`  // drop-oldest or drop-recent
		Granularity string `yaml:"granularity"`   // Bucket rotation period: hour, day or month
	} `yaml:"storage"`
}

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}
