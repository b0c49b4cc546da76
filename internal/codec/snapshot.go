package codec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgesync/iot-mirror/internal/models"
	"github.com/edgesync/iot-mirror/pkg/file"
)

// Snapshot persists entity trees to disk, one file per network, so a
// restart can resume from the last saved state instead of the seed
// document.
type Snapshot struct {
	dir    string
	files  file.FileOperations
	logger zerolog.Logger
}

// NewSnapshot creates the snapshot directory and a handle on it.
func NewSnapshot(dir string, files file.FileOperations, logger zerolog.Logger) (*Snapshot, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Snapshot{dir: dir, files: files, logger: logger}, nil
}

// Save writes the tree as <network-uuid>.json. The network object is stored
// string-wrapped inside the data member, matching the seed document format.
func (s *Snapshot) Save(n *models.Network) error {
	inner, err := json.Marshal(EncodeNetwork(n))
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	wrapped, err := json.Marshal(string(inner))
	if err != nil {
		return fmt.Errorf("failed to wrap snapshot: %w", err)
	}

	path := filepath.Join(s.dir, n.UUID+".json")
	if err := s.files.WriteJsonFile(path, Document{Data: wrapped}); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	s.logger.Debug().Str("path", path).Msg("Snapshot saved")
	return nil
}

// LoadLatest returns the raw content of the most recently written snapshot,
// or nil when none exists.
func (s *Snapshot) LoadLatest() ([]byte, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var (
		latest     string
		latestTime time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestTime) {
			latest = e.Name()
			latestTime = info.ModTime()
		}
	}
	if latest == "" {
		return nil, nil
	}
	return s.files.ReadFileRaw(filepath.Join(s.dir, latest))
}
