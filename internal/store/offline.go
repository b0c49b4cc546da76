// Package store implements the offline event store: an append-only,
// time-bucketed log that absorbs outbound messages while the connection is
// down and replays them in order once it is back.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// LimitPolicy decides what happens when the store is full.
type LimitPolicy string

// Limit policies.
const (
	DropOldest LimitPolicy = "drop-oldest"
	DropRecent LimitPolicy = "drop-recent"
)

// Granularity is the bucket compaction period.
type Granularity string

// Bucket granularities.
const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Month Granularity = "month"
)

const (
	bucketExt  = ".txt"
	archiveExt = ".gz"

	// Pause between replayed messages so a reconnect does not flood the peer.
	defaultReplayDelay = 100 * time.Millisecond
)

// ErrDisconnected aborts a replay when the connection drops mid-way.
var ErrDisconnected = fmt.Errorf("connection lost during replay")

// OfflineStore is the durable spill buffer. At most one of Add and Replay
// runs at a time; both take the store lock for their full duration.
type OfflineStore struct {
	enabled     bool
	dir         string
	limitBytes  int64
	policy      LimitPolicy
	granularity Granularity
	replayDelay time.Duration
	logger      zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewOfflineStore creates the store and its directory. A disabled store
// logs and drops everything handed to it.
func NewOfflineStore(enabled bool, dir string, limitMegabytes int, policy LimitPolicy,
	granularity Granularity, logger zerolog.Logger) (*OfflineStore, error) {

	s := &OfflineStore{
		enabled:     enabled,
		dir:         dir,
		limitBytes:  int64(limitMegabytes) * 1000000,
		policy:      policy,
		granularity: granularity,
		replayDelay: defaultReplayDelay,
		logger:      logger,
		now:         time.Now,
	}

	if enabled {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create offline store directory: %w", err)
		}
	}
	return s, nil
}

// bucketName returns the active bucket file name for t.
func (s *OfflineStore) bucketName(t time.Time) string {
	switch s.granularity {
	case Hour:
		return fmt.Sprintf("%04d-%02d-%02d-%02d%s", t.Year(), t.Month(), t.Day(), t.Hour(), bucketExt)
	case Month:
		return fmt.Sprintf("%04d-%02d%s", t.Year(), t.Month(), bucketExt)
	default:
		return fmt.Sprintf("%04d-%02d-%02d%s", t.Year(), t.Month(), t.Day(), bucketExt)
	}
}

// Add serializes the batch as one line and appends it to the active bucket,
// applying the limit policy when the store is full.
func (s *OfflineStore) Add(batch []json.RawMessage) error {
	if !s.enabled {
		s.logger.Error().Msg("Sending while not connected and offline storage is disabled")
		return nil
	}
	if len(batch) == 0 {
		return nil
	}

	line, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to serialize offline batch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(line)
}

func (s *OfflineStore) append(line []byte) error {
	for s.size()+int64(len(line)) > s.limitBytes {
		switch s.policy {
		case DropOldest:
			if !s.dropOldestLine() {
				return fmt.Errorf("offline store over limit and nothing left to drop")
			}
		default:
			s.logger.Warn().Msg("Offline store limit exceeded, discarding new message")
			return nil
		}
	}

	name := s.bucketName(s.now())
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// A new bucket begins; archive the closed ones first.
		s.compact()
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open offline bucket: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to offline bucket: %w", err)
	}
	s.logger.Debug().Int("bytes", len(line)).Str("bucket", name).Msg("Message spilled to offline store")
	return nil
}

// buckets lists bucket files sorted oldest first. Zero-padded names make
// lexical order chronological.
func (s *OfflineStore) buckets() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error().Err(err).Str("dir", s.dir).Msg("Offline store directory could not be read")
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, bucketExt) || strings.HasSuffix(name, archiveExt) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *OfflineStore) size() int64 {
	var total int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

// compact gzips every plain bucket file, removing the originals.
func (s *OfflineStore) compact() {
	for _, name := range s.buckets() {
		if !strings.HasSuffix(name, bucketExt) {
			continue
		}
		if err := s.archive(name); err != nil {
			s.logger.Error().Err(err).Str("bucket", name).Msg("Failed to archive offline bucket")
		}
	}
}

func (s *OfflineStore) archive(name string) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	archived := strings.TrimSuffix(path, bucketExt) + archiveExt
	f, err := os.Create(archived)
	if err != nil {
		return err
	}
	w := gzip.NewWriter(f)
	if _, err := w.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// unarchive restores a gzipped bucket to plain text and returns the plain
// file name.
func (s *OfflineStore) unarchive(name string) (string, error) {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r, err := gzip.NewReader(f)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if err := r.Close(); err != nil {
		return "", err
	}

	plain := strings.TrimSuffix(name, archiveExt) + bucketExt
	if err := os.WriteFile(filepath.Join(s.dir, plain), data, 0644); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return plain, nil
}

// dropOldestLine removes the first line of the oldest bucket, deleting the
// bucket when it empties. Archived buckets are removed whole. Returns false
// when the store holds nothing to drop.
func (s *OfflineStore) dropOldestLine() bool {
	names := s.buckets()
	if len(names) == 0 {
		return false
	}
	name := names[0]
	path := filepath.Join(s.dir, name)

	if !strings.HasSuffix(name, bucketExt) {
		os.Remove(path)
		s.logger.Debug().Str("bucket", name).Msg("Removed old offline data")
		return true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		os.Remove(path)
		return true
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 && i+1 < len(data) {
		if err := os.WriteFile(path, data[i+1:], 0644); err != nil {
			s.logger.Error().Err(err).Msg("Failed to trim oldest offline bucket")
			return false
		}
	} else {
		os.Remove(path)
	}
	s.logger.Debug().Str("bucket", name).Msg("Removed old offline data")
	return true
}

// Replay feeds every stored message to send, oldest bucket first, in the
// exact order they were appended. Each bucket is deleted only after all of
// its contents were sent. When connected reports false the replay aborts,
// leaving unconsumed buckets for the next attempt.
func (s *OfflineStore) Replay(send func(json.RawMessage) error, connected func() bool) error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.buckets() {
		if strings.HasSuffix(name, archiveExt) {
			plain, err := s.unarchive(name)
			if err != nil {
				s.logger.Error().Err(err).Str("bucket", name).Msg("Failed to unarchive offline bucket")
				continue
			}
			name = plain
		}

		path := filepath.Join(s.dir, name)
		if err := s.replayBucket(path, send, connected); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			s.logger.Error().Err(err).Str("bucket", name).Msg("Failed to delete replayed bucket")
		}
		s.logger.Debug().Str("bucket", name).Msg("Offline bucket replayed")
	}
	return nil
}

func (s *OfflineStore) replayBucket(path string, send func(json.RawMessage) error, connected func() bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open offline bucket: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var batch []json.RawMessage
		if err := json.Unmarshal(line, &batch); err != nil {
			s.logger.Error().Err(err).Msg("Json decoding error while reading offline bucket, line skipped")
			continue
		}

		for _, message := range batch {
			if !connected() {
				s.logger.Debug().Msg("No connection to the server, replay paused")
				return ErrDisconnected
			}
			time.Sleep(s.replayDelay)
			if err := send(message); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}
