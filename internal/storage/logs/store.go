// Package logs keeps structured log entries in a bounded WAL for the control surface.
package logs

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/sniper/internal/domain"
)

const (
	DefaultDir   = "./data/logs"
	DefaultLimit = 100

	segmentLimit = 1000
	maxSegments  = 10
	entryKey     = "log"
)

// Store persists log entries in a WAL. Old segments are dropped once maxSegments is exceeded.
type Store struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// Open initializes a WAL-backed log store in dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "log_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init log WAL")
	}

	return &Store{wal: wal}, nil
}

// Append writes the entry at the next index.
func (s *Store) Append(entry domain.LogEntry) error {
	if s == nil || s.wal == nil {
		return errors.New("log store is not initialized")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal log entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Write(s.wal.CurrentIndex()+1, entryKey, payload)
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]domain.LogEntry, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("log store is not initialized")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LogEntry, 0, limit)
	for idx := s.wal.CurrentIndex(); idx > 0 && len(entries) < limit; idx-- {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			// compacted away
			break
		}
		if key != entryKey {
			continue
		}

		var entry domain.LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, errors.Wrapf(err, "decode log entry %d", idx)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Record is a log entry with its WAL index.
type Record struct {
	Index uint64          `json:"index"`
	Entry domain.LogEntry `json:"entry"`
}

// EntriesAfter returns all entries written after the provided WAL index, oldest first.
func (s *Store) EntriesAfter(index uint64) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("log store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil || key != entryKey {
			continue
		}

		var entry domain.LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, errors.Wrapf(err, "decode log entry %d", idx)
		}
		records = append(records, Record{Index: idx, Entry: entry})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *Store) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("log store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
