// Package embeddedkv implements the Cache Store as a single
// gob-encoded file on disk, one entry per fingerprint, for the
// `--cache-provider embedded-kv` CLI option (spec.md §6). The retrieval
// pack carries no third-party embedded key-value library (no bbolt,
// badger, or pebble anywhere in it), so this stays on encoding/gob and
// os — see DESIGN.md for the standard-library justification.
package embeddedkv

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"flowcore/domain"
)

// CacheStore is a domain.CacheStore whose entries live in one file,
// rewritten wholesale on every Put. Reads and writes serialize on a single
// mutex; this is a single-process, single-binary-CLI store, not a
// multi-writer one — store/redis or store/postgres are for that.
type CacheStore struct {
	path string

	mu      sync.Mutex
	entries map[string]domain.CacheEntry
	locks   map[string]chan struct{}
}

func NewCacheStore(path string) (*CacheStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create embedded-kv directory: %w", err)
	}
	s := &CacheStore{
		path:    path,
		entries: make(map[string]domain.CacheEntry),
		locks:   make(map[string]chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CacheStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read embedded-kv file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var entries map[string]domain.CacheEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode embedded-kv file: %w", err)
	}
	s.entries = entries
	return nil
}

func (s *CacheStore) flush() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.entries); err != nil {
		return fmt.Errorf("failed to encode embedded-kv entries: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write embedded-kv file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *CacheStore) Get(ctx context.Context, fingerprint string) (domain.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[fingerprint]
	return entry, ok, nil
}

func (s *CacheStore) Put(ctx context.Context, entry domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Fingerprint] = entry
	return s.flush()
}

func (s *CacheStore) Coordinate(ctx context.Context, fingerprint string) (bool, func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[fingerprint]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[fingerprint] = lock
	}
	s.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return true, func() { <-lock }, nil
	default:
		return false, func() {}, nil
	}
}
