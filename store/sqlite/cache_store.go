package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowcore/domain"
)

// CacheStore is a domain.CacheStore backed by the cache_entries table.
// Coordinate's at-most-once leadership right is process-local, guarded by
// an in-memory per-fingerprint lock table the same way store/memory does
// it: sqlite's single writer connection serializes the durable Get/Put
// traffic, but two goroutines in this process still need to agree on who
// computes a given fingerprint before either calls Put.
type CacheStore struct {
	client *Client

	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewCacheStore(client *Client) *CacheStore {
	return &CacheStore{
		client: client,
		locks:  make(map[string]chan struct{}),
	}
}

func (s *CacheStore) Get(ctx context.Context, fingerprint string) (domain.CacheEntry, bool, error) {
	var (
		entry     domain.CacheEntry
		input     []byte
		output    []byte
		timestamp string
	)
	row := s.client.db.QueryRowContext(ctx,
		`SELECT fingerprint, input, output, timestamp FROM cache_entries WHERE fingerprint = ?`,
		fingerprint,
	)
	err := row.Scan(&entry.Fingerprint, &input, &output, &timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to load cache entry: %w", err)
	}
	entry.Input = input
	entry.Output = output
	entry.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to parse cache entry timestamp: %w", err)
	}
	return entry, true, nil
}

func (s *CacheStore) Put(ctx context.Context, entry domain.CacheEntry) error {
	_, err := s.client.db.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, input, output, timestamp)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   input = excluded.input,
		   output = excluded.output,
		   timestamp = excluded.timestamp`,
		entry.Fingerprint, []byte(entry.Input), []byte(entry.Output), entry.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
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
