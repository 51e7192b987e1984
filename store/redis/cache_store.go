package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowcore/domain"

	"github.com/redis/go-redis/v9"
)

// CacheStore is a domain.CacheStore backed by a string key per fingerprint.
// Unlike store/memory and store/sqlite, whose Coordinate is only ever
// process-local, redis's SetNX gives Coordinate a real distributed lock:
// multiple flowcore processes racing on the same fingerprint against a
// shared redis still get exactly one leader.
type CacheStore struct {
	client *redis.Client

	leaseTTL time.Duration
}

func NewCacheStore(client *redis.Client) *CacheStore {
	return &CacheStore{client: client, leaseTTL: 5 * time.Minute}
}

func entryKey(fingerprint string) string { return fmt.Sprintf("flowcore:cache:%s", fingerprint) }
func leaseKey(fingerprint string) string { return fmt.Sprintf("flowcore:cache:%s:lease", fingerprint) }

func (s *CacheStore) Get(ctx context.Context, fingerprint string) (domain.CacheEntry, bool, error) {
	data, err := s.client.Get(ctx, entryKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to load cache entry: %w", err)
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return entry, true, nil
}

func (s *CacheStore) Put(ctx context.Context, entry domain.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, entryKey(entry.Fingerprint), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

func (s *CacheStore) Coordinate(ctx context.Context, fingerprint string) (bool, func(), error) {
	acquired, err := s.client.SetNX(ctx, leaseKey(fingerprint), "1", s.leaseTTL).Result()
	if err != nil {
		return false, func() {}, fmt.Errorf("failed to acquire cache lease: %w", err)
	}
	if !acquired {
		return false, func() {}, nil
	}
	release := func() {
		s.client.Del(ctx, leaseKey(fingerprint))
	}
	return true, release, nil
}
