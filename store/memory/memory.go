// Package memory provides in-process implementations of the Event Store,
// Checkpoint Store, and Cache Store, backed by nothing but mutex-guarded
// maps. They satisfy the same contracts the sqlite and redis packages do
// and are the doubles tests substitute in place of a real backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowcore/domain"

	"github.com/google/uuid"
)

// EventStore is an in-memory domain.EventStore keyed by instance id.
// Sequence numbers are assigned gap-free and strictly increasing per
// instance, starting at 1.
type EventStore struct {
	mu     sync.Mutex
	events map[string][]domain.WorkflowEvent
}

func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string][]domain.WorkflowEvent)}
}

func (s *EventStore) Append(ctx context.Context, instanceID string, eventType domain.WorkflowEventType, payload interface{}) (domain.WorkflowEvent, error) {
	raw, err := domain.MarshalEventPayload(payload)
	if err != nil {
		return domain.WorkflowEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(len(s.events[instanceID])) + 1
	event := domain.WorkflowEvent{
		ID:             uuid.NewString(),
		InstanceID:     instanceID,
		EventType:      eventType,
		Payload:        raw,
		Timestamp:      time.Now().UTC(),
		SequenceNumber: seq,
	}
	s.events[instanceID] = append(s.events[instanceID], event)
	return event, nil
}

func (s *EventStore) Load(ctx context.Context, instanceID string, fromSeq int64) ([]domain.WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[instanceID]
	out := make([]domain.WorkflowEvent, 0, len(all))
	for _, e := range all {
		if e.SequenceNumber > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// CheckpointStore is an in-memory domain.CheckpointStore holding the single
// latest Checkpoint per instance.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]domain.Checkpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]domain.Checkpoint)}
}

func (s *CheckpointStore) Save(ctx context.Context, checkpoint domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.InstanceID] = checkpoint
	return nil
}

func (s *CheckpointStore) Load(ctx context.Context, instanceID string) (domain.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[instanceID]
	return cp, ok, nil
}

// CacheStore is an in-memory domain.CacheStore. Coordinate hands out the
// single-writer right per fingerprint via a map of channels acting as
// mutexes that are cheap to hold across a dispatcher call.
type CacheStore struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
	locks   map[string]chan struct{}
}

func NewCacheStore() *CacheStore {
	return &CacheStore{
		entries: make(map[string]domain.CacheEntry),
		locks:   make(map[string]chan struct{}),
	}
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
	return nil
}

func (s *CacheStore) Coordinate(ctx context.Context, fingerprint string) (bool, func(), error) {
	s.mu.Lock()
	lock, exists := s.locks[fingerprint]
	if !exists {
		lock = make(chan struct{}, 1)
		s.locks[fingerprint] = lock
	}
	s.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return true, func() { <-lock }, nil
	case <-ctx.Done():
		return false, func() {}, fmt.Errorf("coordinate cancelled for fingerprint %s: %w", fingerprint, ctx.Err())
	default:
		return false, func() {}, nil
	}
}
