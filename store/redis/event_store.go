package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"flowcore/domain"

	"github.com/redis/go-redis/v9"
)

// EventStore is a domain.EventStore backed by a per-instance sorted set,
// scored by sequence number. A sorted set (rather than a list, as the
// teacher's task_changes stream uses XAdd for) lets Append assign the
// sequence number with an atomic INCR and add the member independently of
// arrival order, so two concurrent appends for the same instance can never
// interleave the log.
type EventStore struct {
	client *redis.Client
}

func NewEventStore(client *redis.Client) *EventStore {
	return &EventStore{client: client}
}

func seqKey(instanceID string) string   { return fmt.Sprintf("flowcore:events:%s:seq", instanceID) }
func eventsKey(instanceID string) string { return fmt.Sprintf("flowcore:events:%s", instanceID) }

func (s *EventStore) Append(ctx context.Context, instanceID string, eventType domain.WorkflowEventType, payload interface{}) (domain.WorkflowEvent, error) {
	raw, err := domain.MarshalEventPayload(payload)
	if err != nil {
		return domain.WorkflowEvent{}, err
	}

	seq, err := s.client.Incr(ctx, seqKey(instanceID)).Result()
	if err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	event := domain.WorkflowEvent{
		ID:             fmt.Sprintf("%s:%d", instanceID, seq),
		InstanceID:     instanceID,
		EventType:      eventType,
		Payload:        raw,
		SequenceNumber: seq,
		Timestamp:      time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.client.ZAdd(ctx, eventsKey(instanceID), redis.Z{Score: float64(seq), Member: data}).Err(); err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("failed to append event: %w", err)
	}
	return event, nil
}

func (s *EventStore) Load(ctx context.Context, instanceID string, fromSeq int64) ([]domain.WorkflowEvent, error) {
	members, err := s.client.ZRangeByScore(ctx, eventsKey(instanceID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(fromSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	out := make([]domain.WorkflowEvent, 0, len(members))
	for _, member := range members {
		var event domain.WorkflowEvent
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, event)
	}
	return out, nil
}
