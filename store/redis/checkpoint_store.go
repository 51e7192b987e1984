package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flowcore/domain"

	"github.com/redis/go-redis/v9"
)

// CheckpointStore is a domain.CheckpointStore backed by a single string key
// per instance, the same Set/Get-a-JSON-blob pattern the teacher's
// Storage.PersistTask/GetTask use for task records.
type CheckpointStore struct {
	client *redis.Client
}

func NewCheckpointStore(client *redis.Client) *CheckpointStore {
	return &CheckpointStore{client: client}
}

func checkpointKey(instanceID string) string {
	return fmt.Sprintf("flowcore:checkpoints:%s", instanceID)
}

func (s *CheckpointStore) Save(ctx context.Context, checkpoint domain.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, checkpointKey(checkpoint.InstanceID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) Load(ctx context.Context, instanceID string) (domain.Checkpoint, bool, error) {
	data, err := s.client.Get(ctx, checkpointKey(instanceID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var checkpoint domain.Checkpoint
	if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return checkpoint, true, nil
}
