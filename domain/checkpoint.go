package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Checkpoint is the latest materialized state snapshot of an instance,
// enough to resume without replaying the full event tail from sequence 1.
type Checkpoint struct {
	InstanceID      string          `json:"instanceId"`
	CurrentTask     string          `json:"currentTask"`
	ContextSnapshot json.RawMessage `json:"contextSnapshot"`
	SequenceNumber  int64           `json:"sequenceNumber"`
	Timestamp       time.Time       `json:"timestamp"`
}

// CheckpointStore holds the single latest Checkpoint per instance. The
// scheduler writes one opportunistically after every successful task
// completion; a checkpoint is always replayable in combination with the
// event tail from its SequenceNumber onward.
type CheckpointStore interface {
	Save(ctx context.Context, checkpoint Checkpoint) error
	Load(ctx context.Context, instanceID string) (Checkpoint, bool, error)
}
