package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flowcore/domain"
)

// CheckpointStore is a domain.CheckpointStore backed by the checkpoints
// table. Save upserts the single row per instance, matching the store's
// contract of holding only the latest checkpoint.
type CheckpointStore struct {
	client *Client
}

func NewCheckpointStore(client *Client) *CheckpointStore {
	return &CheckpointStore{client: client}
}

func (s *CheckpointStore) Save(ctx context.Context, checkpoint domain.Checkpoint) error {
	_, err := s.client.db.ExecContext(ctx,
		`INSERT INTO checkpoints (instance_id, current_task, context_snapshot, sequence_number, timestamp)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET
		   current_task = excluded.current_task,
		   context_snapshot = excluded.context_snapshot,
		   sequence_number = excluded.sequence_number,
		   timestamp = excluded.timestamp`,
		checkpoint.InstanceID, checkpoint.CurrentTask, []byte(checkpoint.ContextSnapshot),
		checkpoint.SequenceNumber, checkpoint.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) Load(ctx context.Context, instanceID string) (domain.Checkpoint, bool, error) {
	var (
		checkpoint domain.Checkpoint
		snapshot   []byte
		timestamp  string
	)
	row := s.client.db.QueryRowContext(ctx,
		`SELECT instance_id, current_task, context_snapshot, sequence_number, timestamp FROM checkpoints WHERE instance_id = ?`,
		instanceID,
	)
	err := row.Scan(&checkpoint.InstanceID, &checkpoint.CurrentTask, &snapshot, &checkpoint.SequenceNumber, &timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	checkpoint.ContextSnapshot = snapshot
	checkpoint.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("failed to parse checkpoint timestamp: %w", err)
	}
	return checkpoint, true, nil
}
