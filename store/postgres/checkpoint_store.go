package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (instance_id) DO UPDATE SET
		   current_task = excluded.current_task,
		   context_snapshot = excluded.context_snapshot,
		   sequence_number = excluded.sequence_number,
		   timestamp = excluded.timestamp`,
		checkpoint.InstanceID, checkpoint.CurrentTask, []byte(checkpoint.ContextSnapshot),
		checkpoint.SequenceNumber, checkpoint.Timestamp,
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
	)
	row := s.client.db.QueryRowContext(ctx,
		`SELECT instance_id, current_task, context_snapshot, sequence_number, timestamp FROM checkpoints WHERE instance_id = $1`,
		instanceID,
	)
	err := row.Scan(&checkpoint.InstanceID, &checkpoint.CurrentTask, &snapshot, &checkpoint.SequenceNumber, &checkpoint.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	checkpoint.ContextSnapshot = snapshot
	return checkpoint, true, nil
}
