package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flowcore/domain"

	"github.com/google/uuid"
)

// EventStore is a domain.EventStore backed by the events table. Sequence
// numbers are assigned inside a transaction that also serializes on the
// client's single connection, so appends across goroutines for the same
// instance never race on the next sequence number.
type EventStore struct {
	client *Client
}

func NewEventStore(client *Client) *EventStore {
	return &EventStore{client: client}
}

func (s *EventStore) Append(ctx context.Context, instanceID string, eventType domain.WorkflowEventType, payload interface{}) (domain.WorkflowEvent, error) {
	raw, err := domain.MarshalEventPayload(payload)
	if err != nil {
		return domain.WorkflowEvent{}, err
	}

	tx, err := s.client.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM events WHERE instance_id = ?`, instanceID).Scan(&maxSeq); err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("failed to read current sequence number: %w", err)
	}

	event := domain.WorkflowEvent{
		ID:             uuid.NewString(),
		InstanceID:     instanceID,
		EventType:      eventType,
		Payload:        raw,
		Timestamp:      time.Now().UTC(),
		SequenceNumber: maxSeq.Int64 + 1,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, instance_id, sequence_number, event_type, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.InstanceID, event.SequenceNumber, string(event.EventType), []byte(event.Payload), event.Timestamp.Format(time.RFC3339Nano),
	); err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("failed to commit event append: %w", err)
	}
	return event, nil
}

func (s *EventStore) Load(ctx context.Context, instanceID string, fromSeq int64) ([]domain.WorkflowEvent, error) {
	rows, err := s.client.db.QueryContext(ctx,
		`SELECT id, sequence_number, event_type, payload, timestamp FROM events WHERE instance_id = ? AND sequence_number > ? ORDER BY sequence_number ASC`,
		instanceID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowEvent
	for rows.Next() {
		var (
			e         domain.WorkflowEvent
			eventType string
			payload   []byte
			timestamp string
		)
		if err := rows.Scan(&e.ID, &e.SequenceNumber, &eventType, &payload, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.InstanceID = instanceID
		e.EventType = domain.WorkflowEventType(eventType)
		e.Payload = payload
		e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}
