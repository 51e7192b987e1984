package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flowcore/domain"

	"github.com/google/uuid"
)

// EventStore is a domain.EventStore backed by the events table. Append
// takes a transaction-scoped advisory lock keyed by the instance id before
// reading the current maximum sequence number, so concurrent appends across
// processes still assign gap-free, strictly monotonic sequence numbers per
// instance.
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

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instanceID); err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("failed to lock instance sequence: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM events WHERE instance_id = $1`,
		instanceID,
	).Scan(&maxSeq); err != nil {
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
		`INSERT INTO events (id, instance_id, sequence_number, event_type, payload, timestamp) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.InstanceID, event.SequenceNumber, string(event.EventType), []byte(event.Payload), event.Timestamp,
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
		`SELECT id, sequence_number, event_type, payload, timestamp FROM events WHERE instance_id = $1 AND sequence_number > $2 ORDER BY sequence_number ASC`,
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
		)
		if err := rows.Scan(&e.ID, &e.SequenceNumber, &eventType, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.InstanceID = instanceID
		e.EventType = domain.WorkflowEventType(eventType)
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}
