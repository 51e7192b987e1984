package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowEventType is the discriminator for the Event Store's tagged
// records, mirroring the workflow and task lifecycle transitions the
// scheduler drives an instance through.
type WorkflowEventType string

const (
	EventWorkflowStarted   WorkflowEventType = "WorkflowStarted"
	EventWorkflowCompleted WorkflowEventType = "WorkflowCompleted"
	EventWorkflowFailed    WorkflowEventType = "WorkflowFailed"
	EventWorkflowCancelled WorkflowEventType = "WorkflowCancelled"
	EventWorkflowSuspended WorkflowEventType = "WorkflowSuspended"
	EventWorkflowResumed   WorkflowEventType = "WorkflowResumed"

	EventTaskCreated   WorkflowEventType = "TaskCreated"
	EventTaskStarted   WorkflowEventType = "TaskStarted"
	EventTaskCompleted WorkflowEventType = "TaskCompleted"
	EventTaskRetried   WorkflowEventType = "TaskRetried"
	EventTaskFaulted   WorkflowEventType = "TaskFaulted"
	EventTaskCancelled WorkflowEventType = "TaskCancelled"
	EventTaskSuspended WorkflowEventType = "TaskSuspended"
	EventTaskResumed   WorkflowEventType = "TaskResumed"
)

// WorkflowEvent is a single append-only record in the Event Store.
// Sequence numbers are assigned by the store, gap-free and strictly
// monotonic per instance, starting at 1.
type WorkflowEvent struct {
	ID             string            `json:"id"`
	InstanceID     string            `json:"instanceId"`
	EventType      WorkflowEventType `json:"eventType"`
	Payload        json.RawMessage   `json:"payload"`
	Timestamp      time.Time         `json:"timestamp"`
	SequenceNumber int64             `json:"sequenceNumber"`
}

// WorkflowStartedPayload is the payload of an EventWorkflowStarted event.
type WorkflowStartedPayload struct {
	WorkflowRef Ref             `json:"workflowRef"`
	Input       json.RawMessage `json:"input"`
}

// WorkflowTerminalPayload is the payload shared by the three terminal
// workflow lifecycle events.
type WorkflowTerminalPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  *ProblemDetails `json:"error,omitempty"`
}

// TaskLifecyclePayload is the payload shared by every task lifecycle event.
type TaskLifecyclePayload struct {
	TaskReference string          `json:"taskReference"`
	Attempt       int             `json:"attempt,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *ProblemDetails `json:"error,omitempty"`
	Fingerprint   string          `json:"fingerprint,omitempty"`
	CacheHit      bool            `json:"cacheHit,omitempty"`
}

// EventStore is the append-only, per-instance-ordered log of workflow and
// task lifecycle events. Implementations must assign sequence numbers
// atomically per instance and must not mutate or delete acknowledged
// events.
type EventStore interface {
	// Append assigns the next sequence number for instanceID and durably
	// persists the event before returning.
	Append(ctx context.Context, instanceID string, eventType WorkflowEventType, payload interface{}) (WorkflowEvent, error)
	// Load returns events for instanceID with sequence number > fromSeq, in
	// ascending order.
	Load(ctx context.Context, instanceID string, fromSeq int64) ([]WorkflowEvent, error)
}

// MarshalEventPayload is a helper for EventStore implementations that need
// to serialize a typed payload struct into WorkflowEvent.Payload.
func MarshalEventPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return data, nil
}
