package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle status of a WorkflowInstance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusWaiting   InstanceStatus = "waiting"
	InstanceStatusSuspended InstanceStatus = "suspended"
	InstanceStatusFaulted   InstanceStatus = "faulted"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status ends the instance's lifetime.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFaulted, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// NewInstanceID mints a fresh, globally unique workflow instance identifier.
func NewInstanceID() string {
	return uuid.NewString()
}

// WorkflowInstance is one running (or completed) execution of a
// WorkflowDocument.
type WorkflowInstance struct {
	ID              string          `json:"id"`
	WorkflowRef     Ref             `json:"workflowRef"`
	Input           json.RawMessage `json:"input"`
	Context         json.RawMessage `json:"context"`
	CurrentTask     string          `json:"currentTask,omitempty"`
	Status          InstanceStatus  `json:"status"`
	SequenceNumber  int64           `json:"sequenceNumber"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           *ProblemDetails `json:"error,omitempty"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	History         []TaskExecutionRecord `json:"history,omitempty"`
}

// NextSequence increments and returns the instance's event sequence
// counter. Callers must hold whatever per-instance serialization the Event
// Store implementation requires before calling this.
func (w *WorkflowInstance) NextSequence() int64 {
	w.SequenceNumber++
	return w.SequenceNumber
}
