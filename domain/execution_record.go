package domain

import (
	"encoding/json"
	"time"
)

// TaskOutcome is the terminal disposition of one task invocation.
type TaskOutcome string

const (
	TaskOutcomeCompleted TaskOutcome = "completed"
	TaskOutcomeFaulted   TaskOutcome = "faulted"
	TaskOutcomeCancelled TaskOutcome = "cancelled"
)

// TaskExecutionRecord is written for every task invocation, including
// retries and for-each iterations.
type TaskExecutionRecord struct {
	InstanceID    string          `json:"instanceId"`
	TaskReference string          `json:"taskReference"`
	Attempt       int             `json:"attempt"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output,omitempty"`
	Outcome       TaskOutcome     `json:"outcome"`
	Error         *ProblemDetails `json:"error,omitempty"`
	Fingerprint   string          `json:"fingerprint,omitempty"`
	CacheHit      bool            `json:"cacheHit,omitempty"`
}
