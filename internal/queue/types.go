package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusLeased, StatusRunning, StatusSucceeded, StatusFailed, StatusDead:
		return true
	}
	return false
}

// DefaultMaxAttempts applies when EnqueueParams.MaxAttempts is zero.
const DefaultMaxAttempts = 10

// Task is one unit of background work.
type Task struct {
	TaskID      string          `json:"task_id"`
	RunID       string          `json:"run_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	DueAt       time.Time       `json:"due_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EnqueueParams describes a task to enqueue.
type EnqueueParams struct {
	Type        string
	Payload     json.RawMessage // defaults to {}
	DueAt       time.Time       // zero means now
	Priority    int
	MaxAttempts int // zero means DefaultMaxAttempts
	RunID       string
}

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Type   string
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)
