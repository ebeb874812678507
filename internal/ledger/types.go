package ledger

import (
	"time"

	"github.com/roach88/tidemark/internal/apperr"
)

// Kind says what started a run.
type Kind string

const (
	KindCLI      Kind = "cli"
	KindAgent    Kind = "agent"
	KindWorkflow Kind = "workflow"
	KindTrigger  Kind = "trigger"
)

// Valid reports whether k is a defined kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCLI, KindAgent, KindWorkflow, KindTrigger:
		return true
	}
	return false
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// Level is the severity of a run log line.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Valid reports whether l is a defined level.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// Run is one execution attempt.
type Run struct {
	RunID                string         `json:"run_id"`
	ParentRunID          string         `json:"parent_run_id,omitempty"`
	Kind                 Kind           `json:"kind"`
	Actor                string         `json:"actor,omitempty"`
	ToolName             string         `json:"tool_name,omitempty"`
	ToolVersion          string         `json:"tool_version,omitempty"`
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	NormalizationVersion string         `json:"normalization_version"`
	Status               Status         `json:"status"`
	StartedAt            time.Time      `json:"started_at"`
	FinishedAt           *time.Time     `json:"finished_at,omitempty"`
	Error                string         `json:"error,omitempty"`
	Metrics              map[string]any `json:"metrics"`
}

// Stats returns metrics.stats, or nil if none were recorded.
func (r Run) Stats() map[string]any {
	stats, _ := r.Metrics["stats"].(map[string]any)
	return stats
}

// StartParams describes a run to start.
type StartParams struct {
	Kind                 Kind
	ParentRunID          string
	Actor                string
	ToolName             string
	ToolVersion          string
	IdempotencyKey       string
	NormalizationVersion string
	Metrics              map[string]any
}

// StartResult is either a started run or, when the idempotency key was
// already taken, the id of the run that holds it.
type StartResult struct {
	Run           Run
	ExistingRunID string
	key           string
}

// Conflicted reports whether the key was already used.
func (r StartResult) Conflicted() bool {
	return r.ExistingRunID != ""
}

// Err returns an *apperr.IdempotencyConflict for the conflict variant and
// nil otherwise.
func (r StartResult) Err() error {
	if !r.Conflicted() {
		return nil
	}
	return &apperr.IdempotencyConflict{Key: r.key, ExistingRunID: r.ExistingRunID}
}

// FinishParams describes the terminal transition of a run.
type FinishParams struct {
	Status Status
	Stats  map[string]any
	Error  string
}

// LogEntry is one append-only run log line.
type LogEntry struct {
	LogID     string         `json:"log_id"`
	RunID     string         `json:"run_id"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)
