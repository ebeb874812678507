package ingest

import (
	"time"

	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/dedup"
	"github.com/roach88/tidemark/internal/ledger"
)

// Normalizer turns a raw source URL into its canonical URI.
//
// Implementations must be deterministic for equivalent URLs: case-folded
// scheme and host, no fragment, sorted query parameters with tracking
// parameters removed, stable trailing-slash handling.
type Normalizer interface {
	Normalize(rawURL string) (string, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(rawURL string) (string, error)

// Normalize calls f.
func (f NormalizerFunc) Normalize(rawURL string) (string, error) {
	return f(rawURL)
}

// Observation is one unit of observed content. Exactly one of Text and Data
// is set: Data is stored as a blob, Text stays inline on the item.
type Observation struct {
	URL         string
	Text        *string
	Data        []byte
	MIMEType    string
	Type        string
	Title       string
	SourceID    string
	ExternalRef string
	ObservedAt  *time.Time
	Tags        []string
	Sensitivity catalog.Sensitivity
	Meta        map[string]any
}

// Request is a batch of observations processed under one run.
type Request struct {
	Kind                 ledger.Kind
	ParentRunID          string
	Actor                string
	ToolName             string
	ToolVersion          string
	IdempotencyKey       string
	NormalizationVersion string

	// SourceType is recorded on every item the run creates. It defaults to
	// ToolName, then Kind.
	SourceType string

	Observations []Observation

	// FollowOnTask, when set, is enqueued once per new item with payload
	// {"item_id": ...}.
	FollowOnTask     string
	FollowOnPriority int
}

// Stats aggregates per-observation outcomes. It is merged into the run's
// metrics.stats when the run finishes.
type Stats struct {
	Observed   int `json:"observed"`
	Created    int `json:"created"`
	Superseded int `json:"superseded"`
	Conflicts  int `json:"conflicts"`
	Failed     int `json:"failed"`
	Enqueued   int `json:"enqueued"`
}

// Outputs is the number of items the run produced.
func (s Stats) Outputs() int {
	return s.Created + s.Superseded
}

func (s Stats) asMap() map[string]any {
	return map[string]any{
		"observed":   s.Observed,
		"created":    s.Created,
		"superseded": s.Superseded,
		"conflicts":  s.Conflicts,
		"failed":     s.Failed,
		"enqueued":   s.Enqueued,
	}
}

// Outcome is the result of one observation, in request order.
type Outcome struct {
	Index      int               `json:"index"`
	Resolution *dedup.Resolution `json:"resolution,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Result summarizes an Ingest call.
//
// Skipped is set when the idempotency key was already used; ExistingRunID
// then names the run that holds it and nothing else is populated.
type Result struct {
	RunID         string        `json:"run_id,omitempty"`
	Skipped       bool          `json:"skipped,omitempty"`
	ExistingRunID string        `json:"existing_run_id,omitempty"`
	Status        ledger.Status `json:"status,omitempty"`
	Stats         Stats         `json:"stats"`
	Outcomes      []Outcome     `json:"outcomes,omitempty"`
}
