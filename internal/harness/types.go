package harness

// TraceEvent is the recorded outcome of one scenario step.
// Item references use step labels.
type TraceEvent struct {
	Step       string      `json:"step"`
	Version    string      `json:"normalization_version"`
	IsNew      bool        `json:"is_new"`
	Supersedes string      `json:"supersedes,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Conflict   bool        `json:"conflict,omitempty"`
	Candidates *Candidates `json:"candidates,omitempty"`
	Selected   string      `json:"selected,omitempty"`
}

// Candidates names both conflicting matches by step label.
type Candidates struct {
	ContentDigest string `json:"content_digest"`
	CanonicalURI  string `json:"canonical_uri"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failure messages.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// event returns the trace event for a step label.
func (r *Result) event(label string) (TraceEvent, bool) {
	for _, e := range r.Trace {
		if e.Step == label {
			return e, true
		}
	}
	return TraceEvent{}, false
}
