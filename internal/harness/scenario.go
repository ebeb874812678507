package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is an ordered list of observations replayed through the dedup
// resolver, followed by assertions on the resulting trace.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// NormalizationVersion is the default version for every step.
	NormalizationVersion string `yaml:"normalization_version"`

	// Steps are observed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace after all steps ran.
	// Supported types: new, supersedes, conflict, edge_count
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one observation.
type Step struct {
	// Label names the item produced by this step in traces and assertions.
	Label string `yaml:"label"`

	// Digest is a "sha256:<hex>" content digest or a symbolic name.
	// If empty, the digest of Text is used.
	Digest string `yaml:"digest,omitempty"`

	// URI is the canonical URI, if any.
	URI string `yaml:"uri,omitempty"`

	// Text is the inline payload. Defaults to the label.
	Text string `yaml:"text,omitempty"`

	// Version overrides the scenario's normalization version.
	Version string `yaml:"version,omitempty"`
}

// Assertion validates part of the trace.
type Assertion struct {
	// Type is one of new, supersedes, conflict, edge_count.
	Type string `yaml:"type"`

	// Step is the step label the assertion is about.
	Step string `yaml:"step,omitempty"`

	// From is the expected superseded step (supersedes).
	From string `yaml:"from,omitempty"`

	// Reason is the expected match reason (supersedes, optional).
	Reason string `yaml:"reason,omitempty"`

	// Candidates is [digest match, uri match] by step label (conflict).
	Candidates []string `yaml:"candidates,omitempty"`

	// Selected is the expected winning reason (conflict, optional).
	Selected string `yaml:"selected,omitempty"`

	// Count is the expected number of supersedes edges (edge_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertNew        = "new"
	AssertSupersedes = "supersedes"
	AssertConflict   = "conflict"
	AssertEdgeCount  = "edge_count"
)

// version returns the normalization version a step is observed under.
func (s *Scenario) version(step Step) string {
	if step.Version != "" {
		return step.Version
	}
	return s.NormalizationVersion
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	labels := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if step.Label == "" {
			return fmt.Errorf("steps[%d]: label is required", i)
		}
		if labels[step.Label] {
			return fmt.Errorf("steps[%d]: duplicate label %q", i, step.Label)
		}
		labels[step.Label] = true
		if s.version(step) == "" {
			return fmt.Errorf("steps[%d]: no normalization version", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, labels); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, labels map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertNew, AssertSupersedes, AssertConflict:
		if !labels[a.Step] {
			return fmt.Errorf("assertions[%d]: unknown step %q", index, a.Step)
		}
	}

	switch a.Type {
	case AssertNew:
	case AssertSupersedes:
		if !labels[a.From] {
			return fmt.Errorf("assertions[%d]: unknown from step %q for supersedes", index, a.From)
		}
	case AssertConflict:
		if len(a.Candidates) != 2 {
			return fmt.Errorf("assertions[%d]: candidates must name two steps for conflict", index)
		}
		for _, c := range a.Candidates {
			if !labels[c] {
				return fmt.Errorf("assertions[%d]: unknown candidate step %q", index, c)
			}
		}
	case AssertEdgeCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for edge_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// isDigest reports whether v is already a full digest rather than a
// symbolic name.
func isDigest(v string) bool {
	return strings.HasPrefix(v, "sha256:")
}
