package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the full trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describe(event))
	}

	return buf.String()
}

// describe renders an event on one line.
func describe(e TraceEvent) string {
	if e.IsNew {
		return fmt.Sprintf("%s new (%s)", e.Step, e.Version)
	}
	s := fmt.Sprintf("%s supersedes %s by %s (%s)", e.Step, e.Supersedes, e.Reason, e.Version)
	if e.Conflict {
		s += fmt.Sprintf(" conflict digest=%s uri=%s", e.Candidates.ContentDigest, e.Candidates.CanonicalURI)
	}
	return s
}

// EvaluateAssertions checks every assertion against r.Trace and records
// failures on r.
func EvaluateAssertions(r *Result, assertions []Assertion) {
	for _, a := range assertions {
		if err := evaluate(r, a); err != nil {
			r.AddError(err.Error())
		}
	}
}

func evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertNew:
		return assertNew(r, a)
	case AssertSupersedes:
		return assertSupersedes(r, a)
	case AssertConflict:
		return assertConflict(r, a)
	case AssertEdgeCount:
		return assertEdgeCount(r, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// assertNew checks that the step created an item with no predecessor.
func assertNew(r *Result, a Assertion) error {
	event, ok := r.event(a.Step)
	if !ok {
		return missingStep(r, a)
	}
	if !event.IsNew {
		return &AssertionError{
			Type:     AssertNew,
			Expected: fmt.Sprintf("%s is new", a.Step),
			Actual:   fmt.Sprintf("%s supersedes %s", a.Step, event.Supersedes),
			Trace:    r.Trace,
		}
	}
	return nil
}

// assertSupersedes checks the predecessor and, if given, the reason.
func assertSupersedes(r *Result, a Assertion) error {
	event, ok := r.event(a.Step)
	if !ok {
		return missingStep(r, a)
	}
	if event.IsNew || event.Supersedes != a.From {
		actual := "new"
		if !event.IsNew {
			actual = fmt.Sprintf("supersedes %s", event.Supersedes)
		}
		return &AssertionError{
			Type:     AssertSupersedes,
			Expected: fmt.Sprintf("%s supersedes %s", a.Step, a.From),
			Actual:   actual,
			Trace:    r.Trace,
		}
	}
	if a.Reason != "" && event.Reason != a.Reason {
		return &AssertionError{
			Type:     AssertSupersedes,
			Expected: fmt.Sprintf("reason %s", a.Reason),
			Actual:   fmt.Sprintf("reason %s", event.Reason),
			Trace:    r.Trace,
		}
	}
	return nil
}

// assertConflict checks that both candidates were recorded in order.
func assertConflict(r *Result, a Assertion) error {
	event, ok := r.event(a.Step)
	if !ok {
		return missingStep(r, a)
	}
	expected := fmt.Sprintf("conflict digest=%s uri=%s", a.Candidates[0], a.Candidates[1])
	if !event.Conflict {
		return &AssertionError{
			Type:     AssertConflict,
			Expected: expected,
			Actual:   "no conflict recorded",
			Trace:    r.Trace,
		}
	}
	if event.Candidates.ContentDigest != a.Candidates[0] || event.Candidates.CanonicalURI != a.Candidates[1] {
		return &AssertionError{
			Type:     AssertConflict,
			Expected: expected,
			Actual:   fmt.Sprintf("conflict digest=%s uri=%s", event.Candidates.ContentDigest, event.Candidates.CanonicalURI),
			Trace:    r.Trace,
		}
	}
	if a.Selected != "" && event.Selected != a.Selected {
		return &AssertionError{
			Type:     AssertConflict,
			Expected: fmt.Sprintf("selected %s", a.Selected),
			Actual:   fmt.Sprintf("selected %s", event.Selected),
			Trace:    r.Trace,
		}
	}
	return nil
}

// assertEdgeCount checks the number of supersedes edges written.
func assertEdgeCount(r *Result, a Assertion) error {
	count := 0
	for _, event := range r.Trace {
		if !event.IsNew {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertEdgeCount,
			Expected: fmt.Sprintf("%d supersedes edges", a.Count),
			Actual:   fmt.Sprintf("%d supersedes edges", count),
			Trace:    r.Trace,
		}
	}
	return nil
}

func missingStep(r *Result, a Assertion) error {
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("step %s in trace", a.Step),
		Actual:   "not found in trace",
		Trace:    r.Trace,
	}
}
