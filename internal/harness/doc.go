// Package harness replays dedup scenarios against a fresh store.
//
// A scenario is a YAML file listing observations in order. Each step is
// resolved through the real catalog, lineage graph and run ledger, and the
// outcome is recorded as a trace that refers to items by step label rather
// than by id, so traces are stable across runs and suitable for golden
// comparison.
//
// # Scenario Format
//
//	name: digest_precedence
//	description: "content digest wins over canonical uri"
//	normalization_version: v1
//	steps:
//	  - label: A
//	    digest: d1
//	    uri: https://example.com/1
//	  - label: B
//	    digest: d1
//	    uri: https://example.com/2
//	assertions:
//	  - type: new
//	    step: A
//	  - type: supersedes
//	    step: B
//	    from: A
//	    reason: content_digest
//
// A digest value is either a full "sha256:<hex>" digest or a symbolic name;
// steps sharing a symbolic name share a content digest. A step may override
// the scenario's normalization version with version; steps of each distinct
// version are observed under their own run.
//
// # Assertion Types
//
//   - new: the step created an item with no predecessor
//   - supersedes: the step superseded from for the given reason
//   - conflict: digest and uri matched different items; candidates lists
//     the digest match then the uri match, selected is the winning reason
//   - edge_count: the number of supersedes edges written
//
// # Deterministic Testing
//
// Every scenario runs with a fixed clock advanced one second per step and
// sequential ids, in a temporary database removed afterwards.
package harness
