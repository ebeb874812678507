package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/clock"
	"github.com/roach88/tidemark/internal/dedup"
	"github.com/roach88/tidemark/internal/digest"
	"github.com/roach88/tidemark/internal/ident"
	"github.com/roach88/tidemark/internal/ledger"
	"github.com/roach88/tidemark/internal/lineage"
	"github.com/roach88/tidemark/internal/store"
)

// Epoch is the clock start for every scenario.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness holds the components a scenario is replayed through.
type Harness struct {
	store    *store.Store
	clock    *clock.Fixed
	catalog  *catalog.Catalog
	graph    *lineage.Graph
	ledger   *ledger.Ledger
	resolver *dedup.Resolver

	runs   map[string]string // normalization version -> run id
	labels map[string]string // item id -> step label
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database in a temporary directory that is
// removed before Run returns.
//
// Execution flow:
// 1. Open a fresh store with a fixed clock and sequential ids
// 2. Resolve each step under a run for its normalization version
// 3. Read each supersedes edge back from the lineage graph
// 4. Evaluate assertions against the trace
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "tidemark-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "harness.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	h := newHarness(st)
	ctx := context.Background()

	result := NewResult()
	for _, step := range scenario.Steps {
		event, err := h.observe(ctx, scenario.version(step), step)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Label, err)
		}
		result.Trace = append(result.Trace, event)
		h.clock.Advance(time.Second)
	}

	EvaluateAssertions(result, scenario.Assertions)
	return result, nil
}

func newHarness(st *store.Store) *Harness {
	cl := clock.NewFixed(Epoch)
	cat := catalog.New(st, catalog.WithIDs(ident.NewSequence("item")), catalog.WithClock(cl))
	graph := lineage.New(st, lineage.WithIDs(ident.NewSequence("edge")), lineage.WithClock(cl))
	runs := ledger.New(st, ledger.WithIDs(ident.NewSequence("run")), ledger.WithClock(cl))
	return &Harness{
		store:    st,
		clock:    cl,
		catalog:  cat,
		graph:    graph,
		ledger:   runs,
		resolver: dedup.New(st, cat, graph, runs),
		runs:     make(map[string]string),
		labels:   make(map[string]string),
	}
}

// runFor returns the run observing under version, starting it on first use.
func (h *Harness) runFor(ctx context.Context, version string) (string, error) {
	if id, ok := h.runs[version]; ok {
		return id, nil
	}
	started, err := h.ledger.Start(ctx, ledger.StartParams{
		Kind:                 ledger.KindCLI,
		ToolName:             "harness",
		NormalizationVersion: version,
	})
	if err != nil {
		return "", err
	}
	h.runs[version] = started.Run.RunID
	return started.Run.RunID, nil
}

// observe resolves one step and records it as a trace event.
func (h *Harness) observe(ctx context.Context, version string, step Step) (TraceEvent, error) {
	runID, err := h.runFor(ctx, version)
	if err != nil {
		return TraceEvent{}, err
	}

	text := step.Text
	if text == "" {
		text = step.Label
	}
	d := digest.OfText(text)
	switch {
	case isDigest(step.Digest):
		d = step.Digest
	case step.Digest != "":
		d = digest.OfText(step.Digest)
	}

	res, err := h.resolver.Resolve(ctx, dedup.Observation{
		RunID:         runID,
		ContentDigest: d,
		CanonicalURI:  step.URI,
		Item: catalog.NewItem{
			Type:       "note",
			SourceType: "harness",
			SourceID:   step.Label,
			InlineText: &text,
		},
	})
	if err != nil {
		return TraceEvent{}, err
	}
	h.labels[res.ItemID] = step.Label

	event := TraceEvent{Step: step.Label, Version: version, IsNew: res.IsNew}
	if res.IsNew {
		return event, nil
	}

	// The trace reflects what was persisted, not what Resolve returned.
	edges, err := h.graph.ListEdges(ctx, res.ItemID, lineage.To, lineage.RelSupersedes)
	if err != nil {
		return TraceEvent{}, err
	}
	if len(edges) != 1 {
		return TraceEvent{}, fmt.Errorf("expected one supersedes edge into %s, found %d", step.Label, len(edges))
	}
	edge := edges[0]
	meta := edge.Meta.Supersedes
	if meta == nil {
		return TraceEvent{}, fmt.Errorf("supersedes edge %s has no metadata", edge.EdgeID)
	}

	event.Supersedes = h.label(edge.FromItemID)
	event.Reason = string(meta.Reason)
	if meta.Conflict() {
		event.Conflict = true
		event.Candidates = &Candidates{
			ContentDigest: h.label(meta.Candidates.ContentDigest),
			CanonicalURI:  h.label(meta.Candidates.CanonicalURI),
		}
		event.Selected = string(meta.Selected)
	}
	return event, nil
}

// label maps an item id to its step label, falling back to the id.
func (h *Harness) label(itemID string) string {
	if l, ok := h.labels[itemID]; ok {
		return l
	}
	return itemID
}
