package lineage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/clock"
	"github.com/roach88/tidemark/internal/ident"
	"github.com/roach88/tidemark/internal/testutil"
)

type fixture struct {
	graph   *Graph
	catalog *catalog.Catalog
	clock   *clock.Fixed
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := testutil.OpenStore(t)
	clk := testutil.NewClock()
	return fixture{
		graph:   New(st, WithIDs(ident.NewSequence("edge")), WithClock(clk)),
		catalog: catalog.New(st, catalog.WithIDs(ident.NewSequence("item")), catalog.WithClock(clk)),
		clock:   clk,
	}
}

func (f fixture) item(t *testing.T, body string) string {
	t.Helper()
	in := catalog.NewItem{
		Type:                 "note",
		SourceType:           "test",
		SourceID:             "src",
		NormalizationVersion: "v1",
		InlineText:           &body,
	}
	it, err := f.catalog.Create(context.Background(), in)
	require.NoError(t, err)
	return it.ItemID
}

func supersedes(reason Reason) Meta {
	return Meta{Supersedes: &SupersedesMeta{Reason: reason}}
}

func TestCreateEdge_ReferentialIntegrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.item(t, "a")

	tests := []struct {
		name     string
		from, to string
		missing  string
	}{
		{"missing from", "item-9999", a, "item-9999"},
		{"missing to", a, "item-8888", "item-8888"},
		{"both missing", "item-7777", "item-6666", "item-7777"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.graph.CreateEdge(ctx, tt.from, tt.to, RelMentions, Meta{})
			require.Error(t, err)
			assert.True(t, apperr.IsReferentialIntegrity(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.missing)
		})
	}

	edges, err := f.graph.ListEdges(ctx, a, From, "")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestCreateEdge_ValidEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.item(t, "a"), f.item(t, "b")

	edge, err := f.graph.CreateEdge(ctx, a, b, RelSupersedes, supersedes(ReasonContentDigest))
	require.NoError(t, err)
	assert.Equal(t, "edge-0001", edge.EdgeID)
	assert.Equal(t, testutil.Epoch, edge.CreatedAt)

	got, err := f.graph.ListEdges(ctx, b, To, RelSupersedes)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a, got[0].FromItemID)
	assert.Equal(t, b, got[0].ToItemID)
	require.NotNil(t, got[0].Meta.Supersedes)
	assert.Equal(t, ReasonContentDigest, got[0].Meta.Supersedes.Reason)
	assert.False(t, got[0].Meta.Supersedes.Conflict())
}

func TestCreateEdge_SelfEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.item(t, "a")

	edge, err := f.graph.CreateEdge(ctx, a, a, RelMentions, Meta{})
	require.NoError(t, err)
	assert.Equal(t, a, edge.FromItemID)
	assert.Equal(t, a, edge.ToItemID)

	got, err := f.graph.ListEdges(ctx, a, To, RelMentions)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCreateEdge_FreeFormRel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.item(t, "a"), f.item(t, "b")

	for _, rel := range []Rel{"derived-from", "Quotes", "see also"} {
		edge, err := f.graph.CreateEdge(ctx, a, b, rel, Meta{Attributes: map[string]string{"note": "x"}})
		require.NoError(t, err, "rel %q", rel)
		assert.Equal(t, rel, edge.Rel)
	}

	got, err := f.graph.ListEdges(ctx, a, From, "derived-from")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Meta.Attributes["note"])

	_, err = f.graph.CreateEdge(ctx, a, b, "", Meta{})
	assert.True(t, apperr.IsValidation(err))
}

func TestCreateEdge_MetaValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.item(t, "a"), f.item(t, "b"), f.item(t, "c")

	tests := []struct {
		name string
		rel  Rel
		meta Meta
	}{
		{"supersedes without meta", RelSupersedes, Meta{}},
		{"supersedes meta on other rel", RelMentions, supersedes(ReasonCanonicalURI)},
		{"unknown reason", RelSupersedes, supersedes("guess")},
		{"empty reason", RelSupersedes, supersedes("")},
		{"candidates without selected", RelSupersedes, Meta{Supersedes: &SupersedesMeta{
			Reason:     ReasonContentDigest,
			Candidates: &Candidates{ContentDigest: a, CanonicalURI: c},
		}}},
		{"selected without candidates", RelSupersedes, Meta{Supersedes: &SupersedesMeta{
			Reason:   ReasonContentDigest,
			Selected: ReasonContentDigest,
		}}},
		{"selected differs from reason", RelSupersedes, Meta{Supersedes: &SupersedesMeta{
			Reason:     ReasonContentDigest,
			Candidates: &Candidates{ContentDigest: a, CanonicalURI: c},
			Selected:   ReasonCanonicalURI,
		}}},
		{"identical candidates", RelSupersedes, Meta{Supersedes: &SupersedesMeta{
			Reason:     ReasonContentDigest,
			Candidates: &Candidates{ContentDigest: a, CanonicalURI: a},
			Selected:   ReasonContentDigest,
		}}},
		{"selected is not the origin", RelSupersedes, Meta{Supersedes: &SupersedesMeta{
			Reason:     ReasonContentDigest,
			Candidates: &Candidates{ContentDigest: c, CanonicalURI: a},
			Selected:   ReasonContentDigest,
		}}},
		{"blank rel", Rel("  "), Meta{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.graph.CreateEdge(ctx, a, b, tt.rel, tt.meta)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err), "got %v", err)
		})
	}
}

func TestCreateEdge_ConflictMetaRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, d := f.item(t, "a"), f.item(t, "b"), f.item(t, "d")

	meta := Meta{Supersedes: &SupersedesMeta{
		Reason:     ReasonContentDigest,
		Candidates: &Candidates{ContentDigest: a, CanonicalURI: b},
		Selected:   ReasonContentDigest,
	}}
	_, err := f.graph.CreateEdge(ctx, a, d, RelSupersedes, meta)
	require.NoError(t, err)

	edges, err := f.graph.ListEdges(ctx, d, To, RelSupersedes)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, meta, edges[0].Meta)
	assert.True(t, edges[0].Meta.Supersedes.Conflict())
}

func TestCreateEdge_Attributes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.item(t, "a"), f.item(t, "b")

	_, err := f.graph.CreateEdge(ctx, a, b, RelDerivedFrom, Meta{Attributes: map[string]string{"step": "extract"}})
	require.NoError(t, err)

	edges, err := f.graph.ListEdges(ctx, a, From, RelDerivedFrom)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "extract", edges[0].Meta.Attributes["step"])
	assert.Nil(t, edges[0].Meta.Supersedes)
}

func TestListEdges_MostRecentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.item(t, "a"), f.item(t, "b"), f.item(t, "c")

	_, err := f.graph.CreateEdge(ctx, a, b, RelMentions, Meta{})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.graph.CreateEdge(ctx, a, c, RelMentions, Meta{})
	require.NoError(t, err)
	// Same timestamp as the previous edge: the larger edge id wins.
	_, err = f.graph.CreateEdge(ctx, a, c, RelDerivedFrom, Meta{})
	require.NoError(t, err)

	all, err := f.graph.ListEdges(ctx, a, From, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"edge-0003", "edge-0002", "edge-0001"},
		[]string{all[0].EdgeID, all[1].EdgeID, all[2].EdgeID})

	mentions, err := f.graph.ListEdges(ctx, a, From, RelMentions)
	require.NoError(t, err)
	assert.Len(t, mentions, 2)

	incoming, err := f.graph.ListEdges(ctx, a, To, "")
	require.NoError(t, err)
	assert.Empty(t, incoming)

	_, err = f.graph.ListEdges(ctx, a, Direction("sideways"), "")
	assert.True(t, apperr.IsValidation(err))
}

func TestAncestry_FollowsSupersedesChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c, d := f.item(t, "a"), f.item(t, "b"), f.item(t, "c"), f.item(t, "d")

	for _, pair := range [][2]string{{a, b}, {b, c}, {c, d}} {
		_, err := f.graph.CreateEdge(ctx, pair[0], pair[1], RelSupersedes, supersedes(ReasonCanonicalURI))
		require.NoError(t, err)
	}
	_, err := f.graph.CreateEdge(ctx, a, d, RelMentions, Meta{})
	require.NoError(t, err)

	chain, err := f.graph.Ancestry(ctx, d, RelSupersedes, 0)
	require.NoError(t, err)
	assert.Equal(t, []Ancestor{{ItemID: c, Depth: 1}, {ItemID: b, Depth: 2}, {ItemID: a, Depth: 3}}, chain)

	short, err := f.graph.Ancestry(ctx, d, RelSupersedes, 2)
	require.NoError(t, err)
	assert.Len(t, short, 2)

	none, err := f.graph.Ancestry(ctx, a, RelSupersedes, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMetaValidator_ConcurrentEncode(t *testing.T) {
	v := newMetaValidator()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := v.encode(RelSupersedes, supersedes(ReasonCanonicalURI)); err != nil {
				errs <- err
			}
			attrs := Meta{Attributes: map[string]string{"n": fmt.Sprint(i)}}
			if _, err := v.encode(RelMentions, attrs); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("encode: %v", err)
	}

	_, err := v.encode(RelSupersedes, supersedes("guess"))
	assert.True(t, apperr.IsValidation(err))
}
