// Package dedup decides, for one observed unit of content, whether it is new
// or supersedes an existing item, and records that decision.
//
// Matching only ever considers items produced under the observing run's
// normalization version. A new item is always created; a match only adds a
// supersedes edge from the predecessor. The match queries run outside the
// write transaction, so two concurrent observations of the same content may
// both come out as new. That outcome is detectable afterwards by digest and
// is not corruption.
package dedup

import (
	"context"
	"fmt"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/digest"
	"github.com/roach88/tidemark/internal/ledger"
	"github.com/roach88/tidemark/internal/lineage"
	"github.com/roach88/tidemark/internal/store"
)

// Observation is one newly observed unit of content.
//
// Item carries the payload and descriptive fields. Its ContentDigest,
// CanonicalURI and NormalizationVersion are overwritten by Resolve.
type Observation struct {
	RunID         string
	ContentDigest string
	CanonicalURI  string
	Item          catalog.NewItem
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	ItemID           string         `json:"item_id"`
	IsNew            bool           `json:"is_new"`
	SupersededItemID string         `json:"superseded_item_id,omitempty"`
	EdgeID           string         `json:"edge_id,omitempty"`
	Reason           lineage.Reason `json:"reason,omitempty"`
	Conflict         bool           `json:"conflict,omitempty"`
}

// Resolver is the DedupResolver component.
type Resolver struct {
	store   *store.Store
	catalog *catalog.Catalog
	graph   *lineage.Graph
	ledger  *ledger.Ledger
}

// New creates a Resolver over the given components, all of which must share
// st.
func New(st *store.Store, cat *catalog.Catalog, graph *lineage.Graph, runs *ledger.Ledger) *Resolver {
	return &Resolver{store: st, catalog: cat, graph: graph, ledger: runs}
}

// match is the predecessor chosen for an observation.
type match struct {
	itemID    string
	reason    lineage.Reason
	digestHit string
	uriHit    string
}

func (m *match) conflict() bool {
	return m.digestHit != "" && m.uriHit != "" && m.digestHit != m.uriHit
}

// Resolve creates the observed item and links it to its predecessor, if any.
//
// The item, the supersedes edge, the run log line and the run output link
// are written in one transaction.
func (r *Resolver) Resolve(ctx context.Context, obs Observation) (Resolution, error) {
	if err := digest.Validate(obs.ContentDigest); err != nil {
		return Resolution{}, apperr.Validationf("observation", "content_digest: %v", err)
	}

	run, err := r.ledger.Get(ctx, obs.RunID)
	if err != nil {
		return Resolution{}, err
	}
	if run.Status != ledger.StatusRunning {
		return Resolution{}, apperr.Validationf("run", "run %s is %s, not running", run.RunID, run.Status)
	}

	pred, err := r.findPredecessor(ctx, obs, run.NormalizationVersion)
	if err != nil {
		return Resolution{}, err
	}

	in := obs.Item
	in.ContentDigest = obs.ContentDigest
	in.CanonicalURI = obs.CanonicalURI
	in.NormalizationVersion = run.NormalizationVersion

	var res Resolution
	err = r.store.InTx(ctx, func(q store.Querier) error {
		cat := r.catalog.WithQuerier(q)
		graph := r.graph.WithQuerier(q)
		runs := r.ledger.WithQuerier(q)

		item, err := cat.Create(ctx, in)
		if err != nil {
			return err
		}
		res = Resolution{ItemID: item.ItemID, IsNew: pred == nil}

		if pred == nil {
			if _, err := runs.AppendLog(ctx, run.RunID, ledger.LevelInfo, "created new item", map[string]any{
				"item_id": item.ItemID,
			}); err != nil {
				return err
			}
			return runs.AddOutput(ctx, run.RunID, item.ItemID)
		}

		meta := &lineage.SupersedesMeta{Reason: pred.reason}
		if pred.conflict() {
			meta.Candidates = &lineage.Candidates{
				ContentDigest: pred.digestHit,
				CanonicalURI:  pred.uriHit,
			}
			meta.Selected = pred.reason
		}
		edge, err := graph.CreateEdge(ctx, pred.itemID, item.ItemID, lineage.RelSupersedes, lineage.Meta{Supersedes: meta})
		if err != nil {
			return err
		}
		res.SupersededItemID = pred.itemID
		res.EdgeID = edge.EdgeID
		res.Reason = pred.reason
		res.Conflict = pred.conflict()

		data := map[string]any{
			"item_id":            item.ItemID,
			"superseded_item_id": pred.itemID,
			"reason":             string(pred.reason),
		}
		level, message := ledger.LevelInfo, "superseded existing item"
		if res.Conflict {
			level, message = ledger.LevelWarn, "content digest and canonical uri matched different items"
			data["digest_match"] = pred.digestHit
			data["uri_match"] = pred.uriHit
			data["selected"] = string(pred.reason)
		}
		if _, err := runs.AppendLog(ctx, run.RunID, level, message, data); err != nil {
			return err
		}
		return runs.AddOutput(ctx, run.RunID, item.ItemID)
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve observation: %w", err)
	}
	return res, nil
}

// findPredecessor applies the precedence rule: a content digest match wins
// over a canonical URI match.
func (r *Resolver) findPredecessor(ctx context.Context, obs Observation, version string) (*match, error) {
	opts := []catalog.FindOption{
		catalog.WithNormalizationVersion(version),
		catalog.WithLimit(1),
	}

	var m match
	byDigest, err := r.catalog.FindByContentDigest(ctx, obs.ContentDigest, opts...)
	if err != nil {
		return nil, err
	}
	if len(byDigest) > 0 {
		m.digestHit = byDigest[0].ItemID
	}

	if obs.CanonicalURI != "" {
		byURI, err := r.catalog.FindByCanonicalURI(ctx, obs.CanonicalURI, opts...)
		if err != nil {
			return nil, err
		}
		if len(byURI) > 0 {
			m.uriHit = byURI[0].ItemID
		}
	}

	switch {
	case m.digestHit != "":
		m.itemID, m.reason = m.digestHit, lineage.ReasonContentDigest
	case m.uriHit != "":
		m.itemID, m.reason = m.uriHit, lineage.ReasonCanonicalURI
	default:
		return nil, nil
	}
	return &m, nil
}
