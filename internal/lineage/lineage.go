// Package lineage records directed, labeled edges between items.
//
// Both endpoints must exist when an edge is written; the check and the
// insert are one statement. Edge metadata is validated per relation against
// an embedded CUE schema so the dedup conflict record stays checkable.
package lineage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/clock"
	"github.com/roach88/tidemark/internal/ident"
	"github.com/roach88/tidemark/internal/store"
)

// Direction selects which endpoint ListEdges matches on.
type Direction string

const (
	// From lists edges leaving the item.
	From Direction = "from"
	// To lists edges arriving at the item.
	To Direction = "to"
)

// Edge is a directed relation between two items.
type Edge struct {
	EdgeID     string    `json:"edge_id"`
	FromItemID string    `json:"from_item_id"`
	ToItemID   string    `json:"to_item_id"`
	Rel        Rel       `json:"rel"`
	Meta       Meta      `json:"meta"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ancestor is one hop on a lineage chain.
type Ancestor struct {
	ItemID string `json:"item_id"`
	Depth  int    `json:"depth"`
}

// Graph is the LineageGraph component.
type Graph struct {
	q         store.Querier
	ids       ident.Generator
	clock     clock.Clock
	validator *metaValidator
}

// Option configures a Graph.
type Option func(*Graph)

// WithIDs overrides the id generator.
func WithIDs(g ident.Generator) Option {
	return func(gr *Graph) {
		gr.ids = g
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(gr *Graph) {
		gr.clock = c
	}
}

// New creates a LineageGraph on st.
func New(st *store.Store, opts ...Option) *Graph {
	g := &Graph{
		q:         st.Querier(),
		ids:       ident.UUIDv7{},
		clock:     clock.System{},
		validator: newMetaValidator(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithQuerier returns a copy of g bound to q, typically a transaction.
func (g *Graph) WithQuerier(q store.Querier) *Graph {
	c := *g
	c.q = q
	return &c
}

// CreateEdge writes from -> to with the given relation.
// Fails with ReferentialIntegrity if either item does not exist and with
// Validation if meta does not fit rel.
func (g *Graph) CreateEdge(ctx context.Context, from, to string, rel Rel, meta Meta) (Edge, error) {
	if strings.TrimSpace(string(rel)) == "" {
		return Edge{}, apperr.Validation("edge", "rel is required")
	}
	if meta.Supersedes != nil && meta.Supersedes.Candidates != nil {
		if selectedCandidate(meta.Supersedes) != from {
			return Edge{}, apperr.Validation("edge", "selected candidate must be the edge origin")
		}
	}

	data, err := g.validator.encode(rel, meta)
	if err != nil {
		return Edge{}, err
	}

	now := g.clock.Now().UTC().Round(0)
	edge := Edge{
		EdgeID:     g.ids.NewID(),
		FromItemID: from,
		ToItemID:   to,
		Rel:        rel,
		Meta:       meta,
		CreatedAt:  now,
	}

	res, err := g.q.ExecContext(ctx, `
		INSERT INTO edges (edge_id, from_item_id, to_item_id, rel, meta, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM items WHERE item_id = ?)
		  AND EXISTS (SELECT 1 FROM items WHERE item_id = ?)
	`, edge.EdgeID, from, to, string(rel), string(data), store.FormatTime(now), from, to)
	if err != nil {
		return Edge{}, fmt.Errorf("create edge: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Edge{}, fmt.Errorf("create edge: rows affected: %w", err)
	}
	if rows == 0 {
		return Edge{}, g.missingEndpoint(ctx, from, to)
	}

	return edge, nil
}

// ListEdges returns edges touching itemID on the given side, most recent
// first. An empty rel matches every relation.
func (g *Graph) ListEdges(ctx context.Context, itemID string, dir Direction, rel Rel) ([]Edge, error) {
	var column string
	switch dir {
	case From:
		column = "from_item_id"
	case To:
		column = "to_item_id"
	default:
		return nil, apperr.Validationf("edge", "invalid direction %q", dir)
	}

	query := `SELECT edge_id, from_item_id, to_item_id, rel, meta, created_at FROM edges WHERE ` + column + ` = ?`
	args := []any{itemID}
	if rel != "" {
		query += ` AND rel = ?`
		args = append(args, string(rel))
	}
	query += ` ORDER BY created_at DESC, edge_id DESC`

	rows, err := g.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	edges := []Edge{}
	for rows.Next() {
		var (
			e               Edge
			rel, meta, when string
		)
		if err := rows.Scan(&e.EdgeID, &e.FromItemID, &e.ToItemID, &rel, &meta, &when); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Rel = Rel(rel)
		if e.Meta, err = decodeMeta(e.Rel, []byte(meta)); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = store.ParseTime(when); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

// Ancestry follows rel edges backwards from itemID (to -> from) and returns
// every ancestor reached within maxDepth hops, nearest first.
func (g *Graph) Ancestry(ctx context.Context, itemID string, rel Rel, maxDepth int) ([]Ancestor, error) {
	if maxDepth <= 0 {
		maxDepth = 32
	}

	rows, err := g.q.QueryContext(ctx, `
		WITH RECURSIVE chain(item_id, depth) AS (
			SELECT ?, 0
			UNION
			SELECT e.from_item_id, c.depth + 1
			FROM edges e
			JOIN chain c ON e.to_item_id = c.item_id
			WHERE e.rel = ? AND c.depth < ?
		)
		SELECT item_id, MIN(depth) AS depth
		FROM chain
		WHERE depth > 0
		GROUP BY item_id
		ORDER BY depth ASC, item_id ASC
	`, itemID, string(rel), maxDepth)
	if err != nil {
		return nil, fmt.Errorf("ancestry: %w", err)
	}
	defer rows.Close()

	out := []Ancestor{}
	for rows.Next() {
		var a Ancestor
		if err := rows.Scan(&a.ItemID, &a.Depth); err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ancestry: %w", err)
	}
	return out, nil
}

// missingEndpoint names the endpoint that made an insert affect no rows.
func (g *Graph) missingEndpoint(ctx context.Context, from, to string) error {
	for _, id := range []string{from, to} {
		var one int
		err := g.q.QueryRowContext(ctx, `SELECT 1 FROM items WHERE item_id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ReferentialIntegrity("item", id, "edge endpoint does not exist")
		}
		if err != nil {
			return fmt.Errorf("create edge: check endpoint: %w", err)
		}
	}
	return apperr.ReferentialIntegrity("item", from, "edge endpoint does not exist")
}

func selectedCandidate(m *SupersedesMeta) string {
	if m.Selected == ReasonCanonicalURI {
		return m.Candidates.CanonicalURI
	}
	return m.Candidates.ContentDigest
}
