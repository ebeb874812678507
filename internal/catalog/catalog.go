// Package catalog stores semantic items and answers the lookups the dedup
// resolver needs.
//
// Items are append-mostly: only updated_at may change after creation.
// Lookups by canonical URI and content digest return the most recently
// created item first, ties broken by the larger item id.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/clock"
	"github.com/roach88/tidemark/internal/digest"
	"github.com/roach88/tidemark/internal/ident"
	"github.com/roach88/tidemark/internal/store"
)

// Catalog is the ItemCatalog component.
type Catalog struct {
	q     store.Querier
	ids   ident.Generator
	clock clock.Clock
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithIDs overrides the id generator.
func WithIDs(g ident.Generator) Option {
	return func(c *Catalog) {
		c.ids = g
	}
}

// WithClock overrides the wall clock.
func WithClock(cl clock.Clock) Option {
	return func(c *Catalog) {
		c.clock = cl
	}
}

// New creates an ItemCatalog on st.
func New(st *store.Store, opts ...Option) *Catalog {
	c := &Catalog{q: st.Querier(), ids: ident.UUIDv7{}, clock: clock.System{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithQuerier returns a copy of c bound to q, typically a transaction.
func (c *Catalog) WithQuerier(q store.Querier) *Catalog {
	cp := *c
	cp.q = q
	return &cp
}

const itemColumns = `
	item_id, type, title, source_type, source_id, external_ref, canonical_uri,
	content_digest, normalization_version, observed_at, tags, sensitivity,
	blob_ref, inline_text, meta, created_at, updated_at`

// Create validates in and inserts a new item.
//
// Fails with a Validation error "exactly-one-payload" unless exactly one of
// BlobRef and InlineText is set, and with ReferentialIntegrity if BlobRef
// names no stored blob.
func (c *Catalog) Create(ctx context.Context, in NewItem) (Item, error) {
	if err := validate(&in); err != nil {
		return Item{}, err
	}

	now := c.clock.Now().UTC().Round(0)
	item := Item{
		ItemID:               c.ids.NewID(),
		Type:                 in.Type,
		Title:                in.Title,
		SourceType:           in.SourceType,
		SourceID:             in.SourceID,
		ExternalRef:          in.ExternalRef,
		CanonicalURI:         in.CanonicalURI,
		ContentDigest:        in.ContentDigest,
		NormalizationVersion: in.NormalizationVersion,
		ObservedAt:           in.ObservedAt,
		Tags:                 NormalizeTags(in.Tags),
		Sensitivity:          in.Sensitivity,
		BlobRef:              in.BlobRef,
		InlineText:           in.InlineText,
		Meta:                 in.Meta,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if item.Meta == nil {
		item.Meta = map[string]any{}
	}

	tagsJSON, err := json.Marshal(item.Tags)
	if err != nil {
		return Item{}, fmt.Errorf("create item: marshal tags: %w", err)
	}
	metaJSON, err := json.Marshal(item.Meta)
	if err != nil {
		return Item{}, fmt.Errorf("create item: marshal meta: %w", err)
	}

	var inline sql.NullString
	if item.InlineText != nil {
		inline = sql.NullString{String: *item.InlineText, Valid: true}
	}
	blobRef := store.NullString(item.BlobRef)
	ts := store.FormatTime(now)

	// The blob reference is checked in the same statement that inserts.
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE ? IS NULL OR EXISTS (SELECT 1 FROM blobs WHERE digest = ?)
	`,
		item.ItemID, item.Type, store.NullString(item.Title), item.SourceType, item.SourceID,
		store.NullString(item.ExternalRef), store.NullString(item.CanonicalURI),
		store.NullString(item.ContentDigest), item.NormalizationVersion,
		store.NullTime(item.ObservedAt), string(tagsJSON), string(item.Sensitivity),
		blobRef, inline, string(metaJSON), ts, ts,
		blobRef, blobRef,
	)
	if err != nil {
		return Item{}, fmt.Errorf("create item: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Item{}, fmt.Errorf("create item: rows affected: %w", err)
	}
	if rows == 0 {
		return Item{}, apperr.ReferentialIntegrity("blob", item.BlobRef, "blob_ref does not reference a stored blob")
	}

	return item, nil
}

// FindByID returns the item with the given id.
func (c *Catalog) FindByID(ctx context.Context, itemID string) (Item, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE item_id = ?`, itemID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, apperr.NotFound("item", itemID)
	}
	if err != nil {
		return Item{}, fmt.Errorf("find item: %w", err)
	}
	return item, nil
}

// Exists reports whether an item with the given id exists.
func (c *Catalog) Exists(ctx context.Context, itemID string) (bool, error) {
	var one int
	err := c.q.QueryRowContext(ctx, `SELECT 1 FROM items WHERE item_id = ?`, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check item: %w", err)
	}
	return true, nil
}

// FindByCanonicalURI returns items with the given canonical URI,
// most recently created first.
func (c *Catalog) FindByCanonicalURI(ctx context.Context, uri string, opts ...FindOption) ([]Item, error) {
	return c.findBy(ctx, "canonical_uri", uri, opts)
}

// FindByContentDigest returns items with the given content digest,
// most recently created first.
func (c *Catalog) FindByContentDigest(ctx context.Context, d string, opts ...FindOption) ([]Item, error) {
	return c.findBy(ctx, "content_digest", d, opts)
}

// List returns items most recently created first, optionally restricted to
// one type.
func (c *Catalog) List(ctx context.Context, filter ListFilter) ([]Item, error) {
	query, args, err := store.Select{
		From:    "items",
		Columns: itemColumns,
		Where:   []store.Eq{store.Where("type", filter.Type)},
		OrderBy: newestFirst,
		Limit:   store.ClampLimit(filter.Limit, defaultListLimit, maxListLimit),
	}.Compile()
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return c.queryItems(ctx, query, args...)
}

// Touch updates updated_at and nothing else.
func (c *Catalog) Touch(ctx context.Context, itemID string) error {
	res, err := c.q.ExecContext(ctx, `UPDATE items SET updated_at = ? WHERE item_id = ?`,
		store.FormatTime(c.clock.Now()), itemID)
	if err != nil {
		return fmt.Errorf("touch item: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch item: rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFound("item", itemID)
	}
	return nil
}

func (c *Catalog) findBy(ctx context.Context, column, value string, opts []FindOption) ([]Item, error) {
	var fo findOptions
	for _, opt := range opts {
		opt(&fo)
	}

	sel := store.Select{
		From:    "items",
		Columns: itemColumns,
		Where:   []store.Eq{{Column: column, Value: value}},
		OrderBy: newestFirst,
		Limit:   fo.limit,
	}
	if fo.versionSet {
		sel.Where = append(sel.Where, store.Eq{Column: "normalization_version", Value: fo.version})
	}
	query, args, err := sel.Compile()
	if err != nil {
		return nil, fmt.Errorf("find items: %w", err)
	}
	return c.queryItems(ctx, query, args...)
}

func (c *Catalog) queryItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (Item, error) {
	var (
		item                                            Item
		title, externalRef, canonicalURI, contentDigest sql.NullString
		observedAt, blobRef, inline                     sql.NullString
		tagsJSON, sensitivity, metaJSON                 string
		created, updated                                string
	)
	if err := s.Scan(
		&item.ItemID, &item.Type, &title, &item.SourceType, &item.SourceID,
		&externalRef, &canonicalURI, &contentDigest, &item.NormalizationVersion,
		&observedAt, &tagsJSON, &sensitivity, &blobRef, &inline, &metaJSON,
		&created, &updated,
	); err != nil {
		return Item{}, err
	}

	item.Title = title.String
	item.ExternalRef = externalRef.String
	item.CanonicalURI = canonicalURI.String
	item.ContentDigest = contentDigest.String
	item.Sensitivity = Sensitivity(sensitivity)
	item.BlobRef = blobRef.String
	if inline.Valid {
		text := inline.String
		item.InlineText = &text
	}

	var err error
	if item.ObservedAt, err = store.ScanNullTime(observedAt); err != nil {
		return Item{}, err
	}
	if item.CreatedAt, err = store.ParseTime(created); err != nil {
		return Item{}, err
	}
	if item.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return Item{}, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &item.Tags); err != nil {
		return Item{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &item.Meta); err != nil {
		return Item{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return item, nil
}

// validate checks in and fills defaults.
func validate(in *NewItem) error {
	hasBlob := in.BlobRef != ""
	hasInline := in.InlineText != nil
	if hasBlob == hasInline {
		return apperr.Validation("item", "exactly-one-payload")
	}

	if strings.TrimSpace(in.Type) == "" {
		return apperr.Validation("item", "type is required")
	}
	if strings.TrimSpace(in.SourceType) == "" {
		return apperr.Validation("item", "source_type is required")
	}
	if strings.TrimSpace(in.SourceID) == "" {
		return apperr.Validation("item", "source_id is required")
	}

	if in.Sensitivity == "" {
		in.Sensitivity = SensitivityPrivate
	}
	if !in.Sensitivity.Valid() {
		return apperr.Validationf("item", "invalid sensitivity %q", in.Sensitivity)
	}

	if in.ContentDigest != "" {
		if err := digest.Validate(in.ContentDigest); err != nil {
			return apperr.Validationf("item", "content_digest: %v", err)
		}
	}
	if hasBlob {
		if err := digest.Validate(in.BlobRef); err != nil {
			return apperr.Validationf("item", "blob_ref: %v", err)
		}
	}
	return nil
}

// NormalizeTags turns a tag list into a set: NFC-normalized, case-folded,
// trimmed, deduplicated and sorted. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		// A Caser is stateful, so each tag gets a fresh one.
		t := strings.TrimSpace(cases.Fold().String(norm.NFC.String(tag)))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// newestFirst is the catalog's listing order. item_id breaks created_at ties.
var newestFirst = []store.Order{
	{Column: "created_at", Desc: true},
	{Column: "item_id", Desc: true},
}
