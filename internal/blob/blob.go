// Package blob is the immutable content-addressed byte registry.
//
// A blob row records only metadata (digest, size, MIME type); the bytes live
// in an ObjectStore keyed by the same digest. Identical bytes always map to
// one row, and a row is never overwritten.
package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/clock"
	"github.com/roach88/tidemark/internal/digest"
	"github.com/roach88/tidemark/internal/store"
)

// Blob is the metadata row for stored bytes.
type Blob struct {
	Digest    string    `json:"digest"`
	SizeBytes int64     `json:"size_bytes"`
	MIMEType  string    `json:"mime_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PutResult reports the digest of stored bytes and whether this call
// created the row.
type PutResult struct {
	Digest   string `json:"digest"`
	Inserted bool   `json:"inserted"`
}

// Store is the BlobStore component.
type Store struct {
	q       store.Querier
	objects ObjectStore
	clock   clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithObjectStore sets the backend blob bytes are written to.
// Without one, only metadata is recorded.
func WithObjectStore(o ObjectStore) Option {
	return func(s *Store) {
		s.objects = o
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// New creates a BlobStore on st.
func New(st *store.Store, opts ...Option) *Store {
	s := &Store{q: st.Querier(), clock: clock.System{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithQuerier returns a copy of s that runs its statements on q,
// typically a transaction.
func (s *Store) WithQuerier(q store.Querier) *Store {
	c := *s
	c.q = q
	return &c
}

// Put registers data and returns its digest.
//
// If the digest already exists, Put returns Inserted=false and performs no
// further writes. Otherwise the bytes are written to the object store first,
// so a row never references missing bytes, and the row is inserted with
// ON CONFLICT DO NOTHING: of two racing puts exactly one reports
// Inserted=true.
func (s *Store) Put(ctx context.Context, data []byte, mimeType string) (PutResult, error) {
	d := digest.Of(data)

	exists, err := s.Exists(ctx, d)
	if err != nil {
		return PutResult{}, err
	}
	if exists {
		return PutResult{Digest: d, Inserted: false}, nil
	}

	if s.objects != nil {
		if err := s.objects.Put(ctx, d, data); err != nil {
			return PutResult{}, fmt.Errorf("put blob object: %w", err)
		}
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO blobs (digest, size_bytes, mime_type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`, d, int64(len(data)), store.NullString(mimeType), store.FormatTime(s.clock.Now()))
	if err != nil {
		return PutResult{}, fmt.Errorf("insert blob: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return PutResult{}, fmt.Errorf("insert blob: rows affected: %w", err)
	}

	return PutResult{Digest: d, Inserted: rows == 1}, nil
}

// Get returns the metadata row for digest.
func (s *Store) Get(ctx context.Context, d string) (Blob, error) {
	var (
		b         Blob
		mimeType  sql.NullString
		createdAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT digest, size_bytes, mime_type, created_at
		FROM blobs
		WHERE digest = ?
	`, d).Scan(&b.Digest, &b.SizeBytes, &mimeType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, apperr.NotFound("blob", d)
	}
	if err != nil {
		return Blob{}, fmt.Errorf("get blob: %w", err)
	}

	b.MIMEType = mimeType.String
	if b.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return Blob{}, fmt.Errorf("get blob: %w", err)
	}
	return b, nil
}

// Read returns the bytes for digest from the object store, verifying that
// they still hash to the digest.
func (s *Store) Read(ctx context.Context, d string) ([]byte, error) {
	if _, err := s.Get(ctx, d); err != nil {
		return nil, err
	}
	if s.objects == nil {
		return nil, apperr.NotFoundf("object", d, "no object store configured")
	}

	data, err := s.objects.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	if !digest.Verify(d, data) {
		return nil, apperr.Validationf("blob", "stored bytes do not match digest %s", d)
	}
	return data, nil
}

// Exists reports whether a row for digest exists.
func (s *Store) Exists(ctx context.Context, d string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE digest = ?`, d).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check blob: %w", err)
	}
	return true, nil
}
