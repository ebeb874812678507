// Package ident generates entity identifiers.
//
// Every id in the store is an opaque string that sorts lexicographically by
// creation time and is unique across the whole store.
package ident

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces entity ids.
// Implemented by UUIDv7 (production) and Sequence (tests).
type Generator interface {
	NewID() string
}

// UUIDv7 generates time-sortable UUIDv7 ids.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits and a
// monotonic counter after it, so the hyphenated lowercase form sorts by
// creation time.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// NewID creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Sequence returns "<prefix>-0001", "<prefix>-0002", ... for tests.
// Zero-padding keeps the ids lexically ordered like real ids.
//
// Thread-safety: Sequence is safe for concurrent use via internal mutex.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates a sequential generator with the given prefix.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID returns the next id in the sequence.
func (s *Sequence) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%04d", s.prefix, s.n)
}

// Fixed returns predetermined ids in order for golden tests.
//
// Panics if all ids have been consumed. This is a fail-fast approach to
// catch test misconfiguration.
type Fixed struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixed creates a generator that returns ids in order.
func NewFixed(ids ...string) *Fixed {
	return &Fixed{ids: ids}
}

// NewID returns the next predetermined id.
func (f *Fixed) NewID() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.idx >= len(f.ids) {
		panic("ident.Fixed: all ids exhausted")
	}
	id := f.ids[f.idx]
	f.idx++
	return id
}
