// Package testutil provides shared helpers for tests that need a store.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/tidemark/internal/clock"
	"github.com/roach88/tidemark/internal/store"
)

// Epoch is the starting time of clocks returned by NewClock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// OpenStore creates a fresh SQLite store in a temp directory that is closed
// automatically when the test ends.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewClock returns a fixed clock set to Epoch.
func NewClock() *clock.Fixed {
	return clock.NewFixed(Epoch)
}
