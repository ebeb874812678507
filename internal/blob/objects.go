package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/digest"
)

// ObjectStore is the opaque byte-level backend blobs are written to.
// Keys are digests; a Put of an existing key must be harmless.
type ObjectStore interface {
	// Put stores data under key.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the bytes stored under key, or an apperr NotFound error.
	Get(ctx context.Context, key string) ([]byte, error)
}

// FS implements ObjectStore on the local file system.
// Objects live at <root>/<algorithm>/<hex[0:2]>/<hex>.
type FS struct {
	root string // absolute path to the object directory
}

// NewFS creates an FS rooted at dir, creating the directory if needed.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("objects: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("objects: create root: %w", err)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute object directory.
func (f *FS) Root() string {
	return f.root
}

// objectPath maps a digest key to its file path and rejects keys that could
// escape the root.
func (f *FS) objectPath(key string) (string, error) {
	algorithm, hexPart, err := digest.Split(key)
	if err != nil {
		return "", apperr.Validationf("object", "invalid key: %v", err)
	}
	for _, part := range []string{algorithm, hexPart} {
		if strings.ContainsAny(part, `/\.`) {
			return "", apperr.Validationf("object", "invalid key %q", key)
		}
	}
	if len(hexPart) < 3 {
		return "", apperr.Validationf("object", "key %q too short", key)
	}
	return filepath.Join(f.root, algorithm, hexPart[:2], hexPart), nil
}

// Put atomically writes data under key via temp file + rename.
// An existing object is left untouched.
func (f *FS) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.objectPath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("objects: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("objects: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("objects: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("objects: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("objects: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("objects: rename: %w", err)
	}
	return nil
}

// Get reads the object stored under key.
func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.objectPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFound("object", key)
	}
	if err != nil {
		return nil, fmt.Errorf("objects: read: %w", err)
	}
	return data, nil
}
