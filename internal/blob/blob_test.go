package blob

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tidemark/internal/apperr"
	"github.com/roach88/tidemark/internal/digest"
	"github.com/roach88/tidemark/internal/testutil"
)

func newTestBlobs(t *testing.T) (*Store, *FS) {
	t.Helper()
	objects, err := NewFS(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	st := testutil.OpenStore(t)
	return New(st, WithObjectStore(objects), WithClock(testutil.NewClock())), objects
}

func TestPut_SameBytesSameDigest(t *testing.T) {
	blobs, _ := newTestBlobs(t)
	ctx := context.Background()

	for _, data := range [][]byte{[]byte("hello"), {}, []byte{0, 1, 2, 255}} {
		first, err := blobs.Put(ctx, data, "application/octet-stream")
		require.NoError(t, err)
		second, err := blobs.Put(ctx, data, "text/plain")
		require.NoError(t, err)

		assert.Equal(t, digest.Of(data), first.Digest)
		assert.Equal(t, first.Digest, second.Digest)
		assert.True(t, first.Inserted, "first put must insert")
		assert.False(t, second.Inserted, "second put must not insert")
	}
}

func TestPut_NeverOverwrites(t *testing.T) {
	blobs, _ := newTestBlobs(t)
	ctx := context.Background()

	_, err := blobs.Put(ctx, []byte("doc"), "text/plain")
	require.NoError(t, err)
	res, err := blobs.Put(ctx, []byte("doc"), "text/markdown")
	require.NoError(t, err)

	b, err := blobs.Get(ctx, res.Digest)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", b.MIMEType)
	assert.Equal(t, int64(3), b.SizeBytes)
	assert.Equal(t, testutil.Epoch, b.CreatedAt)
}

func TestPut_ConcurrentSingleInsert(t *testing.T) {
	blobs, _ := newTestBlobs(t)
	ctx := context.Background()
	const racers = 8

	var wg sync.WaitGroup
	results := make(chan PutResult, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := blobs.Put(ctx, []byte("raced"), "")
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	inserted := 0
	for res := range results {
		assert.Equal(t, digest.Of([]byte("raced")), res.Digest)
		if res.Inserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)
}

func TestGet_NotFound(t *testing.T) {
	blobs, _ := newTestBlobs(t)

	_, err := blobs.Get(context.Background(), digest.Of([]byte("missing")))
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
}

func TestRead_RoundTripAndVerify(t *testing.T) {
	blobs, objects := newTestBlobs(t)
	ctx := context.Background()

	res, err := blobs.Put(ctx, []byte("body"), "")
	require.NoError(t, err)

	data, err := blobs.Read(ctx, res.Digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), data)

	// Corrupt the stored object.
	path, err := objects.objectPath(res.Digest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err = blobs.Read(ctx, res.Digest)
	assert.True(t, apperr.IsValidation(err), "got %v", err)
}

func TestRead_WithoutObjectStore(t *testing.T) {
	blobs := New(testutil.OpenStore(t))
	ctx := context.Background()

	res, err := blobs.Put(ctx, []byte("meta only"), "")
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	_, err = blobs.Read(ctx, res.Digest)
	assert.True(t, apperr.IsNotFound(err))
}

func TestFS_LayoutAndTraversal(t *testing.T) {
	objects, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	d := digest.Of([]byte("layout"))
	require.NoError(t, objects.Put(ctx, d, []byte("layout")))

	_, hexPart, err := digest.Split(d)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(objects.Root(), "sha256", hexPart[:2], hexPart))
	assert.NoError(t, err)

	for _, key := range []string{"../etc:passwd", "sha256:../../x", "nocolon", "sha256:ab"} {
		err := objects.Put(ctx, key, []byte("x"))
		assert.True(t, apperr.IsValidation(err), "key %q: got %v", key, err)
	}

	_, err = objects.Get(ctx, digest.Of([]byte("absent")))
	assert.True(t, apperr.IsNotFound(err))
}
