package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/clock"
	"github.com/roach88/tidemark/internal/ident"
	"github.com/roach88/tidemark/internal/queue"
	"github.com/roach88/tidemark/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	pool    *Pool
	queue   *queue.Queue
	catalog *catalog.Catalog
	clock   *clock.Fixed
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	st := testutil.OpenStore(t)
	clk := testutil.NewClock()
	q := queue.New(st, queue.WithIDs(ident.NewSequence("task")), queue.WithClock(clk))
	opts = append([]Option{WithLogger(quiet), WithWorkerID("test")}, opts...)
	return fixture{
		pool:    New(q, opts...),
		queue:   q,
		catalog: catalog.New(st, catalog.WithClock(clk)),
		clock:   clk,
	}
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	f := newFixture(t)

	processed, err := f.pool.RunOnce(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRunOnce_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen queue.Task
	f.pool.Handle("echo", HandlerFunc(func(_ context.Context, task queue.Task) error {
		seen = task
		return nil
	}))
	task, err := f.queue.Enqueue(ctx, queue.EnqueueParams{Type: "echo", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)

	processed, err := f.pool.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, task.TaskID, seen.TaskID)
	assert.Equal(t, queue.StatusRunning, seen.Status)
	assert.JSONEq(t, `{"n":1}`, string(seen.Payload))

	got, err := f.queue.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, got.Status)
}

func TestRunOnce_FailureRetriesThenDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pool.Handle("flaky", HandlerFunc(func(context.Context, queue.Task) error {
		return errors.New("upstream unavailable")
	}))
	task, err := f.queue.Enqueue(ctx, queue.EnqueueParams{Type: "flaky", MaxAttempts: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		processed, err := f.pool.RunOnce(ctx, "w1")
		require.NoError(t, err)
		assert.True(t, processed)
	}

	got, err := f.queue.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "upstream unavailable", got.LastError)

	processed, err := f.pool.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRunOnce_UnknownType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.queue.Enqueue(ctx, queue.EnqueueParams{Type: "mystery"})
	require.NoError(t, err)

	_, err = f.pool.RunOnce(ctx, "w1")
	require.NoError(t, err)

	got, err := f.queue.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Equal(t, "no handler for task type", got.LastError)
	assert.Equal(t, 1, got.Attempts)
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pool.Handle("explode", HandlerFunc(func(context.Context, queue.Task) error {
		panic("kaboom")
	}))
	task, err := f.queue.Enqueue(ctx, queue.EnqueueParams{Type: "explode"})
	require.NoError(t, err)

	_, err = f.pool.RunOnce(ctx, "w1")
	require.NoError(t, err)

	got, err := f.queue.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Contains(t, got.LastError, "handler panic: kaboom")
}

func TestRunOnce_HandlerContextBoundedByLease(t *testing.T) {
	f := newFixture(t, WithLeaseDuration(50*time.Millisecond))
	ctx := context.Background()

	f.pool.Handle("slow", HandlerFunc(func(ctx context.Context, _ queue.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	task, err := f.queue.Enqueue(ctx, queue.EnqueueParams{Type: "slow"})
	require.NoError(t, err)

	_, err = f.pool.RunOnce(ctx, "w1")
	require.NoError(t, err)

	got, err := f.queue.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, context.DeadlineExceeded.Error(), got.LastError)
}

func TestTouchItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pool.Handle(TypeTouchItem, TouchItem(f.catalog))

	body := "x"
	item, err := f.catalog.Create(ctx, catalog.NewItem{
		Type: "note", SourceType: "test", SourceID: "src", NormalizationVersion: "v1", InlineText: &body,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	payload, err := json.Marshal(ItemPayload{ItemID: item.ItemID})
	require.NoError(t, err)
	ok, err := f.queue.Enqueue(ctx, queue.EnqueueParams{Type: TypeTouchItem, Payload: payload})
	require.NoError(t, err)
	bad, err := f.queue.Enqueue(ctx, queue.EnqueueParams{Type: TypeTouchItem})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.pool.RunOnce(ctx, "w1")
		require.NoError(t, err)
	}

	touched, err := f.catalog.FindByID(ctx, item.ItemID)
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), touched.UpdatedAt)

	got, err := f.queue.Get(ctx, ok.TaskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, got.Status)
	got, err = f.queue.Get(ctx, bad.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "payload has no item_id", got.LastError)
}

func TestRun_DrainsQueueAndStopsOnCancel(t *testing.T) {
	f := newFixture(t, WithConcurrency(3), WithPollInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	f.pool.Handle(TypeNoop, HandlerFunc(func(context.Context, queue.Task) error {
		handled.Add(1)
		return nil
	}))

	const tasks = 10
	for i := 0; i < tasks; i++ {
		_, err := f.queue.Enqueue(ctx, queue.EnqueueParams{Type: TypeNoop})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return handled.Load() == tasks
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	succeeded, err := f.queue.List(context.Background(), queue.ListFilter{Status: queue.StatusSucceeded})
	require.NoError(t, err)
	assert.Len(t, succeeded, tasks)
}

func TestNew_Defaults(t *testing.T) {
	p := New(nil)
	assert.Equal(t, DefaultConcurrency, p.concurrency)
	assert.Equal(t, DefaultLeaseDuration, p.lease)
	assert.Equal(t, DefaultPollInterval, p.poll)
	assert.Regexp(t, `^worker-[0-9a-f]{8}$`, p.WorkerID())
}
