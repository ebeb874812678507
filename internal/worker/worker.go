// Package worker runs queue handlers against leased tasks.
//
// A Pool runs N independent lease loops. Nothing is shared between loops
// but the store: each loop leases with its own worker id, so several pools
// in several processes can drain one queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tidemark/internal/queue"
)

// Handler processes one task. A returned error fails the attempt.
type Handler interface {
	Handle(ctx context.Context, task queue.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task queue.Task) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task queue.Task) error {
	return f(ctx, task)
}

// Defaults for a Pool.
const (
	DefaultConcurrency   = 1
	DefaultLeaseDuration = 30 * time.Second
	DefaultPollInterval  = time.Second
)

// Pool leases tasks and dispatches them to handlers by task type.
type Pool struct {
	queue       *queue.Queue
	concurrency int
	lease       time.Duration
	poll        time.Duration
	workerID    string
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of lease loops.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLeaseDuration sets how long each lease lasts. Handlers run with a
// context bounded by it.
func WithLeaseDuration(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.lease = d
		}
	}
}

// WithPollInterval sets how long a loop sleeps when the queue is empty.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.poll = d
		}
	}
}

// WithWorkerID sets the id prefix recorded in locked_by.
func WithWorkerID(id string) Option {
	return func(p *Pool) {
		if id != "" {
			p.workerID = id
		}
	}
}

// WithLogger sets the process logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// New creates a Pool draining q.
func New(q *queue.Queue, opts ...Option) *Pool {
	p := &Pool{
		queue:       q,
		concurrency: DefaultConcurrency,
		lease:       DefaultLeaseDuration,
		poll:        DefaultPollInterval,
		workerID:    "worker-" + uuid.NewString()[:8],
		logger:      slog.Default(),
		handlers:    map[string]Handler{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle registers h for taskType, replacing any previous handler.
func (p *Pool) Handle(taskType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = h
}

// WorkerID returns the id prefix of the pool's loops.
func (p *Pool) WorkerID() string {
	return p.workerID
}

func (p *Pool) handler(taskType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[taskType]
	return h, ok
}

// Run starts the lease loops and blocks until ctx is canceled. A canceled
// context is a clean shutdown and returns nil.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", "worker", p.workerID, "concurrency", p.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for n := 1; n <= p.concurrency; n++ {
		id := fmt.Sprintf("%s-%d", p.workerID, n)
		g.Go(func() error {
			return p.loop(ctx, id)
		})
	}
	err := g.Wait()

	p.logger.Info("worker pool stopped", "worker", p.workerID)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		processed, err := p.RunOnce(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("worker iteration failed", "worker", workerID, "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.poll):
		}
	}
}

// RunOnce leases at most one task as workerID and processes it. It reports
// whether a task was leased. The returned error covers queue failures only;
// handler failures are recorded on the task.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	task, err := p.queue.LeaseNext(ctx, workerID, p.lease)
	if err != nil {
		return false, fmt.Errorf("lease: %w", err)
	}
	if task == nil {
		return false, nil
	}

	log := p.logger.With("worker", workerID, "task_id", task.TaskID, "type", task.Type)

	running, err := p.queue.MarkRunning(ctx, task.TaskID, workerID)
	if err != nil {
		return true, fmt.Errorf("mark running %s: %w", task.TaskID, err)
	}

	h, ok := p.handler(running.Type)
	if !ok {
		log.Warn("no handler for task type")
		return true, p.fail(ctx, log, running, "no handler for task type")
	}

	hctx, cancel := context.WithTimeout(ctx, p.lease)
	herr := invoke(hctx, h, running)
	cancel()

	if herr != nil {
		log.Warn("task failed", "attempt", running.Attempts+1, "error", herr)
		return true, p.fail(ctx, log, running, herr.Error())
	}

	if _, err := p.queue.MarkSucceeded(ctx, running.TaskID); err != nil {
		return true, fmt.Errorf("mark succeeded %s: %w", running.TaskID, err)
	}
	log.Debug("task succeeded")
	return true, nil
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, task queue.Task, msg string) error {
	failed, err := p.queue.MarkFailed(ctx, task.TaskID, msg)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", task.TaskID, err)
	}
	if failed.Status == queue.StatusDead {
		log.Error("task is dead", "attempts", failed.Attempts, "last_error", failed.LastError)
	}
	return nil
}

// invoke calls h, converting a panic into an error.
func invoke(ctx context.Context, h Handler, task queue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, task)
}
