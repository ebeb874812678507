package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tidemark/internal/worker"
)

// WorkOptions holds flags for the work command.
type WorkOptions struct {
	*RootOptions
	Concurrency  int
	Lease        time.Duration
	PollInterval time.Duration
	WorkerID     string
}

// NewWorkCommand creates the work command.
func NewWorkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the worker pool until interrupted",
		Long: `Run the worker pool against the task queue.

Built-in task types:
  noop        - succeeds immediately
  touch_item  - bumps updated_at of payload.item_id

Several work processes may drain the same database; each task is leased to
one worker at a time. Ctrl-C or SIGTERM stops the pool after in-flight
tasks finish.

Examples:
  tidemark work --concurrency 8
  tidemark work --db ./tidemark.db --lease 1m -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "number of lease loops (default from config)")
	cmd.Flags().DurationVar(&opts.Lease, "lease", 0, "lease duration (default from config)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll", 0, "idle poll interval (default from config)")
	cmd.Flags().StringVar(&opts.WorkerID, "worker", "", "worker id prefix (default random)")

	return cmd
}

func runWork(opts *WorkOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	wc := a.cfg.Worker
	if opts.Concurrency > 0 {
		wc.Concurrency = opts.Concurrency
	}
	if opts.Lease > 0 {
		wc.LeaseDuration = opts.Lease
	}
	if opts.PollInterval > 0 {
		wc.PollInterval = opts.PollInterval
	}
	if err := wc.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid worker settings", err)
	}

	poolOpts := []worker.Option{
		worker.WithConcurrency(wc.Concurrency),
		worker.WithLeaseDuration(wc.LeaseDuration),
		worker.WithPollInterval(wc.PollInterval),
		worker.WithLogger(slog.Default()),
	}
	if opts.WorkerID != "" {
		poolOpts = append(poolOpts, worker.WithWorkerID(opts.WorkerID))
	}
	pool := worker.New(a.queue, poolOpts...)
	pool.Handle(worker.TypeNoop, worker.Noop())
	pool.Handle(worker.TypeTouchItem, worker.TouchItem(a.catalog))

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Worker %s started with %d loops. Press Ctrl-C to stop.\n", pool.WorkerID(), wc.Concurrency)

	if err := pool.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "worker pool error", err)
	}

	slog.Info("worker pool stopped gracefully")
	return nil
}
