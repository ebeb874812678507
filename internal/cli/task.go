package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tidemark/internal/queue"
)

// NewTaskCommand creates the task command group.
func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Enqueue, lease and acknowledge background tasks",
	}
	cmd.AddCommand(newTaskEnqueueCommand(rootOpts))
	cmd.AddCommand(newTaskLeaseCommand(rootOpts))
	cmd.AddCommand(newTaskRenewCommand(rootOpts))
	cmd.AddCommand(newTaskAckCommand(rootOpts))
	cmd.AddCommand(newTaskFailCommand(rootOpts))
	cmd.AddCommand(newTaskShowCommand(rootOpts))
	cmd.AddCommand(newTaskListCommand(rootOpts))
	return cmd
}

func newTaskEnqueueCommand(opts *RootOptions) *cobra.Command {
	var (
		payload     string
		priority    int
		due         string
		maxAttempts int
		runID       string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Add a task to the queue",
		Long: `Add a task to the queue.

Higher priority tasks are leased first; among equal priorities the earliest
due task wins.

Examples:
  tidemark task enqueue touch_item --payload '{"item_id":"0192f0c4-..."}'
  tidemark task enqueue noop --priority 5 --due 2026-01-02T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return NewExitError(ExitCommandError, "invalid --payload JSON")
			}
			var dueAt time.Time
			if due != "" {
				t, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --due", err)
				}
				dueAt = t
			}

			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if !cmd.Flags().Changed("max-attempts") {
				maxAttempts = a.cfg.Worker.MaxAttempts
			}

			task, err := a.queue.Enqueue(cmd.Context(), queue.EnqueueParams{
				Type:        args[0],
				Payload:     json.RawMessage(payload),
				DueAt:       dueAt,
				Priority:    priority,
				MaxAttempts: maxAttempts,
				RunID:       runID,
			})
			if err != nil {
				return opError("failed to enqueue task", err)
			}
			return newFormatter(cmd, opts).Render(task, func(w io.Writer) {
				fmt.Fprintln(w, task.TaskID)
			})
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "{}", "task payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher first)")
	cmd.Flags().StringVar(&due, "due", "", "earliest lease time (RFC3339, default now)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", queue.DefaultMaxAttempts, "attempts before the task is dead (default from config)")
	cmd.Flags().StringVar(&runID, "run", "", "run that produced the task")
	return cmd
}

func newTaskLeaseCommand(opts *RootOptions) *cobra.Command {
	var (
		workerID string
		lease    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Lease the next eligible task",
		Long: `Lease the next eligible task for a worker.

Prints nothing useful and exits 0 when no task is eligible.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if !cmd.Flags().Changed("lease") {
				lease = a.cfg.Worker.LeaseDuration
			}

			task, err := a.queue.LeaseNext(cmd.Context(), workerID, lease)
			if err != nil {
				return opError("failed to lease task", err)
			}
			return newFormatter(cmd, opts).Render(task, func(w io.Writer) {
				if task == nil {
					fmt.Fprintln(w, "No task available.")
					return
				}
				printTask(w, *task)
			})
		},
	}

	cmd.Flags().StringVar(&workerID, "worker", "", "worker id (required)")
	cmd.Flags().DurationVar(&lease, "lease", 30*time.Second, "lease duration (default from config)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newTaskRenewCommand(opts *RootOptions) *cobra.Command {
	var (
		workerID string
		lease    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "renew <task-id>",
		Short: "Extend a held lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if !cmd.Flags().Changed("lease") {
				lease = a.cfg.Worker.LeaseDuration
			}

			task, err := a.queue.Renew(cmd.Context(), args[0], workerID, lease)
			if err != nil {
				return opError("failed to renew lease", err)
			}
			return newFormatter(cmd, opts).Render(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s locked until %s\n", task.TaskID, formatTimePtr(task.LockedUntil))
			})
		},
	}

	cmd.Flags().StringVar(&workerID, "worker", "", "worker id holding the lease (required)")
	cmd.Flags().DurationVar(&lease, "lease", 30*time.Second, "new lease duration from now (default from config)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newTaskAckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <task-id>",
		Short: "Mark a leased or running task succeeded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			task, err := a.queue.MarkSucceeded(cmd.Context(), args[0])
			if err != nil {
				return opError("failed to acknowledge task", err)
			}
			return newFormatter(cmd, opts).Render(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", task.TaskID, task.Status)
			})
		},
	}
}

func newTaskFailCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fail <task-id> <error>",
		Short: "Record a failed attempt",
		Long: `Record a failed attempt. The task is requeued until it reaches its
maximum attempts, then it is dead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			task, err := a.queue.MarkFailed(cmd.Context(), args[0], args[1])
			if err != nil {
				return opError("failed to record failure", err)
			}
			return newFormatter(cmd, opts).Render(task, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s (attempt %d of %d)\n", task.TaskID, task.Status, task.Attempts, task.MaxAttempts)
			})
		},
	}
}

func newTaskShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			task, err := a.queue.Get(cmd.Context(), args[0])
			if err != nil {
				return opError("failed to get task", err)
			}
			return newFormatter(cmd, opts).Render(task, func(w io.Writer) {
				printTask(w, task)
			})
		},
	}
}

func printTask(w io.Writer, t queue.Task) {
	fmt.Fprintf(w, "Task:     %s\n", t.TaskID)
	fmt.Fprintf(w, "Type:     %s\n", t.Type)
	fmt.Fprintf(w, "Status:   %s\n", t.Status)
	fmt.Fprintf(w, "Priority: %d\n", t.Priority)
	fmt.Fprintf(w, "Due:      %s\n", formatTime(t.DueAt))
	fmt.Fprintf(w, "Attempts: %d/%d\n", t.Attempts, t.MaxAttempts)
	if t.LockedBy != "" {
		fmt.Fprintf(w, "Locked:   %s until %s\n", t.LockedBy, formatTimePtr(t.LockedUntil))
	}
	if t.RunID != "" {
		fmt.Fprintf(w, "Run:      %s\n", t.RunID)
	}
	if t.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", t.LastError)
	}
	fmt.Fprintf(w, "Payload:  %s\n", string(t.Payload))
}

func newTaskListCommand(opts *RootOptions) *cobra.Command {
	var (
		status   string
		taskType string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !queue.Status(status).Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", status))
			}

			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := a.queue.List(cmd.Context(), queue.ListFilter{
				Status: queue.Status(status),
				Type:   taskType,
				Limit:  limit,
			})
			if err != nil {
				return opError("failed to list tasks", err)
			}
			return newFormatter(cmd, opts).Render(tasks, func(w io.Writer) {
				if len(tasks) == 0 {
					fmt.Fprintln(w, "No tasks found.")
					return
				}
				tw := newTable(w, "TASK", "TYPE", "STATUS", "PRIORITY", "ATTEMPTS", "DUE")
				for _, t := range tasks {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\n", t.TaskID, t.Type, t.Status, t.Priority, t.Attempts, t.MaxAttempts, formatTime(t.DueAt))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "queued|leased|running|succeeded|failed|dead")
	cmd.Flags().StringVar(&taskType, "type", "", "only tasks of this type")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks (default 50)")
	return cmd
}
