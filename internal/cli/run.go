package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tidemark/internal/ledger"
)

// RunDetail is a run with its input and output links.
type RunDetail struct {
	ledger.Run
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// NewRunCommand creates the run command group.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect the run ledger",
	}
	cmd.AddCommand(newRunShowCommand(rootOpts))
	cmd.AddCommand(newRunLogsCommand(rootOpts))
	cmd.AddCommand(newRunListCommand(rootOpts))
	return cmd
}

func newRunShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its inputs and outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			run, err := a.ledger.Get(ctx, args[0])
			if err != nil {
				return opError("failed to get run", err)
			}
			detail := RunDetail{Run: run}
			if detail.Inputs, err = a.ledger.Inputs(ctx, run.RunID); err != nil {
				return opError("failed to list run inputs", err)
			}
			if detail.Outputs, err = a.ledger.Outputs(ctx, run.RunID); err != nil {
				return opError("failed to list run outputs", err)
			}

			return newFormatter(cmd, opts).Render(detail, func(w io.Writer) {
				printRun(w, detail)
			})
		},
	}
}

func printRun(w io.Writer, d RunDetail) {
	fmt.Fprintf(w, "Run:      %s\n", d.RunID)
	fmt.Fprintf(w, "Kind:     %s\n", d.Kind)
	fmt.Fprintf(w, "Status:   %s\n", d.Status)
	if d.ParentRunID != "" {
		fmt.Fprintf(w, "Parent:   %s\n", d.ParentRunID)
	}
	if d.ToolName != "" {
		fmt.Fprintf(w, "Tool:     %s %s\n", d.ToolName, d.ToolVersion)
	}
	if d.Actor != "" {
		fmt.Fprintf(w, "Actor:    %s\n", d.Actor)
	}
	if d.IdempotencyKey != "" {
		fmt.Fprintf(w, "Key:      %s\n", d.IdempotencyKey)
	}
	fmt.Fprintf(w, "Norm:     %s\n", d.NormalizationVersion)
	fmt.Fprintf(w, "Started:  %s\n", formatTime(d.StartedAt))
	fmt.Fprintf(w, "Finished: %s\n", formatTimePtr(d.FinishedAt))
	if d.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", d.Error)
	}
	if stats := d.Stats(); stats != nil {
		fmt.Fprintf(w, "Stats:    %s\n", compactJSON(stats))
	}
	fmt.Fprintf(w, "Inputs:   %d\n", len(d.Inputs))
	for _, id := range d.Inputs {
		fmt.Fprintf(w, "  %s\n", id)
	}
	fmt.Fprintf(w, "Outputs:  %d\n", len(d.Outputs))
	for _, id := range d.Outputs {
		fmt.Fprintf(w, "  %s\n", id)
	}
}

func newRunLogsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print a run's audit log, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if _, err := a.ledger.Get(ctx, args[0]); err != nil {
				return opError("failed to get run", err)
			}
			logs, err := a.ledger.Logs(ctx, args[0])
			if err != nil {
				return opError("failed to read run logs", err)
			}
			return newFormatter(cmd, opts).Render(logs, func(w io.Writer) {
				for _, l := range logs {
					line := fmt.Sprintf("%s %-5s %s", formatTime(l.CreatedAt), l.Level, l.Message)
					if len(l.Data) > 0 {
						line += " " + compactJSON(l.Data)
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
}

func newRunListCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !ledger.Status(status).Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", status))
			}

			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.ledger.List(cmd.Context(), ledger.ListFilter{Status: ledger.Status(status), Limit: limit})
			if err != nil {
				return opError("failed to list runs", err)
			}
			return newFormatter(cmd, opts).Render(runs, func(w io.Writer) {
				if len(runs) == 0 {
					fmt.Fprintln(w, "No runs found.")
					return
				}
				tw := newTable(w, "RUN", "KIND", "STATUS", "STARTED", "FINISHED")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Kind, r.Status, formatTime(r.StartedAt), formatTimePtr(r.FinishedAt))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "running|succeeded|failed|canceled")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs (default 50)")
	return cmd
}
