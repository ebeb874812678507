package cli

import (
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/ingest"
	"github.com/roach88/tidemark/internal/ledger"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Kind             string
	NormVersion      string
	IdempotencyKey   string
	ParentRunID      string
	Actor            string
	URI              string
	Text             string
	MIMEType         string
	Type             string
	Title            string
	Tags             []string
	Sensitivity      string
	FollowOn         string
	FollowOnPriority int
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Observe content under a new run",
		Long: `Observe inline text or files under one run.

Each observation becomes a new item. An item whose content digest or
canonical URI matches an earlier item of the same normalization version is
linked to it with a supersedes edge. The run is recorded with its stats and
an audit log.

A repeated --idempotency-key is a successful no-op.

Exit codes:
  0 - Run succeeded, or was skipped by idempotency key
  1 - Run failed (no item produced)
  2 - Command error

Examples:
  tidemark ingest --text "meeting notes" --tag work
  tidemark ingest --uri https://example.com/a page.html --mime text/html
  tidemark ingest --idempotency-key import-42 ./docs/*.md --follow-on touch_item`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", string(ledger.KindCLI), "run kind (cli|agent|workflow|trigger)")
	cmd.Flags().StringVar(&opts.NormVersion, "norm-version", "", "normalization version (default from config)")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "skip the run if this key was already used")
	cmd.Flags().StringVar(&opts.ParentRunID, "parent-run", "", "parent run id")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who started the run")
	cmd.Flags().StringVar(&opts.URI, "uri", "", "canonical URI of the observed content")
	cmd.Flags().StringVar(&opts.Text, "text", "", "inline text to observe instead of files")
	cmd.Flags().StringVar(&opts.MIMEType, "mime", "", "MIME type of file content (default from extension)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "item type (default web_page, file or note)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "item title")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "item tag (repeatable)")
	cmd.Flags().StringVar(&opts.Sensitivity, "sensitivity", "", "private|public|secret|restricted")
	cmd.Flags().StringVar(&opts.FollowOn, "follow-on", "", "enqueue a task of this type for each new item")
	cmd.Flags().IntVar(&opts.FollowOnPriority, "follow-on-priority", 0, "priority of follow-on tasks")

	return cmd
}

func runIngest(opts *IngestOptions, files []string, cmd *cobra.Command) error {
	hasText := cmd.Flags().Changed("text")
	switch {
	case hasText && len(files) > 0:
		return NewExitError(ExitCommandError, "--text and file arguments are mutually exclusive")
	case !hasText && len(files) == 0:
		return NewExitError(ExitCommandError, "nothing to ingest: give --text or at least one file")
	case opts.URI != "" && len(files) > 1:
		return NewExitError(ExitCommandError, "--uri applies to a single observation")
	}

	observations, err := buildObservations(opts, files, hasText, cmd)
	if err != nil {
		return err
	}

	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	version := opts.NormVersion
	if version == "" {
		version = a.cfg.NormalizationVersion
	}

	ing := ingest.New(a.blobs, a.resolver, a.ledger, a.queue)
	res, err := ing.Ingest(cmd.Context(), ingest.Request{
		Kind:                 ledger.Kind(opts.Kind),
		ParentRunID:          opts.ParentRunID,
		Actor:                opts.Actor,
		ToolName:             "tidemark",
		ToolVersion:          Version,
		IdempotencyKey:       opts.IdempotencyKey,
		NormalizationVersion: version,
		Observations:         observations,
		FollowOnTask:         opts.FollowOn,
		FollowOnPriority:     opts.FollowOnPriority,
	})
	if err != nil {
		return opError("ingest failed", err)
	}

	if err := newFormatter(cmd, opts.RootOptions).Render(res, func(w io.Writer) {
		printIngestResult(w, res)
	}); err != nil {
		return err
	}

	if !res.Skipped && res.Status != ledger.StatusSucceeded {
		return reportedExitError(ExitFailure, fmt.Sprintf("run %s %s", res.RunID, res.Status))
	}
	return nil
}

func buildObservations(opts *IngestOptions, files []string, hasText bool, cmd *cobra.Command) ([]ingest.Observation, error) {
	base := ingest.Observation{
		URL:         opts.URI,
		Type:        opts.Type,
		Title:       opts.Title,
		Tags:        opts.Tags,
		Sensitivity: catalog.Sensitivity(opts.Sensitivity),
	}

	if hasText {
		text := opts.Text
		obs := base
		obs.Text = &text
		return []ingest.Observation{obs}, nil
	}

	observations := make([]ingest.Observation, 0, len(files))
	for _, path := range files {
		data, err := readInput(cmd, path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read input", err)
		}
		obs := base
		obs.Data = data
		obs.MIMEType = opts.MIMEType
		if obs.MIMEType == "" {
			obs.MIMEType = mime.TypeByExtension(filepath.Ext(path))
		}
		if path != "-" {
			obs.ExternalRef = path
			if obs.Title == "" {
				obs.Title = filepath.Base(path)
			}
		}
		observations = append(observations, obs)
	}
	return observations, nil
}

func printIngestResult(w io.Writer, res ingest.Result) {
	if res.Skipped {
		fmt.Fprintf(w, "Skipped: idempotency key already used by run %s\n", res.ExistingRunID)
		return
	}

	fmt.Fprintf(w, "Run %s %s\n", res.RunID, res.Status)
	for _, o := range res.Outcomes {
		switch {
		case o.Error != "":
			fmt.Fprintf(w, "  [%d] error: %s\n", o.Index, o.Error)
		case o.Resolution.IsNew:
			fmt.Fprintf(w, "  [%d] %s new\n", o.Index, o.Resolution.ItemID)
		default:
			line := fmt.Sprintf("  [%d] %s supersedes %s (%s)", o.Index, o.Resolution.ItemID, o.Resolution.SupersededItemID, o.Resolution.Reason)
			if o.Resolution.Conflict {
				line += " conflict"
			}
			fmt.Fprintln(w, line)
		}
		if o.TaskID != "" {
			fmt.Fprintf(w, "      task %s\n", o.TaskID)
		}
	}

	s := res.Stats
	parts := []string{
		fmt.Sprintf("observed %d", s.Observed),
		fmt.Sprintf("created %d", s.Created),
		fmt.Sprintf("superseded %d", s.Superseded),
		fmt.Sprintf("conflicts %d", s.Conflicts),
		fmt.Sprintf("failed %d", s.Failed),
	}
	if s.Enqueued > 0 {
		parts = append(parts, fmt.Sprintf("enqueued %d", s.Enqueued))
	}
	fmt.Fprintf(w, "Stats: %s\n", strings.Join(parts, ", "))
}
