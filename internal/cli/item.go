package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/lineage"
)

// NewItemCommand creates the item command group.
func NewItemCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Inspect catalog items and their lineage",
	}
	cmd.AddCommand(newItemShowCommand(rootOpts))
	cmd.AddCommand(newItemListCommand(rootOpts))
	cmd.AddCommand(newItemEdgesCommand(rootOpts))
	cmd.AddCommand(newItemAncestryCommand(rootOpts))
	return cmd
}

func newItemShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			item, err := a.catalog.FindByID(cmd.Context(), args[0])
			if err != nil {
				return opError("failed to get item", err)
			}
			return newFormatter(cmd, opts).Render(item, func(w io.Writer) {
				printItem(w, item)
			})
		},
	}
}

func printItem(w io.Writer, item catalog.Item) {
	fmt.Fprintf(w, "Item:        %s\n", item.ItemID)
	fmt.Fprintf(w, "Type:        %s\n", item.Type)
	if item.Title != "" {
		fmt.Fprintf(w, "Title:       %s\n", item.Title)
	}
	fmt.Fprintf(w, "Source:      %s %s\n", item.SourceType, item.SourceID)
	if item.ExternalRef != "" {
		fmt.Fprintf(w, "External:    %s\n", item.ExternalRef)
	}
	fmt.Fprintf(w, "URI:         %s\n", orDash(item.CanonicalURI))
	fmt.Fprintf(w, "Digest:      %s\n", orDash(item.ContentDigest))
	fmt.Fprintf(w, "Norm:        %s\n", item.NormalizationVersion)
	fmt.Fprintf(w, "Sensitivity: %s\n", item.Sensitivity)
	if len(item.Tags) > 0 {
		fmt.Fprintf(w, "Tags:        %s\n", strings.Join(item.Tags, ", "))
	}
	if item.BlobRef != "" {
		fmt.Fprintf(w, "Blob:        %s\n", item.BlobRef)
	}
	fmt.Fprintf(w, "Observed:    %s\n", formatTimePtr(item.ObservedAt))
	fmt.Fprintf(w, "Created:     %s\n", formatTime(item.CreatedAt))
	fmt.Fprintf(w, "Updated:     %s\n", formatTime(item.UpdatedAt))
	if item.InlineText != nil {
		fmt.Fprintf(w, "\n%s\n", *item.InlineText)
	}
}

func newItemListCommand(opts *RootOptions) *cobra.Command {
	var filter catalog.ListFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			items, err := a.catalog.List(cmd.Context(), filter)
			if err != nil {
				return opError("failed to list items", err)
			}
			return newFormatter(cmd, opts).Render(items, func(w io.Writer) {
				if len(items) == 0 {
					fmt.Fprintln(w, "No items found.")
					return
				}
				tw := newTable(w, "ITEM", "TYPE", "CREATED", "TITLE")
				for _, it := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.ItemID, it.Type, formatTime(it.CreatedAt), orDash(it.Title))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.Type, "type", "", "only items of this type")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of items (default 50)")
	return cmd
}

func newItemEdgesCommand(opts *RootOptions) *cobra.Command {
	var direction, rel string

	cmd := &cobra.Command{
		Use:   "edges <item-id>",
		Short: "List lineage edges of an item, most recent first",
		Long: `List lineage edges leaving (--direction from) or arriving at
(--direction to) an item.

Examples:
  tidemark item edges 0192f0c4-... --direction to --rel supersedes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			edges, err := a.graph.ListEdges(cmd.Context(), args[0], lineage.Direction(direction), lineage.Rel(rel))
			if err != nil {
				return opError("failed to list edges", err)
			}
			return newFormatter(cmd, opts).Render(edges, func(w io.Writer) {
				if len(edges) == 0 {
					fmt.Fprintln(w, "No edges found.")
					return
				}
				tw := newTable(w, "EDGE", "FROM", "REL", "TO", "META")
				for _, e := range edges {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.EdgeID, e.FromItemID, e.Rel, e.ToItemID, compactJSON(e.Meta))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&direction, "direction", string(lineage.From), "from|to")
	cmd.Flags().StringVar(&rel, "rel", "", "only edges with this relation")
	return cmd
}

func newItemAncestryCommand(opts *RootOptions) *cobra.Command {
	var (
		rel   string
		depth int
	)

	cmd := &cobra.Command{
		Use:   "ancestry <item-id>",
		Short: "Walk an item's predecessors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ancestors, err := a.graph.Ancestry(cmd.Context(), args[0], lineage.Rel(rel), depth)
			if err != nil {
				return opError("failed to walk ancestry", err)
			}
			return newFormatter(cmd, opts).Render(ancestors, func(w io.Writer) {
				if len(ancestors) == 0 {
					fmt.Fprintln(w, "No ancestors found.")
					return
				}
				for _, anc := range ancestors {
					fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", anc.Depth-1), anc.ItemID)
				}
			})
		},
	}

	cmd.Flags().StringVar(&rel, "rel", string(lineage.RelSupersedes), "relation to follow")
	cmd.Flags().IntVar(&depth, "depth", 0, "maximum depth (default 32)")
	return cmd
}
