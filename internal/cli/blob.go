package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewBlobCommand creates the blob command group.
func NewBlobCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Store and inspect content-addressed blobs",
	}
	cmd.AddCommand(newBlobPutCommand(rootOpts))
	cmd.AddCommand(newBlobGetCommand(rootOpts))
	return cmd
}

func newBlobPutCommand(opts *RootOptions) *cobra.Command {
	var mimeType string

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file's bytes and print its digest",
		Long: `Store a file's bytes under their content digest.

Storing the same bytes again is a no-op that reports the same digest.
Use "-" to read from stdin.

Examples:
  tidemark blob put ./report.pdf --mime application/pdf
  cat notes.txt | tidemark blob put -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read input", err)
			}

			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.blobs.Put(cmd.Context(), data, mimeType)
			if err != nil {
				return opError("failed to store blob", err)
			}
			return newFormatter(cmd, opts).Render(res, func(w io.Writer) {
				if res.Inserted {
					fmt.Fprintln(w, res.Digest)
					return
				}
				fmt.Fprintf(w, "%s (already stored)\n", res.Digest)
			})
		},
	}

	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type recorded with the blob")
	return cmd
}

func newBlobGetCommand(opts *RootOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "get <digest>",
		Short: "Show blob metadata, optionally writing its bytes",
		Long: `Show the metadata recorded for a digest.

With --out the bytes are read back, checked against the digest and written
to the given file ("-" for stdout).

Examples:
  tidemark blob get sha256:9f86d0...
  tidemark blob get sha256:9f86d0... --out ./copy.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			b, err := a.blobs.Get(ctx, args[0])
			if err != nil {
				return opError("failed to get blob", err)
			}

			if outPath != "" {
				data, err := a.blobs.Read(ctx, b.Digest)
				if err != nil {
					return opError("failed to read blob", err)
				}
				if outPath == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(outPath, data, 0o644); err != nil {
					return WrapExitError(ExitFailure, "failed to write output", err)
				}
			}

			return newFormatter(cmd, opts).Render(b, func(w io.Writer) {
				fmt.Fprintf(w, "Digest:  %s\n", b.Digest)
				fmt.Fprintf(w, "Size:    %d bytes\n", b.SizeBytes)
				if b.MIMEType != "" {
					fmt.Fprintf(w, "MIME:    %s\n", b.MIMEType)
				}
				fmt.Fprintf(w, "Created: %s\n", formatTime(b.CreatedAt))
			})
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", `write the blob bytes to this file ("-" for stdout)`)
	return cmd
}

// readInput reads a file argument, with "-" meaning the command's stdin.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
