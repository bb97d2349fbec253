package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bobmcallan/sheetbuilder/internal/client"
)

// submitOptions holds CLI flags for the submit command.
type submitOptions struct {
	serverURL  string
	rotation   int
	order      string
	storePath  string
	outputPath string
	noProgress bool
	timeout    time.Duration
}

func newSubmitCmd() *cobra.Command {
	opts := &submitOptions{
		serverURL: "http://localhost:8080",
		order:     "Norm",
		storePath: defaultStorePath(),
		timeout:   10 * time.Minute,
	}

	cmd := &cobra.Command{
		Use:   "submit <pdf-file>",
		Short: "Submit a PDF for sheet composition and wait for the result",
		Long: `Submits a PDF to a sheetbuilder server and follows its composition progress.

If this file (same name, size, rotation, and order) was already submitted
within the last hour, the CLI reattaches to that job instead of uploading
again — including returning an already-completed result without contacting
the server's processing path at all.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSubmit(args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.serverURL, "server", "s", opts.serverURL, "sheetbuilder server base URL")
	cmd.Flags().IntVarP(&opts.rotation, "rotation", "r", 0, "Page rotation angle in degrees (0-360)")
	cmd.Flags().StringVarP(&opts.order, "order", "o", opts.order, "Page order: Norm or Rev")
	cmd.Flags().StringVar(&opts.storePath, "store", opts.storePath, "Path to the local reattachment store")
	cmd.Flags().StringVar(&opts.outputPath, "download-to", "", "If set, download the composed PDF to this path")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress bar output")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", opts.timeout, "Overall submit+watch timeout")

	return cmd
}

func defaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sheetbuilder-client", "jobs.json")
}

func runSubmit(filePath string, opts *submitOptions) error {
	store, err := client.NewStore(opts.storePath)
	if err != nil {
		return fmt.Errorf("failed to open reattachment store: %w", err)
	}

	c := client.NewClient(opts.serverURL, store)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	bar := client.NewBar(!opts.noProgress, 0)
	result, err := c.Submit(ctx, filePath, opts.rotation, opts.order, bar.Update)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	bar.Finish(result.Message)

	fmt.Printf("job complete: %d pages in, %d pages out, %dms, download %s\n",
		result.InputPages, result.OutputPages, result.ProcessingTimeMillis, result.DownloadPath)

	if opts.outputPath != "" {
		if err := c.Download(ctx, result.DownloadPath, opts.outputPath); err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		fmt.Printf("saved to %s\n", opts.outputPath)
	}
	return nil
}
