package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/glimpse/internal/ingest"
	"github.com/andresmejia3/glimpse/internal/utils"
)

type ingestOptions struct {
	Prefix     string
	RetryFrom  string
	ReportPath string
}

var ingestOpts ingestOptions

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Embed every image in blob storage and write it to the vector index",
	Long: "Lists images under --prefix, normalizes and embeds each one with a bounded worker pool, " +
		"and upserts the vectors keyed by image key. Failed keys are written to the report so they " +
		"can be retried with --retry-from.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		a, err := newApp(cmd.Context(), &cfg, needIndex|needBlobs|needEmbedder)
		if err != nil {
			utils.ShowError("Failed to initialize clients", err, nil)
			return err
		}
		defer a.Close()

		_, err = runIngest(cmd.Context(), a, ingestOpts, os.Stdout)
		return err
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestOpts.Prefix, "prefix", "p", "", "Only ingest keys under this prefix")
	ingestCmd.Flags().IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Number of parallel ingestion workers")
	ingestCmd.Flags().StringVar(&ingestOpts.RetryFrom, "retry-from", "", "Re-ingest only the failed and pending keys of an earlier report")
	ingestCmd.Flags().StringVar(&ingestOpts.ReportPath, "report", "ingest-report.json", "Where to write the run report (empty to skip)")
	rootCmd.AddCommand(ingestCmd)
}

// runIngest resolves the item list, drives the ingestor with a progress bar and prints the summary.
func runIngest(ctx context.Context, a *app, opts ingestOptions, out io.Writer) (*ingest.Report, error) {
	var items []ingest.Item
	if opts.RetryFrom != "" {
		prev, err := ingest.LoadReport(opts.RetryFrom)
		if err != nil {
			utils.ShowError("Failed to read previous report", err, nil)
			return nil, err
		}
		items = ingest.FromKeys(a.blobs, prev.RetryKeys())
		fmt.Fprintf(a.stderr, "🔁 Retrying %d keys from run %s\n", len(items), prev.RunID)
	} else {
		var err error
		items, err = ingest.FromStore(ctx, a.blobs, opts.Prefix)
		if err != nil {
			utils.ShowError("Failed to list source images", err, nil)
			return nil, err
		}
	}

	if len(items) == 0 {
		fmt.Fprintln(out, "No images found to ingest.")
		return &ingest.Report{}, nil
	}
	fmt.Fprintf(a.stderr, "⚙️  Ingesting %d images with %d workers...\n", len(items), a.cfg.Workers)

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetDescription("📥 Glimpse Ingesting"),
		progressbar.OptionSetWriter(a.stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	in := ingest.New(a.normalizer, a.embedder, a.index, a.cfg.Workers)
	in.Logger = a.logger
	in.Metrics = a.metrics
	in.Progress = func(done, total int) { bar.Set(done) }

	report, runErr := in.Ingest(ctx, items)
	bar.Finish()

	if opts.ReportPath != "" {
		if err := report.Save(opts.ReportPath); err != nil {
			utils.ShowError("Failed to write report", err, nil)
		}
	}
	printIngestSummary(out, report, opts.ReportPath)

	if runErr != nil {
		return report, fmt.Errorf("ingestion interrupted: %w", runErr)
	}
	if report.Failed > 0 {
		return report, fmt.Errorf("%d of %d images failed", report.Failed, report.Total)
	}
	return report, nil
}

func printIngestSummary(w io.Writer, r *ingest.Report, reportPath string) {
	fmt.Fprintf(w, "\n🏁 Ingest %s: %d succeeded, %d failed, %d skipped (of %d) in %s\n",
		r.RunID, r.Succeeded, r.Failed, r.Skipped, r.Total, r.Duration.Round(time.Millisecond))

	for _, f := range r.Failures {
		fmt.Fprintf(w, "   ❌ %s [%s] %s\n", f.Key, f.Stage, f.Reason)
	}
	if (r.Failed > 0 || r.Skipped > 0) && reportPath != "" {
		fmt.Fprintf(w, "   Retry with: glimpse ingest --retry-from %s\n", reportPath)
	}
}
