package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/glimpse/internal/materialize"
	"github.com/andresmejia3/glimpse/internal/query"
	"github.com/andresmejia3/glimpse/internal/types"
	"github.com/andresmejia3/glimpse/internal/utils"
)

type searchOptions struct {
	NoDownload  bool
	Concurrency int
}

var searchOpts searchOptions

var searchCmd = &cobra.Command{
	Use:   "search <image_path>",
	Short: "Find the indexed images most similar to a query image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		n := needIndex | needEmbedder
		if !searchOpts.NoDownload {
			n |= needBlobs
		}
		a, err := newApp(cmd.Context(), &cfg, n)
		if err != nil {
			utils.ShowError("Failed to initialize clients", err, nil)
			return err
		}
		defer a.Close()

		_, err = runSearch(cmd.Context(), a, args[0], searchOpts, os.Stdout)
		return err
	},
}

func init() {
	addQueryFlags(searchCmd)
	searchCmd.Flags().BoolVar(&searchOpts.NoDownload, "no-download", false, "Print matches without fetching them")
	searchCmd.Flags().IntVar(&searchOpts.Concurrency, "download-workers", 4, "Parallel downloads when materializing results")
	rootCmd.AddCommand(searchCmd)
}

// addQueryFlags registers the options shared by every command that runs a KNN query.
func addQueryFlags(c *cobra.Command) {
	c.Flags().IntVarP(&cfg.K, "k", "k", cfg.K, "Number of results to return")
	c.Flags().StringVar(&cfg.Dedup, "dedup", cfg.Dedup, "Drop repeated results by image key or by score")
	c.Flags().StringVarP(&cfg.OutputDir, "out", "o", cfg.OutputDir, "Directory where matched images are written")
}

func (a *app) imageSearcher() (*query.ImageSearcher, error) {
	dedup, err := query.ParseDedup(a.cfg.Dedup)
	if err != nil {
		return nil, err
	}
	engine := query.NewEngine(a.index, a.cfg.Embed.Dimension, dedup, a.cfg.Index.Timeout)
	engine.Logger = a.logger
	engine.Metrics = a.metrics
	return &query.ImageSearcher{Normalizer: a.normalizer, Embedder: a.embedder, Engine: engine}, nil
}

func runSearch(ctx context.Context, a *app, imagePath string, opts searchOptions, out io.Writer) ([]types.QueryResult, error) {
	raw, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return nil, err
	}
	searcher, err := a.imageSearcher()
	if err != nil {
		return nil, err
	}

	fmt.Fprintln(a.stderr, "🔍 Searching index...")
	results, err := searcher.SearchImage(ctx, raw, a.cfg.K)
	if err != nil {
		utils.ShowError("Search failed", err, nil)
		return nil, err
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "❌ No matches found in the index.")
		return results, nil
	}

	var report *materialize.Report
	if !opts.NoDownload {
		report = a.materialize(ctx, results, a.cfg.OutputDir, opts.Concurrency)
	}
	printResults(out, results, report)
	return results, nil
}

func (a *app) materialize(ctx context.Context, results []types.QueryResult, dir string, workers int) *materialize.Report {
	m := materialize.New(a.blobs, dir)
	m.Concurrency = workers
	m.Logger = a.logger
	m.Metrics = a.metrics
	return m.Materialize(ctx, results)
}

// printResults writes one row per result. Materialization failures are reported inline and
// never hide the remaining rows.
func printResults(w io.Writer, results []types.QueryResult, report *materialize.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "RANK\tKEY\tSCORE\tARTIFACT")
	fmt.Fprintln(tw, "----\t---\t-----\t--------")

	failed := 0
	for i, r := range results {
		artifact := "-"
		if report != nil {
			a := report.Artifacts[i]
			if a.Err != nil {
				artifact = "⚠️  " + a.Err.Error()
				failed++
			} else {
				artifact = a.Path
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%s\n", i+1, r.Key, r.Score, artifact)
	}
	tw.Flush()

	if failed > 0 {
		fmt.Fprintf(w, "\n%d of %d artifacts could not be fetched.\n", failed, len(results))
	}
}
