package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/glimpse/internal/normalize"
	"github.com/andresmejia3/glimpse/internal/regions"
	"github.com/andresmejia3/glimpse/internal/types"
	"github.com/andresmejia3/glimpse/internal/utils"
)

type extractOptions struct {
	Search      bool
	Concurrency int
}

var extractOpts extractOptions

var extractCmd = &cobra.Command{
	Use:   "extract <image_path>",
	Short: "Crop every detected object with the target label, optionally searching with each crop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		n := needDetector
		if extractOpts.Search {
			n |= needIndex | needEmbedder | needBlobs
		}
		a, err := newApp(cmd.Context(), &cfg, n)
		if err != nil {
			utils.ShowError("Failed to initialize clients", err, nil)
			return err
		}
		defer a.Close()

		_, err = runExtract(cmd.Context(), a, args[0], extractOpts, os.Stdout)
		return err
	},
}

func init() {
	addQueryFlags(extractCmd)
	extractCmd.Flags().StringVarP(&cfg.Extract.TargetLabel, "label", "l", cfg.Extract.TargetLabel, "Detection label to extract (exact match)")
	extractCmd.Flags().BoolVar(&cfg.Extract.FoldCase, "ignore-case", cfg.Extract.FoldCase, "Match the label case-insensitively")
	extractCmd.Flags().StringVar(&cfg.Detect.Backend, "detector", cfg.Detect.Backend, "Detection backend: rekognition or process")
	extractCmd.Flags().StringVar(&detectWorkerCmd, "detect-worker-cmd", strings.Join(cfg.Detect.WorkerCmd, " "), "Command that starts a local detection worker")
	extractCmd.Flags().IntVar(&cfg.Detect.MaxLabels, "max-labels", cfg.Detect.MaxLabels, "Maximum labels requested from the detector")
	extractCmd.Flags().Float64Var(&cfg.Detect.MinConfidence, "min-confidence", cfg.Detect.MinConfidence, "Minimum label confidence (0-100)")
	extractCmd.Flags().BoolVar(&extractOpts.Search, "search", false, "Run a similarity search with every extracted region")
	extractCmd.Flags().IntVar(&extractOpts.Concurrency, "download-workers", 4, "Parallel downloads when materializing results")
	rootCmd.AddCommand(extractCmd)
}

// runExtract detects objects, crops the regions matching the target label and saves them as
// <stem>_<label>_<seq>.jpg under the output directory.
func runExtract(ctx context.Context, a *app, imagePath string, opts extractOptions, out io.Writer) ([]types.ExtractedRegion, error) {
	raw, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return nil, err
	}
	img, err := normalize.Decode(raw)
	if err != nil {
		utils.ShowError("Failed to decode image", err, nil)
		return nil, err
	}
	// Detect on the normalized copy to stay under service payload limits; boxes are relative, so
	// they apply to the full-resolution image unchanged.
	encoded, err := a.normalizer.Encode(a.normalizer.Resize(img))
	if err != nil {
		return nil, err
	}

	fmt.Fprintln(a.stderr, "🔍 Detecting objects...")
	detections, err := a.detector.Detect(ctx, encoded)
	if err != nil {
		utils.ShowError("Object detection failed", err, nil)
		return nil, err
	}

	extractor := regions.Extractor{FoldCase: a.cfg.Extract.FoldCase}
	found, err := extractor.ExtractFrom(imagePath, img, detections, a.cfg.Extract.TargetLabel)
	if errors.Is(err, regions.ErrNoMatch) {
		fmt.Fprintf(out, "❌ No %q found in %s (%d labels detected).\n", a.cfg.Extract.TargetLabel, filepath.Base(imagePath), len(detections))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(a.cfg.OutputDir, 0755); err != nil {
		return nil, err
	}
	for _, r := range found {
		path := filepath.Join(a.cfg.OutputDir, regions.FileName(r))
		if err := saveRegion(a.normalizer, path, r); err != nil {
			utils.ShowError("Failed to save region", err, nil)
			return found, err
		}
		fmt.Fprintf(out, "✂️  Region %d %s → %s\n", r.Sequence, r.PixelBox, path)
	}

	if !opts.Search {
		return found, nil
	}

	searcher, err := a.imageSearcher()
	if err != nil {
		return found, err
	}
	for _, r := range found {
		crop, err := a.normalizer.Encode(r.Image)
		if err != nil {
			return found, err
		}
		results, err := searcher.SearchImage(ctx, crop, a.cfg.K)
		if err != nil {
			utils.ShowError(fmt.Sprintf("Search for region %d failed", r.Sequence), err, nil)
			return found, err
		}

		fmt.Fprintf(out, "\n🔎 Matches for region %d:\n", r.Sequence)
		if len(results) == 0 {
			fmt.Fprintln(out, "❌ No matches found in the index.")
			continue
		}
		dir := filepath.Join(a.cfg.OutputDir, strings.TrimSuffix(regions.FileName(r), ".jpg"))
		printResults(out, results, a.materialize(ctx, results, dir, opts.Concurrency))
	}
	return found, nil
}

func saveRegion(n *normalize.Normalizer, path string, r types.ExtractedRegion) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := n.EncodeTo(f, r.Image); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
