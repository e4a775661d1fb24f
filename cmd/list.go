package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/glimpse/internal/blob"
	"github.com/andresmejia3/glimpse/internal/utils"
)

var listPrefix string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List source images and the number of indexed records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		a, err := newApp(cmd.Context(), &cfg, needIndex|needBlobs)
		if err != nil {
			utils.ShowError("Failed to initialize clients", err, nil)
			return err
		}
		defer a.Close()
		return runList(cmd.Context(), a, listPrefix, os.Stdout)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listPrefix, "prefix", "p", "", "Only list keys under this prefix")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, a *app, prefix string, out io.Writer) error {
	keys, err := a.blobs.List(ctx, prefix)
	if err != nil {
		utils.ShowError("Failed to list images", err, nil)
		return err
	}
	keys = blob.Images(keys)

	count, err := a.index.Count(ctx)
	if err != nil {
		utils.ShowError("Failed to count index records", err, nil)
		return err
	}

	if len(keys) == 0 {
		fmt.Fprintln(out, "No images found in blob storage.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tKEY")
		fmt.Fprintln(w, "-\t---")
		for i, k := range keys {
			fmt.Fprintf(w, "%d\t%s\n", i+1, k)
		}
		w.Flush()
	}

	fmt.Fprintf(out, "\n%d images in storage, %d records in the %s index.\n", len(keys), count, a.cfg.Index.Backend)
	return nil
}
