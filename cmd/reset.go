package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/glimpse/internal/utils"
)

var (
	resetIndex bool
	resetFiles bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (vector index, downloaded results)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		// If no flags are set, default to clearing EVERYTHING
		if !resetIndex && !resetFiles {
			resetIndex = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetIndex {
			if resetYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to DROP every record in the %s index?", cfg.Index.Backend)) {
				a, err := newApp(cmd.Context(), &cfg, needIndex)
				if err != nil {
					utils.ShowError("Failed to open index", err, nil)
					return err
				}
				defer a.Close()

				fmt.Println("🗑️  Clearing Index...")
				if err := a.index.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset index", err, nil)
					return err
				}
			}
		}

		if resetFiles {
			if resetYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete everything in %s?", cfg.OutputDir)) {
				fmt.Println("🗑️  Clearing Output Files...")
				removeDir(cfg.OutputDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetIndex, "records", false, "Clear the vector index records")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear downloaded results and extracted regions")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().StringVarP(&cfg.OutputDir, "out", "o", cfg.OutputDir, "Output directory to clear")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
