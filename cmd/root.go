package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/glimpse/internal/config"
	"github.com/andresmejia3/glimpse/internal/metrics"
	"github.com/andresmejia3/glimpse/internal/utils"
)

var (
	// cfg starts from defaults, .env and GLIMPSE_* variables; flags are bound on top of it.
	cfg, loadErr = config.Load()

	workerCmd       string
	detectWorkerCmd string
	verbose         bool

	logger *slog.Logger
	reg    *metrics.Metrics
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "glimpse",
	Short:   "Image similarity search with labeled region extraction",
	Version: Version, // This enables the --version flag
	// Execute prints the error once; commands have already shown the details box.
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if loadErr != nil {
			return fmt.Errorf("failed to load configuration: %w", loadErr)
		}
		if cmd.Flags().Changed("worker-cmd") {
			cfg.Embed.WorkerCmd = strings.Fields(workerCmd)
		}
		if cmd.Flags().Changed("detect-worker-cmd") {
			cfg.Detect.WorkerCmd = strings.Fields(detectWorkerCmd)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		reg = metrics.New()
		if cfg.MetricsAddr != "" {
			go func() {
				if err := reg.Serve(cmd.Context(), cfg.MetricsAddr); err != nil {
					utils.ShowError("Metrics server failed", err, nil)
				}
			}()
		}
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	f.StringVar(&cfg.Region, "region", cfg.Region, "AWS region for Bedrock, Rekognition, S3 and request signing")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address (e.g. :9090)")

	// Blob storage
	f.StringVar(&cfg.Blob.Backend, "blob", cfg.Blob.Backend, "Blob backend: s3, minio or local")
	f.StringVar(&cfg.Blob.Bucket, "bucket", cfg.Blob.Bucket, "Bucket holding the source images")
	f.StringVar(&cfg.Blob.Prefix, "blob-prefix", cfg.Blob.Prefix, "Key prefix prepended to every blob key")
	f.StringVar(&cfg.Blob.Endpoint, "blob-endpoint", cfg.Blob.Endpoint, "MinIO endpoint (host:port)")
	f.StringVar(&cfg.Blob.Root, "blob-root", cfg.Blob.Root, "Root directory for the local blob backend")

	// Embedding
	f.StringVar(&cfg.Embed.Transport, "embed", cfg.Embed.Transport, "Embedding transport: bedrock, http or process")
	f.StringVar(&cfg.Embed.ModelID, "model-id", cfg.Embed.ModelID, "Bedrock embedding model identifier")
	f.StringVar(&cfg.Embed.Endpoint, "embed-endpoint", cfg.Embed.Endpoint, "URL of a self-hosted embedding service")
	f.StringVar(&workerCmd, "worker-cmd", strings.Join(cfg.Embed.WorkerCmd, " "), "Command that starts a local embedding worker")
	f.IntVar(&cfg.Embed.Dimension, "dimension", cfg.Embed.Dimension, "Embedding dimension D of the configured model")
	f.DurationVar(&cfg.Embed.Timeout, "embed-timeout", cfg.Embed.Timeout, "Timeout for a single embedding call")
	f.Float64Var(&cfg.Embed.RateLimit, "embed-rate", cfg.Embed.RateLimit, "Maximum embedding requests per second (0 = unlimited)")
	f.IntVar(&cfg.Embed.Retries, "retries", cfg.Embed.Retries, "Attempts per embedding call on transient errors")

	// Normalization
	f.IntVar(&cfg.Resize.MaxWidth, "max-width", cfg.Resize.MaxWidth, "Maximum image width before embedding")
	f.IntVar(&cfg.Resize.MaxHeight, "max-height", cfg.Resize.MaxHeight, "Maximum image height before embedding")
	f.IntVar(&cfg.Resize.JPEGQuality, "jpeg-quality", cfg.Resize.JPEGQuality, "JPEG quality of normalized images")

	// Vector index
	f.StringVar(&cfg.Index.Backend, "index", cfg.Index.Backend, "Index backend: pgvector, opensearch, sqlite or memory")
	f.StringVar(&cfg.Index.Name, "index-name", cfg.Index.Name, "OpenSearch index name")
	f.StringVar(&cfg.Index.VectorField, "vector-field", cfg.Index.VectorField, "Document field holding the vector")
	f.StringVar(&cfg.Index.MappingField, "mapping-field", cfg.Index.MappingField, "Document field holding the image key")
	f.StringVar(&cfg.Index.Host, "host", cfg.Index.Host, "OpenSearch endpoint")
	f.StringVar(&cfg.Index.Service, "sign-service", cfg.Index.Service, "SigV4 service for OpenSearch requests (es or aoss); empty disables signing")
	f.StringVar(&cfg.Index.PostgresURL, "db", cfg.Index.PostgresURL, "PostgreSQL connection string (default: POSTGRES_* env or postgres://localhost:5432/glimpse)")
	f.StringVar(&cfg.Index.SQLitePath, "sqlite", cfg.Index.SQLitePath, "SQLite database file for the sqlite backend")
	f.DurationVar(&cfg.Index.Timeout, "index-timeout", cfg.Index.Timeout, "Timeout for a single index request")
}
