// Package config holds the runtime configuration shared by every glimpse command.
//
// Values are resolved in order: built-in defaults, an optional .env file, GLIMPSE_* environment
// variables, then command-line flags bound by the cmd package.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Index backends.
const (
	BackendPgVector   = "pgvector"
	BackendOpenSearch = "opensearch"
	BackendSQLite     = "sqlite"
	BackendMemory     = "memory"
)

// Blob backends.
const (
	BlobS3    = "s3"
	BlobMinIO = "minio"
	BlobLocal = "local"
)

// Embedding transports.
const (
	EmbedBedrock = "bedrock"
	EmbedHTTP    = "http"
	EmbedProcess = "process"
)

// Detection backends.
const (
	DetectRekognition = "rekognition"
	DetectProcess     = "process"
)

// Dedup policies.
const (
	DedupKey   = "key"
	DedupScore = "score"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full option surface.
type Config struct {
	Region string

	Blob    BlobConfig
	Embed   EmbedConfig
	Detect  DetectConfig
	Index   IndexConfig
	Resize  ResizeConfig
	Extract ExtractConfig

	K           int
	Dedup       string
	Workers     int
	OutputDir   string
	MetricsAddr string
}

type BlobConfig struct {
	Backend   string
	Bucket    string
	Prefix    string
	Endpoint  string // MinIO host:port
	AccessKey string
	SecretKey string
	UseSSL    bool
	Root      string // local backend root directory
}

type EmbedConfig struct {
	Transport string
	ModelID   string
	Endpoint  string // HTTP transport URL
	WorkerCmd []string
	Dimension int
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 = unlimited
	Retries   int
}

type DetectConfig struct {
	Backend       string
	WorkerCmd     []string
	MaxLabels     int
	MinConfidence float64
	Timeout       time.Duration
}

type IndexConfig struct {
	Backend      string
	Name         string
	VectorField  string
	MappingField string
	Host         string // OpenSearch endpoint
	Service      string // SigV4 service name: "es" or "aoss"; empty disables signing
	PostgresURL  string
	SQLitePath   string
	Timeout      time.Duration
}

type ResizeConfig struct {
	MaxWidth    int
	MaxHeight   int
	JPEGQuality int
}

type ExtractConfig struct {
	TargetLabel string
	FoldCase    bool
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Region: "us-east-1",
		Blob: BlobConfig{
			Backend: BlobLocal,
			Root:    "./images",
			UseSSL:  true,
		},
		Embed: EmbedConfig{
			Transport: EmbedBedrock,
			ModelID:   "amazon.titan-embed-image-v1",
			Dimension: 1024,
			Timeout:   30 * time.Second,
			Retries:   4,
		},
		Detect: DetectConfig{
			Backend:       DetectRekognition,
			MaxLabels:     10,
			MinConfidence: 70,
			Timeout:       30 * time.Second,
		},
		Index: IndexConfig{
			Backend:      BackendPgVector,
			Name:         "image-embeddings",
			VectorField:  "vector_field",
			MappingField: "image_key",
			SQLitePath:   "glimpse.db",
			Timeout:      30 * time.Second,
		},
		Resize: ResizeConfig{
			MaxWidth:    1024,
			MaxHeight:   1024,
			JPEGQuality: 90,
		},
		Extract: ExtractConfig{
			TargetLabel: "Shoe",
		},
		K:         5,
		Dedup:     DedupKey,
		Workers:   4,
		OutputDir: "./results",
	}
}

// Load returns the defaults overlaid with .env and GLIMPSE_* environment variables.
func Load() (Config, error) {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	fields := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.Fields(v)
		}
	}
	var err error
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = errors.Join(err, fmt.Errorf("%s: %w", name, perr))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = errors.Join(err, fmt.Errorf("%s: %w", name, perr))
				return
			}
			*dst = d
		}
	}

	// The app-specific variable wins over the generic AWS one.
	str("AWS_REGION", &c.Region)
	str("GLIMPSE_REGION", &c.Region)

	str("GLIMPSE_BLOB_BACKEND", &c.Blob.Backend)
	str("GLIMPSE_BUCKET", &c.Blob.Bucket)
	str("GLIMPSE_BLOB_PREFIX", &c.Blob.Prefix)
	str("GLIMPSE_BLOB_ENDPOINT", &c.Blob.Endpoint)
	str("GLIMPSE_BLOB_ACCESS_KEY", &c.Blob.AccessKey)
	str("GLIMPSE_BLOB_SECRET_KEY", &c.Blob.SecretKey)
	str("GLIMPSE_BLOB_ROOT", &c.Blob.Root)

	str("GLIMPSE_EMBED_TRANSPORT", &c.Embed.Transport)
	str("GLIMPSE_MODEL_ID", &c.Embed.ModelID)
	str("GLIMPSE_EMBED_ENDPOINT", &c.Embed.Endpoint)
	num("GLIMPSE_DIMENSION", &c.Embed.Dimension)
	dur("GLIMPSE_EMBED_TIMEOUT", &c.Embed.Timeout)
	num("GLIMPSE_EMBED_RETRIES", &c.Embed.Retries)
	if v, ok := lookup("GLIMPSE_EMBED_RATE"); ok && v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = errors.Join(err, fmt.Errorf("GLIMPSE_EMBED_RATE: %w", perr))
		} else {
			c.Embed.RateLimit = f
		}
	}

	fields("GLIMPSE_WORKER_CMD", &c.Embed.WorkerCmd)
	str("GLIMPSE_DETECT_BACKEND", &c.Detect.Backend)
	fields("GLIMPSE_DETECT_WORKER_CMD", &c.Detect.WorkerCmd)

	str("GLIMPSE_INDEX_BACKEND", &c.Index.Backend)
	str("GLIMPSE_INDEX_NAME", &c.Index.Name)
	str("GLIMPSE_VECTOR_FIELD", &c.Index.VectorField)
	str("GLIMPSE_MAPPING_FIELD", &c.Index.MappingField)
	str("GLIMPSE_HOST", &c.Index.Host)
	str("GLIMPSE_INDEX_SERVICE", &c.Index.Service)
	str("GLIMPSE_SQLITE_PATH", &c.Index.SQLitePath)
	str("DATABASE_URL", &c.Index.PostgresURL)

	num("GLIMPSE_MAX_WIDTH", &c.Resize.MaxWidth)
	num("GLIMPSE_MAX_HEIGHT", &c.Resize.MaxHeight)
	str("GLIMPSE_TARGET_LABEL", &c.Extract.TargetLabel)
	num("GLIMPSE_K", &c.K)
	str("GLIMPSE_DEDUP", &c.Dedup)
	num("GLIMPSE_WORKERS", &c.Workers)
	str("GLIMPSE_OUTPUT_DIR", &c.OutputDir)
	str("GLIMPSE_METRICS_ADDR", &c.MetricsAddr)

	return err
}

// PostgresDSN resolves the connection string, falling back to POSTGRES_* variables and finally
// to a local default.
func (c *Config) PostgresDSN() string {
	if c.Index.PostgresURL != "" {
		return c.Index.PostgresURL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(user, pass),
			Host:   net.JoinHostPort(host, port),
			Path:   "/" + name,
		}
		return u.String()
	}
	return "postgres://localhost:5432/glimpse"
}

// Validate checks option ranges and enumerations. Workers below 1 are coerced to 1.
func (c *Config) Validate() error {
	var errs []error
	if c.Embed.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("dimension must be positive, got %d", c.Embed.Dimension))
	}
	if c.Resize.MaxWidth <= 0 || c.Resize.MaxHeight <= 0 {
		errs = append(errs, fmt.Errorf("max resize must be positive, got %dx%d", c.Resize.MaxWidth, c.Resize.MaxHeight))
	}
	if c.Resize.JPEGQuality < 1 || c.Resize.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be in [1,100], got %d", c.Resize.JPEGQuality))
	}
	if c.K < 0 {
		errs = append(errs, fmt.Errorf("k must not be negative, got %d", c.K))
	}
	switch c.Dedup {
	case DedupKey, DedupScore:
	default:
		errs = append(errs, fmt.Errorf("unknown dedup policy %q", c.Dedup))
	}
	switch c.Index.Backend {
	case BackendPgVector, BackendOpenSearch, BackendSQLite, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown index backend %q", c.Index.Backend))
	}
	if c.Index.Backend == BackendOpenSearch && c.Index.Host == "" {
		errs = append(errs, errors.New("opensearch backend requires a host endpoint"))
	}
	switch c.Blob.Backend {
	case BlobS3, BlobMinIO:
		if c.Blob.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s blob backend requires a bucket", c.Blob.Backend))
		}
	case BlobLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}
	switch c.Embed.Transport {
	case EmbedBedrock:
	case EmbedHTTP:
		if c.Embed.Endpoint == "" {
			errs = append(errs, errors.New("http embedding transport requires an endpoint"))
		}
	case EmbedProcess:
		if len(c.Embed.WorkerCmd) == 0 {
			errs = append(errs, errors.New("process embedding transport requires a worker command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedding transport %q", c.Embed.Transport))
	}
	switch c.Detect.Backend {
	case DetectRekognition:
	case DetectProcess:
		if len(c.Detect.WorkerCmd) == 0 {
			errs = append(errs, errors.New("process detection backend requires a worker command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown detection backend %q", c.Detect.Backend))
	}
	if c.Embed.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %f", c.Embed.RateLimit))
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
