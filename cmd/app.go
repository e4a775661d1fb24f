package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/andresmejia3/glimpse/internal/blob"
	"github.com/andresmejia3/glimpse/internal/config"
	"github.com/andresmejia3/glimpse/internal/detect"
	"github.com/andresmejia3/glimpse/internal/embedding"
	"github.com/andresmejia3/glimpse/internal/metrics"
	"github.com/andresmejia3/glimpse/internal/normalize"
	"github.com/andresmejia3/glimpse/internal/store"
	"github.com/andresmejia3/glimpse/internal/utils"
	"github.com/andresmejia3/glimpse/internal/worker"
)

// needs selects which clients a command builds.
type needs uint8

const (
	needIndex needs = 1 << iota
	needBlobs
	needEmbedder
	needDetector
)

// app holds the clients for one command invocation. Nothing here outlives the command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	stderr     io.Writer
	normalizer *normalize.Normalizer

	index    store.Index
	blobs    blob.Store
	embedder embedding.Embedder
	detector detect.Detector

	closers []func() error
}

// newApp builds the clients a command asked for from the resolved configuration.
func newApp(ctx context.Context, c *config.Config, n needs) (*app, error) {
	a := &app{
		cfg:        c,
		logger:     logger,
		metrics:    reg,
		stderr:     os.Stderr,
		normalizer: normalize.New(c.Resize.MaxWidth, c.Resize.MaxHeight, c.Resize.JPEGQuality),
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	if n&needIndex != 0 {
		idx, err := store.Open(ctx, c, awsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s index: %w", c.Index.Backend, err)
		}
		a.index = idx
		a.closers = append(a.closers, idx.Close)
	}

	if n&needBlobs != 0 {
		if a.blobs, err = blob.Open(c, awsCfg); err != nil {
			a.Close()
			return nil, err
		}
	}

	if n&needEmbedder != 0 {
		if a.embedder, err = a.buildEmbedder(awsCfg); err != nil {
			a.Close()
			return nil, err
		}
	}

	if n&needDetector != 0 {
		if a.detector, err = a.buildDetector(awsCfg); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) buildEmbedder(awsCfg aws.Config) (embedding.Embedder, error) {
	c := a.cfg.Embed

	var transport embedding.Transport
	opts := []embedding.Option{
		embedding.WithTimeout(c.Timeout),
		embedding.WithLogger(a.logger),
		embedding.WithMetrics(a.metrics),
	}
	switch c.Transport {
	case config.EmbedBedrock:
		transport = embedding.NewBedrockTransportFromConfig(awsCfg, c.ModelID)
		opts = append(opts, embedding.WithOutputLength())
	case config.EmbedHTTP:
		transport = embedding.NewHTTPTransport(c.Endpoint, nil)
	case config.EmbedProcess:
		p, err := a.startWorker(0, c.WorkerCmd)
		if err != nil {
			return nil, err
		}
		transport = p
	default:
		return nil, fmt.Errorf("unknown embedding transport %q", c.Transport)
	}

	gw := embedding.NewGateway(transport, c.Dimension, opts...)
	return embedding.NewRetrying(gw, c.Retries, c.RateLimit, a.logger), nil
}

func (a *app) buildDetector(awsCfg aws.Config) (detect.Detector, error) {
	c := a.cfg.Detect
	switch c.Backend {
	case config.DetectRekognition:
		return detect.NewRekognitionFromConfig(awsCfg, c.MaxLabels, c.MinConfidence, c.Timeout), nil
	case config.DetectProcess:
		p, err := a.startWorker(1, c.WorkerCmd)
		if err != nil {
			return nil, err
		}
		return detect.NewProcess(p, c.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown detection backend %q", c.Backend)
	}
}

func (a *app) startWorker(id int, argv []string) (*worker.Process, error) {
	p, err := worker.Start(id, argv)
	if err != nil {
		return nil, fmt.Errorf("model worker startup failed: %w", err)
	}
	a.closers = append(a.closers, func() error {
		if err := p.Close(); err != nil {
			// DRAIN: the process is gone, surface whatever it printed before exiting
			utils.ShowError("Model worker exited with an error", err, p.Cmd)
			return err
		}
		return nil
	})
	return p, nil
}

// Close releases every client in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
