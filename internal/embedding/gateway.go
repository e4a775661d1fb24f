// Package embedding maps encoded images to fixed-length vectors through a remote model.
package embedding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/glimpse/internal/metrics"
	"github.com/andresmejia3/glimpse/internal/types"
)

// Transport carries one JSON request to the model and returns the raw JSON response.
type Transport interface {
	Invoke(ctx context.Context, body []byte) ([]byte, error)
}

// Embedder is anything that turns encoded image bytes into a vector.
type Embedder interface {
	Embed(ctx context.Context, encoded []byte) ([]float32, error)
}

// Gateway validates input, calls the transport and checks the response shape.
type Gateway struct {
	transport    Transport
	dimension    int
	timeout      time.Duration
	outputLength bool
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

type Option func(*Gateway)

// WithTimeout bounds every transport call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithOutputLength sends the configured dimension as embeddingConfig.outputEmbeddingLength.
func WithOutputLength() Option {
	return func(g *Gateway) { g.outputLength = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway expecting vectors of exactly dimension components.
func NewGateway(t Transport, dimension int, opts ...Option) *Gateway {
	g := &Gateway{
		transport: t,
		dimension: dimension,
		timeout:   30 * time.Second,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dimension is the fixed vector length D.
func (g *Gateway) Dimension() int { return g.dimension }

// Embed returns the embedding of encoded image bytes.
func (g *Gateway) Embed(ctx context.Context, encoded []byte) ([]float32, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("%w: image bytes are empty", ErrInvalidInput)
	}

	req := types.EmbeddingRequest{InputImage: base64.StdEncoding.EncodeToString(encoded)}
	if g.outputLength {
		req.EmbeddingConfig = &types.EmbeddingConfig{OutputEmbeddingLength: g.dimension}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := g.transport.Invoke(callCtx, body)
	g.metrics.ObserveEmbed(time.Since(start))
	if err != nil {
		g.logger.DebugContext(ctx, "embedding call failed", "bytes", len(encoded), "error", err)
		return nil, err
	}

	return g.parse(raw)
}

func (g *Gateway) parse(raw []byte) ([]float32, error) {
	var resp types.EmbeddingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ServiceError{Message: "malformed response payload", cause: err}
	}
	if resp.Message != "" {
		return nil, &ServiceError{Message: resp.Message}
	}
	if len(resp.Embedding) == 0 {
		return nil, &ServiceError{Message: "response carried no embedding"}
	}
	if len(resp.Embedding) != g.dimension {
		return nil, &DimensionError{Expected: g.dimension, Actual: len(resp.Embedding)}
	}
	return resp.Embedding, nil
}
