// Package store holds the vector index backends: every backend upserts by document id and
// answers KNN queries with hits ranked best-first.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/andresmejia3/glimpse/internal/config"
	"github.com/andresmejia3/glimpse/internal/types"
)

var (
	ErrDimension = errors.New("vector dimension does not match index")
	ErrBackend   = errors.New("index backend error")
)

// Hit is one ranked match returned by a backend.
type Hit struct {
	ID    string
	Score float64
	Key   string
}

// Index is the vector index service boundary.
type Index interface {
	Upsert(ctx context.Context, id string, rec types.ImageRecord) error
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, id string) error
	// Reset removes every record. The index stays usable afterwards.
	Reset(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.Index.Backend. awsCfg is only used to sign OpenSearch
// requests.
func Open(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (Index, error) {
	dim := cfg.Embed.Dimension
	switch cfg.Index.Backend {
	case config.BackendPgVector:
		return NewPgVector(ctx, cfg.PostgresDSN(), dim)
	case config.BackendOpenSearch:
		return NewOpenSearch(ctx, OpenSearchOptions{
			Endpoint:     cfg.Index.Host,
			Index:        cfg.Index.Name,
			VectorField:  cfg.Index.VectorField,
			MappingField: cfg.Index.MappingField,
			Dimension:    dim,
			Timeout:      cfg.Index.Timeout,
			Service:      cfg.Index.Service,
			AWS:          awsCfg,
		})
	case config.BackendSQLite:
		return NewSQLite(ctx, cfg.Index.SQLitePath, dim)
	case config.BackendMemory:
		return NewMemory(dim), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

func checkDim(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimension, dim, len(vec))
	}
	return nil
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// cosine returns the cosine similarity of a and b, or 0 when either is the zero vector.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rankTopK sorts hits by descending score (ties by id) and keeps the first k.
func rankTopK(hits []Hit, k int) []Hit {
	slices.SortStableFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}
