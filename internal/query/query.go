// Package query runs KNN searches against the vector index and deduplicates the ranked hits.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/andresmejia3/glimpse/internal/embedding"
	"github.com/andresmejia3/glimpse/internal/metrics"
	"github.com/andresmejia3/glimpse/internal/store"
	"github.com/andresmejia3/glimpse/internal/types"
)

// Dedup selects which hits count as repeats.
type Dedup int

const (
	// DedupByKey drops a hit whose image key was already emitted.
	DedupByKey Dedup = iota
	// DedupByScore drops a hit whose score was already emitted. Two distinct images with
	// identical scores collapse into one.
	DedupByScore
)

// ParseDedup maps "key" and "score" to a policy.
func ParseDedup(s string) (Dedup, error) {
	switch s {
	case "key", "":
		return DedupByKey, nil
	case "score":
		return DedupByScore, nil
	}
	return 0, fmt.Errorf("unknown dedup policy %q", s)
}

func (d Dedup) String() string {
	if d == DedupByScore {
		return "score"
	}
	return "key"
}

// ErrInvalidK is returned for a negative result count.
var ErrInvalidK = errors.New("k must not be negative")

// QueryError is returned for a malformed query or a failed index call.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string { return fmt.Sprintf("query %s: %v", e.Op, e.Err) }

func (e *QueryError) Unwrap() error { return e.Err }

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(ctx context.Context, vec []float32, k int) ([]store.Hit, error)
}

// Engine issues KNN queries. It holds no per-query state, so concurrent Search calls are independent.
type Engine struct {
	index     Searcher
	dimension int
	dedup     Dedup
	timeout   time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewEngine(index Searcher, dimension int, dedup Dedup, timeout time.Duration) *Engine {
	return &Engine{
		index:     index,
		dimension: dimension,
		dedup:     dedup,
		timeout:   timeout,
		Logger:    slog.New(slog.DiscardHandler),
	}
}

// Search returns at most k results in the order the index ranked them, with repeats removed.
// k == 0 returns an empty result without touching the index.
func (e *Engine) Search(ctx context.Context, vec []float32, k int) ([]types.QueryResult, error) {
	if k < 0 {
		return nil, &QueryError{Op: "validate", Err: fmt.Errorf("%w, got %d", ErrInvalidK, k)}
	}
	if len(vec) != e.dimension {
		return nil, &QueryError{Op: "validate", Err: &embedding.DimensionError{Expected: e.dimension, Actual: len(vec)}}
	}
	if k == 0 {
		return []types.QueryResult{}, nil
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	hits, err := e.index.Search(ctx, vec, k)
	if err != nil {
		return nil, &QueryError{Op: "search", Err: err}
	}

	results := newSession(e.dedup, k).collect(hits)
	e.Metrics.ObserveSearch(time.Since(start), len(results))
	e.Logger.Debug("knn search", "k", k, "hits", len(hits), "results", len(results), "dedup", e.dedup.String())
	return results, nil
}

// Dedupe applies policy to raw hits without querying, keeping at most k.
func Dedupe(hits []store.Hit, policy Dedup, k int) []types.QueryResult {
	return newSession(policy, k).collect(hits)
}

// session is the per-call state: what has been emitted so far.
type session struct {
	policy Dedup
	k      int
	keys   map[string]struct{}
	scores map[uint64]struct{}
}

func newSession(policy Dedup, k int) *session {
	return &session{
		policy: policy,
		k:      k,
		keys:   make(map[string]struct{}),
		scores: make(map[uint64]struct{}),
	}
}

func (s *session) collect(hits []store.Hit) []types.QueryResult {
	results := make([]types.QueryResult, 0, min(len(hits), s.k))
	for _, h := range hits {
		if len(results) == s.k {
			break
		}
		if s.seen(h) {
			continue
		}
		results = append(results, types.QueryResult{Key: h.Key, Score: h.Score, DocID: h.ID})
	}
	return results
}

func (s *session) seen(h store.Hit) bool {
	switch s.policy {
	case DedupByScore:
		// Exact bit equality; -0 and +0 are the same score.
		bits := math.Float64bits(h.Score + 0)
		if _, ok := s.scores[bits]; ok {
			return true
		}
		s.scores[bits] = struct{}{}
	default:
		if _, ok := s.keys[h.Key]; ok {
			return true
		}
		s.keys[h.Key] = struct{}{}
	}
	return false
}

// Normalizer prepares raw bytes for embedding.
type Normalizer interface {
	Normalize(raw []byte) ([]byte, error)
}

// ImageSearcher embeds a query image and searches with the resulting vector.
type ImageSearcher struct {
	Normalizer Normalizer
	Embedder   embedding.Embedder
	Engine     *Engine
}

// SearchImage runs normalize, embed and Search on raw image bytes.
func (s *ImageSearcher) SearchImage(ctx context.Context, raw []byte, k int) ([]types.QueryResult, error) {
	encoded, err := s.Normalizer.Normalize(raw)
	if err != nil {
		return nil, err
	}
	vec, err := s.Embedder.Embed(ctx, encoded)
	if err != nil {
		return nil, fmt.Errorf("embed query image: %w", err)
	}
	return s.Engine.Search(ctx, vec, k)
}
