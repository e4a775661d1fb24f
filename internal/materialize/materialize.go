// Package materialize resolves query results to local files.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/glimpse/internal/metrics"
	"github.com/andresmejia3/glimpse/internal/types"
	"github.com/andresmejia3/glimpse/internal/utils"
)

// ErrArtifactFetch wraps every per-result failure.
var ErrArtifactFetch = errors.New("artifact fetch failed")

// Downloader copies one stored object to a local path. blob.Store satisfies it.
type Downloader interface {
	Download(ctx context.Context, key, localPath string) error
}

// Artifact is one materialized result. Err is set when the fetch failed; Path is empty then.
type Artifact struct {
	Rank  int // 1-based position in the result list
	Key   string
	Score float64
	Path  string
	Err   error
}

// Report holds artifacts in the same order as the results they came from.
type Report struct {
	Artifacts []Artifact
}

func (r *Report) Failed() []Artifact {
	var out []Artifact
	for _, a := range r.Artifacts {
		if a.Err != nil {
			out = append(out, a)
		}
	}
	return out
}

func (r *Report) Succeeded() int {
	return len(r.Artifacts) - len(r.Failed())
}

// Materializer downloads result keys under OutDir.
type Materializer struct {
	blobs  Downloader
	outDir string
	// Concurrency bounds parallel downloads. Output order never depends on it.
	Concurrency int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func New(blobs Downloader, outDir string) *Materializer {
	return &Materializer{
		blobs:       blobs,
		outDir:      outDir,
		Concurrency: 1,
		Logger:      slog.New(slog.DiscardHandler),
	}
}

// Materialize fetches every result. A failed item is recorded and never stops the rest; only
// cancellation of ctx aborts, in which case unfetched items carry the context error.
func (m *Materializer) Materialize(ctx context.Context, results []types.QueryResult) *Report {
	report := &Report{Artifacts: make([]Artifact, len(results))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.Concurrency, 1))

	for i, res := range results {
		report.Artifacts[i] = Artifact{Rank: i + 1, Key: res.Key, Score: res.Score}
		g.Go(func() error {
			a := &report.Artifacts[i]
			path, err := m.fetch(gctx, res.Key)
			if err != nil {
				a.Err = fmt.Errorf("%w: %s: %w", ErrArtifactFetch, res.Key, err)
				m.Metrics.MaterializeItem(metrics.OutcomeFailure)
				m.Logger.Warn("materialize failed", "key", res.Key, "error", err)
				return nil
			}
			a.Path = path
			m.Metrics.MaterializeItem(metrics.OutcomeSuccess)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (m *Materializer) fetch(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := utils.SafeJoin(m.outDir, key)
	if err != nil {
		return "", err
	}
	if err := m.blobs.Download(ctx, key, path); err != nil {
		return "", err
	}
	return path, nil
}
