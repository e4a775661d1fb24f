// Package ingest drives normalization and embedding over a collection of images and writes the
// resulting records to the vector index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/glimpse/internal/blob"
	"github.com/andresmejia3/glimpse/internal/embedding"
	"github.com/andresmejia3/glimpse/internal/metrics"
	"github.com/andresmejia3/glimpse/internal/types"
	"github.com/andresmejia3/glimpse/internal/utils"
)

// Failure stages.
const (
	StageFetch     = "fetch"
	StageNormalize = "normalize"
	StageEmbed     = "embed"
	StageIndex     = "index"
)

// Item is one image to ingest. Data is used when set, otherwise Fetch is called lazily by the
// worker that picks the item up.
type Item struct {
	Key   string
	Data  []byte
	Fetch func(ctx context.Context) ([]byte, error)
}

func (it Item) bytes(ctx context.Context) ([]byte, error) {
	if it.Data != nil || it.Fetch == nil {
		return it.Data, nil
	}
	return it.Fetch(ctx)
}

// Normalizer prepares raw bytes for embedding.
type Normalizer interface {
	Normalize(raw []byte) ([]byte, error)
}

// Writer is the part of the index the ingestor writes to.
type Writer interface {
	Upsert(ctx context.Context, id string, rec types.ImageRecord) error
}

// Ingestor runs a bounded worker pool over a batch of items.
type Ingestor struct {
	normalizer Normalizer
	embedder   embedding.Embedder
	index      Writer
	workers    int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Progress is called from a single goroutine after each item completes.
	Progress func(done, total int)
}

func New(n Normalizer, e embedding.Embedder, idx Writer, workers int) *Ingestor {
	if workers < 1 {
		workers = 1
	}
	return &Ingestor{
		normalizer: n,
		embedder:   e,
		index:      idx,
		workers:    workers,
		Logger:     slog.New(slog.DiscardHandler),
	}
}

// outcome wraps the output from a worker to be sent to the aggregator
type outcome struct {
	key     string
	err     error
	stage   string
	skipped bool
}

// Ingest processes items and returns the aggregate report. Per-item failures never abort the run;
// they are recorded in the report. If ctx is cancelled, no further items are started, the report
// is still returned and the error is ctx.Err().
func (in *Ingestor) Ingest(ctx context.Context, items []Item) (*Report, error) {
	start := time.Now()
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: start.UTC(),
		Total:     len(items),
	}

	taskChan := make(chan Item, in.workers)
	resultsChan := make(chan outcome, in.workers*2)
	var wg sync.WaitGroup

	// Must run concurrently to prevent deadlock on resultsChan
	aggDone := make(chan struct{})
	go func() {
		in.aggregate(resultsChan, report)
		close(aggDone)
	}()

	for i := 0; i < in.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range taskChan {
				resultsChan <- in.process(ctx, it)
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, it := range items {
		select {
		case <-ctx.Done():
			break dispatch
		case taskChan <- it:
			dispatched++
		}
	}
	close(taskChan)
	wg.Wait()

	for _, it := range items[dispatched:] {
		resultsChan <- outcome{key: it.Key, skipped: true}
	}
	close(resultsChan)

	// Wait for aggregator to finish processing
	<-aggDone

	report.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		report.Canceled = true
		in.Logger.Warn("ingestion cancelled", "run", report.RunID, "skipped", report.Skipped)
		return report, err
	}
	in.Logger.Info("ingestion finished",
		"run", report.RunID,
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return report, nil
}

// process runs one item through fetch, normalize, embed and index. Cancellation is only honoured
// between stages; the index write is a single idempotent upsert.
func (in *Ingestor) process(ctx context.Context, it Item) outcome {
	res := outcome{key: it.Key}
	fail := func(stage string, err error) outcome {
		if errors.Is(err, context.Canceled) {
			res.skipped = true
			return res
		}
		res.stage, res.err = stage, err
		return res
	}

	if ctx.Err() != nil {
		res.skipped = true
		return res
	}

	raw, err := it.bytes(ctx)
	if err != nil {
		return fail(StageFetch, err)
	}
	encoded, err := in.normalizer.Normalize(raw)
	if err != nil {
		return fail(StageNormalize, err)
	}
	vec, err := in.embedder.Embed(ctx, encoded)
	if err != nil {
		return fail(StageEmbed, err)
	}
	if ctx.Err() != nil {
		res.skipped = true
		return res
	}

	rec := types.ImageRecord{Key: it.Key, Vector: vec}
	if err := in.index.Upsert(ctx, utils.StableID(it.Key), rec); err != nil {
		return fail(StageIndex, err)
	}
	return res
}

func (in *Ingestor) aggregate(results <-chan outcome, report *Report) {
	done := 0
	for res := range results {
		done++
		switch {
		case res.skipped:
			report.Skipped++
			report.Pending = append(report.Pending, res.key)
			in.Metrics.IngestItem(metrics.OutcomeSkipped)
		case res.err != nil:
			report.Failed++
			report.Failures = append(report.Failures, Failure{Key: res.key, Stage: res.stage, Reason: res.err.Error()})
			in.Metrics.IngestItem(metrics.OutcomeFailure)
			in.Logger.Warn("ingest item failed", "key", res.key, "stage", res.stage, "error", res.err)
		default:
			report.Succeeded++
			in.Metrics.IngestItem(metrics.OutcomeSuccess)
		}
		if in.Progress != nil {
			in.Progress(done, report.Total)
		}
	}
}

// FromStore lists image keys under prefix and returns items that fetch lazily from s.
func FromStore(ctx context.Context, s blob.Store, prefix string) ([]Item, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list source images: %w", err)
	}
	return FromKeys(s, blob.Images(keys)), nil
}

// FromKeys returns lazily fetched items for the given keys, in order.
func FromKeys(s blob.Store, keys []string) []Item {
	items := make([]Item, len(keys))
	for i, key := range keys {
		items[i] = Item{
			Key: key,
			Fetch: func(ctx context.Context) ([]byte, error) {
				return s.Get(ctx, key)
			},
		}
	}
	return items
}
