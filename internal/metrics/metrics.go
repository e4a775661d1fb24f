// Package metrics exposes Prometheus collectors for ingestion, embedding and search.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

type Metrics struct {
	Registry *prometheus.Registry

	ingestItems      *prometheus.CounterVec
	embedDuration    prometheus.Histogram
	searchDuration   prometheus.Histogram
	searchResults    prometheus.Histogram
	materializeItems *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ingestItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glimpse_ingest_items_total",
			Help: "Images processed by the ingestor, by outcome.",
		}, []string{"outcome"}),
		embedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "glimpse_embed_duration_seconds",
			Help:    "Latency of embedding service calls.",
			Buckets: prometheus.DefBuckets,
		}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "glimpse_search_duration_seconds",
			Help:    "Latency of KNN index queries.",
			Buckets: prometheus.DefBuckets,
		}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "glimpse_search_results",
			Help:    "Results returned per search after deduplication.",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		}),
		materializeItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glimpse_materialize_items_total",
			Help: "Result artifacts fetched, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.ingestItems,
		m.embedDuration,
		m.searchDuration,
		m.searchResults,
		m.materializeItems,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) IngestItem(outcome string) {
	if m == nil {
		return
	}
	m.ingestItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveEmbed(d time.Duration) {
	if m == nil {
		return
	}
	m.embedDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveSearch(d time.Duration, results int) {
	if m == nil {
		return
	}
	m.searchDuration.Observe(d.Seconds())
	m.searchResults.Observe(float64(results))
}

func (m *Metrics) MaterializeItem(outcome string) {
	if m == nil {
		return
	}
	m.materializeItems.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
