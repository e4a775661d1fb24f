package ingest

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andresmejia3/glimpse/internal/metrics"
)

// scrape returns the registry in the Prometheus text format.
func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func hasSample(t *testing.T, m *metrics.Metrics, sample string) bool {
	t.Helper()
	return strings.Contains(scrape(t, m), sample)
}
