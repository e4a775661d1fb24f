package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Failure records why one key could not be ingested.
type Failure struct {
	Key    string `json:"key"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Report is the aggregate outcome of one ingestion run.
type Report struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Canceled  bool          `json:"canceled"`
	Failures  []Failure     `json:"failures,omitempty"`
	// Pending holds keys that were never processed because the run was cancelled.
	Pending []string `json:"pending,omitempty"`
}

// FailedKeys returns the keys that failed, in completion order.
func (r *Report) FailedKeys() []string {
	keys := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		keys[i] = f.Key
	}
	return keys
}

// RetryKeys is the subset worth re-running: failed keys followed by pending ones.
func (r *Report) RetryKeys() []string {
	return append(r.FailedKeys(), r.Pending...)
}

// Save writes the report as indented JSON.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadReport reads a report written by Save.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}
