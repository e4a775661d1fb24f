package store

import (
	"context"
	"slices"
	"sync"

	"github.com/andresmejia3/glimpse/internal/types"
)

// Memory is an in-process index with brute-force cosine ranking.
type Memory struct {
	dim int

	mu      sync.RWMutex
	records map[string]types.ImageRecord
}

func NewMemory(dimension int) *Memory {
	return &Memory{dim: dimension, records: make(map[string]types.ImageRecord)}
}

func (m *Memory) Upsert(ctx context.Context, id string, rec types.ImageRecord) error {
	if err := checkDim(rec.Vector, m.dim); err != nil {
		return err
	}
	rec.Vector = slices.Clone(rec.Vector)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = rec
	return nil
}

func (m *Memory) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if err := checkDim(vec, m.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.records))
	for id, rec := range m.records {
		hits = append(hits, Hit{ID: id, Key: rec.Key, Score: cosine(vec, rec.Vector)})
	}
	m.mu.RUnlock()

	return rankTopK(hits, k), nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.records)
	return nil
}

func (m *Memory) Close() error { return nil }
