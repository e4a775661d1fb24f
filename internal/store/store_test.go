package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/glimpse/internal/config"
	"github.com/andresmejia3/glimpse/internal/types"
)

// exerciseIndex runs the behaviour every backend must share on a D=2 index.
func exerciseIndex(t *testing.T, idx Index) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "id-a", types.ImageRecord{Key: "a.jpg", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, "id-b", types.ImageRecord{Key: "b.jpg", Vector: []float32{0, 1}}))

	hits, err := idx.Search(ctx, []float32{0.9, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a.jpg", hits[0].Key)
	assert.Equal(t, "id-a", hits[0].ID)
	assert.Equal(t, "b.jpg", hits[1].Key)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	// Same id overwrites instead of duplicating
	require.NoError(t, idx.Upsert(ctx, "id-a", types.ImageRecord{Key: "a.jpg", Vector: []float32{0, 1}}))
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// k beyond the index size returns everything available
	hits, err = idx.Search(ctx, []float32{0, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = idx.Search(ctx, []float32{0, 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	err = idx.Upsert(ctx, "id-c", types.ImageRecord{Key: "c.jpg", Vector: []float32{1, 2, 3}})
	assert.True(t, errors.Is(err, ErrDimension), "got %v", err)
	_, err = idx.Search(ctx, []float32{1}, 1)
	assert.True(t, errors.Is(err, ErrDimension), "got %v", err)

	require.NoError(t, idx.Delete(ctx, "id-b"))
	require.NoError(t, idx.Delete(ctx, "id-missing"))
	n, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, idx.Reset(ctx))
	n, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Still usable after a reset
	require.NoError(t, idx.Upsert(ctx, "id-a", types.ImageRecord{Key: "a.jpg", Vector: []float32{1, 0}}))
}

func TestMemory(t *testing.T) {
	idx := NewMemory(2)
	defer idx.Close()
	exerciseIndex(t, idx)
}

func TestMemoryCopiesVectors(t *testing.T) {
	idx := NewMemory(2)
	vec := []float32{1, 0}
	require.NoError(t, idx.Upsert(context.Background(), "x", types.ImageRecord{Key: "x.jpg", Vector: vec}))
	vec[0] = -1

	hits, err := idx.Search(context.Background(), []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
}

func TestSQLite(t *testing.T) {
	idx, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "data", "glimpse.db"), 2)
	require.NoError(t, err)
	defer idx.Close()
	exerciseIndex(t, idx)
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := []float32{0, -1.5, 3.25, 1e-7}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
}

func TestVecToString(t *testing.T) {
	assert.Equal(t, "[1,-0.5,0.25]", vecToString([]float32{1, -0.5, 0.25}))
	assert.Equal(t, "[]", vecToString(nil))
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"Identical", []float32{1, 2}, []float32{1, 2}, 1},
		{"Orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"Opposite", []float32{1, 0}, []float32{-2, 0}, -1},
		{"Zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestRankTopKTieBreak(t *testing.T) {
	hits := rankTopK([]Hit{{ID: "c", Score: 0.5}, {ID: "a", Score: 0.9}, {ID: "b", Score: 0.5}}, 2)
	assert.Equal(t, []Hit{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.5}}, hits)
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Embed.Dimension = 2

	cfg.Index.Backend = config.BackendMemory
	idx, err := Open(context.Background(), &cfg, aws.Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, idx)

	cfg.Index.Backend = config.BackendSQLite
	cfg.Index.SQLitePath = filepath.Join(t.TempDir(), "x.db")
	idx, err = Open(context.Background(), &cfg, aws.Config{})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, idx)
	require.NoError(t, idx.Close())

	cfg.Index.Backend = "faiss"
	_, err = Open(context.Background(), &cfg, aws.Config{})
	assert.Error(t, err)
}
