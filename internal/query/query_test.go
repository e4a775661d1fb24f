package query

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/glimpse/internal/embedding"
	"github.com/andresmejia3/glimpse/internal/ingest"
	"github.com/andresmejia3/glimpse/internal/store"
	"github.com/andresmejia3/glimpse/internal/types"
)

type fakeIndex struct {
	hits  []store.Hit
	err   error
	calls int
	gotK  int
}

func (f *fakeIndex) Search(ctx context.Context, vec []float32, k int) ([]store.Hit, error) {
	f.calls++
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.hits) {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

func TestScoreDedup(t *testing.T) {
	idx := &fakeIndex{hits: []store.Hit{
		{ID: "1", Key: "x.jpg", Score: 0.9},
		{ID: "2", Key: "y.jpg", Score: 0.9},
		{ID: "3", Key: "z.jpg", Score: 0.7},
	}}
	e := NewEngine(idx, 2, DedupByScore, 0)

	got, err := e.Search(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Equal(t, []types.QueryResult{
		{Key: "x.jpg", Score: 0.9, DocID: "1"},
		{Key: "z.jpg", Score: 0.7, DocID: "3"},
	}, got)
}

func TestKeyDedup(t *testing.T) {
	idx := &fakeIndex{hits: []store.Hit{
		{ID: "1", Key: "x.jpg", Score: 0.9},
		{ID: "2", Key: "y.jpg", Score: 0.9},
		{ID: "3", Key: "x.jpg", Score: 0.8},
		{ID: "4", Key: "z.jpg", Score: 0.7},
	}}
	e := NewEngine(idx, 2, DedupByKey, 0)

	got, err := e.Search(context.Background(), []float32{1, 0}, 4)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"x.jpg", "y.jpg", "z.jpg"}, []string{got[0].Key, got[1].Key, got[2].Key})
}

// Results are always a subsequence of the raw hits with no repeated score.
func TestDedupIsOrderedSubsequence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	scores := []float64{0.95, 0.9, 0.8, 0.5}

	for round := 0; round < 200; round++ {
		n := rng.Intn(12)
		hits := make([]store.Hit, n)
		for i := range hits {
			hits[i] = store.Hit{ID: string(rune('a' + i)), Key: string(rune('a' + rng.Intn(4))), Score: scores[rng.Intn(len(scores))]}
		}

		for _, policy := range []Dedup{DedupByScore, DedupByKey} {
			got := Dedupe(hits, policy, n)

			seen := map[float64]bool{}
			j := 0
			for _, r := range got {
				for j < len(hits) && hits[j].ID != r.DocID {
					j++
				}
				require.Less(t, j, len(hits), "result %v is out of order", r)
				j++
				if policy == DedupByScore {
					require.False(t, seen[r.Score], "duplicate score %v", r.Score)
					seen[r.Score] = true
				}
			}
		}
	}
}

func TestSearchBoundaries(t *testing.T) {
	idx := &fakeIndex{hits: []store.Hit{{ID: "1", Key: "a.jpg", Score: 0.5}}}
	e := NewEngine(idx, 2, DedupByKey, 0)

	got, err := e.Search(context.Background(), []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, 0, idx.calls, "k=0 never reaches the index")

	got, err = e.Search(context.Background(), []float32{1, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, got, 1, "k beyond index size returns what exists")
	assert.Equal(t, 50, idx.gotK)
}

func TestSearchErrors(t *testing.T) {
	tests := []struct {
		name   string
		vec    []float32
		k      int
		idxErr error
		want   error
	}{
		{"Negative k", []float32{1, 0}, -1, nil, ErrInvalidK},
		{"Wrong dimension", []float32{1, 0, 0}, 3, nil, nil},
		{"Index failure", []float32{1, 0}, 3, store.ErrBackend, store.ErrBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(&fakeIndex{err: tt.idxErr}, 2, DedupByKey, 0)
			got, err := e.Search(context.Background(), tt.vec, tt.k)
			assert.Nil(t, got)

			var qe *QueryError
			require.ErrorAs(t, err, &qe)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			} else {
				var de *embedding.DimensionError
				assert.ErrorAs(t, err, &de)
			}
		})
	}
}

func TestParseDedup(t *testing.T) {
	d, err := ParseDedup("score")
	require.NoError(t, err)
	assert.Equal(t, DedupByScore, d)

	d, err = ParseDedup("")
	require.NoError(t, err)
	assert.Equal(t, DedupByKey, d)

	_, err = ParseDedup("hash")
	assert.Error(t, err)
}

type passthrough struct{}

func (passthrough) Normalize(raw []byte) ([]byte, error) { return raw, nil }

type mapEmbedder map[string][]float32

func (m mapEmbedder) Embed(ctx context.Context, encoded []byte) ([]float32, error) {
	if v, ok := m[string(encoded)]; ok {
		return v, nil
	}
	return nil, &embedding.ServiceError{Message: "unknown"}
}

// Ingest two toy images and find the closer one first.
func TestIngestThenSearch(t *testing.T) {
	ctx := context.Background()
	idx := store.NewMemory(2)
	emb := mapEmbedder{"a": {1, 0}, "b": {0, 1}, "query": {0.9, 0.1}}

	report, err := ingest.New(passthrough{}, emb, idx, 2).Ingest(ctx, []ingest.Item{
		{Key: "a.jpg", Data: []byte("a")},
		{Key: "b.jpg", Data: []byte("b")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)

	s := &ImageSearcher{Normalizer: passthrough{}, Embedder: emb, Engine: NewEngine(idx, 2, DedupByKey, 0)}
	got, err := s.SearchImage(ctx, []byte("query"), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.jpg", got[0].Key)
	assert.Equal(t, "b.jpg", got[1].Key)
	assert.Greater(t, got[0].Score, got[1].Score)

	_, err = s.SearchImage(ctx, []byte("nope"), 2)
	var se *embedding.ServiceError
	assert.ErrorAs(t, err, &se)
}

func TestConcurrentSearchesAreIndependent(t *testing.T) {
	idx := store.NewMemory(2)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "1", types.ImageRecord{Key: "a.jpg", Vector: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, "2", types.ImageRecord{Key: "b.jpg", Vector: []float32{0, 1}}))
	e := NewEngine(idx, 2, DedupByScore, 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.Search(ctx, []float32{1, 0}, 2)
			assert.NoError(t, err)
			assert.Len(t, got, 2)
		}()
	}
	wg.Wait()
}
