package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	requestsigner "github.com/opensearch-project/opensearch-go/v4/signer/awsv2"

	"github.com/andresmejia3/glimpse/internal/types"
)

// OpenSearchOptions configures the k-NN index backend.
type OpenSearchOptions struct {
	Endpoint     string // e.g. https://search-domain.us-east-1.es.amazonaws.com
	Index        string
	VectorField  string
	MappingField string
	Dimension    int
	Timeout      time.Duration

	// Requests are SigV4-signed with AWS when Service ("es" or "aoss") is set.
	Service string
	AWS     aws.Config

	Transport http.RoundTripper
}

// OpenSearch talks to an OpenSearch k-NN index.
type OpenSearch struct {
	opts   OpenSearchOptions
	client *opensearchapi.Client
}

// NewOpenSearch connects to the endpoint and creates the index with a knn_vector mapping if it
// does not exist yet.
func NewOpenSearch(ctx context.Context, opts OpenSearchOptions) (*OpenSearch, error) {
	endpoint := opts.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	cfg := opensearch.Config{
		Addresses: []string{endpoint},
		Transport: opts.Transport,
	}
	if opts.Service != "" {
		signer, err := requestsigner.NewSignerWithService(opts.AWS, opts.Service)
		if err != nil {
			return nil, fmt.Errorf("opensearch request signer: %w", err)
		}
		cfg.Signer = signer
	}

	client, err := opensearchapi.NewClient(opensearchapi.Config{Client: cfg})
	if err != nil {
		return nil, fmt.Errorf("opensearch client for %q: %w", opts.Endpoint, err)
	}

	s := &OpenSearch{opts: opts, client: client}
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OpenSearch) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(ctx, s.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// statusOf reports the HTTP status behind a typed response, 0 when there was none.
func statusOf(insp opensearchapi.Inspect) int {
	if insp.Response == nil {
		return 0
	}
	return insp.Response.StatusCode
}

func (s *OpenSearch) ensureIndex(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.Indices.Exists(ctx, opensearchapi.IndicesExistsReq{Indices: []string{s.opts.Index}})
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return s.createIndex(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: check index %s: %w", ErrBackend, s.opts.Index, err)
	}
	return nil
}

func (s *OpenSearch) createIndex(ctx context.Context) error {
	mapping := map[string]any{
		"settings": map[string]any{
			"index": map[string]any{"knn": true},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				s.opts.VectorField: map[string]any{
					"type":      "knn_vector",
					"dimension": s.opts.Dimension,
				},
				s.opts.MappingField: map[string]any{"type": "keyword"},
			},
		},
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	if _, err := s.client.Indices.Create(ctx, opensearchapi.IndicesCreateReq{
		Index: s.opts.Index,
		Body:  bytes.NewReader(body),
	}); err != nil {
		return fmt.Errorf("%w: create index %s: %w", ErrBackend, s.opts.Index, err)
	}
	return nil
}

func (s *OpenSearch) Upsert(ctx context.Context, id string, rec types.ImageRecord) error {
	if err := checkDim(rec.Vector, s.opts.Dimension); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		s.opts.VectorField:  rec.Vector,
		s.opts.MappingField: rec.Key,
	})
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.client.Index(ctx, opensearchapi.IndexReq{
		Index:      s.opts.Index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}); err != nil {
		return fmt.Errorf("%w: upsert %s: %w", ErrBackend, rec.Key, err)
	}
	return nil
}

// Search ranks documents by the engine's k-NN score. Every hit must carry the image key in
// its source; a hit without one is a mapping error, not a match.
func (s *OpenSearch) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if err := checkDim(vec, s.opts.Dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	query, err := json.Marshal(map[string]any{
		"size": k,
		"query": map[string]any{
			"knn": map[string]any{
				s.opts.VectorField: map[string]any{
					"vector": vec,
					"k":      k,
				},
			},
		},
		"_source": []string{s.opts.MappingField},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	resp, err := s.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{s.opts.Index},
		Body:    bytes.NewReader(query),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrBackend, err)
	}

	hits := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		key, err := s.keyOf(h.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: hit %s: %w", ErrBackend, h.ID, err)
		}
		hits = append(hits, Hit{ID: h.ID, Score: float64(h.Score), Key: key})
	}
	return hits, nil
}

func (s *OpenSearch) keyOf(source json.RawMessage) (string, error) {
	if len(source) == 0 {
		return "", fmt.Errorf("no _source returned")
	}
	var fields map[string]any
	if err := json.Unmarshal(source, &fields); err != nil {
		return "", fmt.Errorf("malformed _source: %w", err)
	}
	key, ok := fields[s.opts.MappingField].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("_source has no %q string field", s.opts.MappingField)
	}
	return key, nil
}

func (s *OpenSearch) Count(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.Indices.Count(ctx, &opensearchapi.IndicesCountReq{Indices: []string{s.opts.Index}})
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrBackend, err)
	}
	return resp.Count, nil
}

func (s *OpenSearch) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.Document.Delete(ctx, opensearchapi.DocumentDeleteReq{Index: s.opts.Index, DocumentID: id})
	if err != nil {
		if resp != nil && statusOf(resp.Inspect()) == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("%w: delete %s: %w", ErrBackend, id, err)
	}
	return nil
}

// Reset deletes the index and recreates it with the same mapping.
func (s *OpenSearch) Reset(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.Indices.Delete(ctx, opensearchapi.IndicesDeleteReq{Indices: []string{s.opts.Index}})
	if err != nil && (resp == nil || statusOf(resp.Inspect()) != http.StatusNotFound) {
		return fmt.Errorf("%w: drop index %s: %w", ErrBackend, s.opts.Index, err)
	}
	return s.createIndex(ctx)
}

func (s *OpenSearch) Close() error { return nil }
