package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/glimpse/internal/types"
)

// PgVector manages the PostgreSQL connection and pgvector operations.
type PgVector struct {
	dim int

	// pgx.Conn is not safe for concurrent use; ingestion workers share one connection.
	mu   sync.Mutex
	conn *pgx.Conn
}

// NewPgVector establishes a connection to the database and ensures the schema is initialized.
func NewPgVector(ctx context.Context, connString string, dimension int) (*PgVector, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn, dimension); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &PgVector{conn: conn, dim: dimension}, nil
}

// initSchema creates the embeddings table and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn, dimension int) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS image_embeddings (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS image_embeddings_hnsw_idx
			ON image_embeddings USING hnsw (embedding vector_cosine_ops);
	`, dimension)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *PgVector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close(context.Background())
}

// Upsert writes the record under id, replacing any earlier version.
func (s *PgVector) Upsert(ctx context.Context, id string, rec types.ImageRecord) error {
	if err := checkDim(rec.Vector, s.dim); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO image_embeddings (id, key, embedding, indexed_at)
		VALUES ($1, $2, $3::vector, NOW())
		ON CONFLICT (id) DO UPDATE SET key = EXCLUDED.key, embedding = EXCLUDED.embedding, indexed_at = NOW()
	`, id, rec.Key, vecToString(rec.Vector))
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", ErrBackend, rec.Key, err)
	}
	return nil
}

// Search returns the k nearest records by cosine distance. Score is 1 - distance.
func (s *PgVector) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if err := checkDim(vec, s.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// <=> is the cosine distance operator in pgvector
	rows, err := s.conn.Query(ctx, `
		SELECT id, key, 1 - (embedding <=> $1::vector) AS score
		FROM image_embeddings
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $2
	`, vecToString(vec), k)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrBackend, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Key, &h.Score); err != nil {
			return nil, fmt.Errorf("%w: scan hit: %w", ErrBackend, err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgVector) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.conn.QueryRow(ctx, "SELECT count(*) FROM image_embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrBackend, err)
	}
	return n, nil
}

func (s *PgVector) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, "DELETE FROM image_embeddings WHERE id = $1", id)
	return err
}

// Reset drops the embeddings table and recreates it empty.
// This is also how a dimension change is applied, since there are no migrations.
func (s *PgVector) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS image_embeddings CASCADE;`); err != nil {
		return err
	}
	return initSchema(ctx, s.conn, s.dim)
}
