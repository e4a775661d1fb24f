package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/andresmejia3/glimpse/internal/types"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS image_embeddings (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		embedding BLOB NOT NULL,
		indexed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
`

// SQLite keeps embeddings as little-endian float32 blobs and ranks them in Go.
// Intended for local runs where no Postgres or OpenSearch is available.
type SQLite struct {
	db  *sql.DB
	dim int
}

func NewSQLite(ctx context.Context, path string, dimension int) (*SQLite, error) {
	if path == "" {
		path = "glimpse.db"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer avoids SQLITE_BUSY from concurrent ingestion workers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{db: db, dim: dimension}, nil
}

func (s *SQLite) Upsert(ctx context.Context, id string, rec types.ImageRecord) error {
	if err := checkDim(rec.Vector, s.dim); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_embeddings (id, key, embedding, indexed_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET key = excluded.key, embedding = excluded.embedding, indexed_at = CURRENT_TIMESTAMP
	`, id, rec.Key, encodeVector(rec.Vector))
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", ErrBackend, rec.Key, err)
	}
	return nil
}

func (s *SQLite) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if err := checkDim(vec, s.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, key, embedding FROM image_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrBackend, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var blob []byte
		if err := rows.Scan(&h.ID, &h.Key, &blob); err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", ErrBackend, err)
		}
		stored := decodeVector(blob)
		if len(stored) != len(vec) {
			continue
		}
		h.Score = cosine(vec, stored)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrBackend, err)
	}
	return rankTopK(hits, k), nil
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM image_embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrBackend, err)
	}
	return n, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM image_embeddings WHERE id = ?`, id)
	return err
}

func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS image_embeddings`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}
