package evidence

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"causeway/internal/embedding"
	"causeway/internal/logging"
)

// Store persists evidence chunks and their embeddings in SQLite.
type Store struct {
	db     *sql.DB
	engine embedding.Engine
	path   string
}

// NewStore opens (or creates) the evidence database at path. The
// embedding engine is used at ingest time; pass the document-task
// variant.
func NewStore(path string, engine embedding.Engine) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence database: %w", err)
	}

	s := &Store{db: db, engine: engine, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Retrieval("Evidence store opened at %s", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS evidence_chunks (
		id           TEXT PRIMARY KEY,
		doc_id       TEXT NOT NULL,
		source       TEXT NOT NULL,
		location     TEXT NOT NULL,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		embedding    BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_doc ON evidence_chunks(doc_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate evidence schema: %w", err)
	}
	return nil
}

// AddChunks embeds and persists chunks. Chunks whose content hash is
// already stored are skipped. Returns the number actually inserted.
func (s *Store) AddChunks(ctx context.Context, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	// Filter out already-stored content before paying for embeddings.
	fresh := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.ContentHash == "" {
			c.ContentHash = HashContent(c.Content)
		}
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM evidence_chunks WHERE content_hash = ?`, c.ContentHash).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("failed to check chunk hash: %w", err)
		}
		if exists == 0 {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		logging.RetrievalDebug("AddChunks: all %d chunks already stored", len(chunks))
		return 0, nil
	}

	texts := make([]string, len(fresh))
	for i, c := range fresh {
		texts[i] = c.Content
	}
	vectors, err := s.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(fresh) {
		return 0, fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(fresh), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO evidence_chunks (id, doc_id, source, location, content, content_hash, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range fresh {
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocID, c.Source, c.Location,
			c.Content, c.ContentHash, vectorToBlob(vectors[i])); err != nil {
			return 0, fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit chunks: %w", err)
	}

	logging.Retrieval("Stored %d new evidence chunks (%d duplicates skipped)",
		len(fresh), len(chunks)-len(fresh))
	return len(fresh), nil
}

// AllChunks loads every stored chunk with its embedding.
func (s *Store) AllChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_id, source, location, content, content_hash, embedding FROM evidence_chunks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocID, &c.Source, &c.Location,
			&c.Content, &c.ContentHash, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Embedding = blobToVector(blob)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence_chunks`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// vectorToBlob serializes a float32 vector as little-endian bytes, the
// same layout sqlite-vec uses for vec0 columns.
func vectorToBlob(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func blobToVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
