// Package evidence stores ingested document chunks in SQLite and
// retrieves the most relevant ones for verification queries via
// embedding similarity.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
)

// Chunk is one retrievable unit of source text.
type Chunk struct {
	ID          string    `json:"id"`
	DocID       string    `json:"doc_id"`
	Source      string    `json:"source"`   // document name or path
	Location    string    `json:"location"` // e.g. "paragraph 3"
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Embedding   []float32 `json:"-"`
}

// Bundle is the result of one retrieval round: the query that produced
// it and the chunks found, best match first. Chunks is empty (never
// nil) when nothing matched.
type Bundle struct {
	Query  string  `json:"query"`
	Chunks []Chunk `json:"chunks"`
}

// HashContent returns the hex SHA-256 of chunk content, used for
// dedup across re-ingestion.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
