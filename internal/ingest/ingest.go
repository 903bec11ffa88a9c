// Package ingest loads plain-text and markdown documents into the
// evidence store. Documents are split into paragraph chunks; embedding
// and content-hash dedup happen inside the store.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"causeway/internal/evidence"
	"causeway/internal/logging"
)

// minChunkChars drops fragments too short to carry evidence (headings,
// stray list markers).
const minChunkChars = 40

// Ingestor feeds documents into an evidence store.
type Ingestor struct {
	store *evidence.Store
}

// New creates an ingestor over the given store.
func New(store *evidence.Store) *Ingestor {
	return &Ingestor{store: store}
}

// SplitParagraphs splits text on blank lines into trimmed paragraphs,
// dropping fragments shorter than minChunkChars.
func SplitParagraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		p := strings.TrimSpace(block)
		if len(p) < minChunkChars {
			continue
		}
		out = append(out, p)
	}
	return out
}

// IngestText chunks one document and stores it. The source label shows
// up in judge evidence attribution. Returns the number of chunks newly
// added (duplicates excluded).
func (in *Ingestor) IngestText(ctx context.Context, source, text string) (int, error) {
	paragraphs := SplitParagraphs(text)
	if len(paragraphs) == 0 {
		return 0, nil
	}
	docID := uuid.NewString()
	chunks := make([]evidence.Chunk, 0, len(paragraphs))
	for i, p := range paragraphs {
		chunks = append(chunks, evidence.Chunk{
			ID:       uuid.NewString(),
			DocID:    docID,
			Source:   source,
			Location: fmt.Sprintf("paragraph %d", i+1),
			Content:  p,
		})
	}
	added, err := in.store.AddChunks(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("storing chunks for %s: %w", source, err)
	}
	logging.Ingest("Ingested %s: %d paragraphs, %d new chunks", source, len(paragraphs), added)
	return added, nil
}

// IngestDir walks a directory tree and ingests every .txt and .md
// file. Returns documents seen and chunks newly added.
func (in *Ingestor) IngestDir(ctx context.Context, dir string) (docs, added int, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}
		n, err := in.IngestText(ctx, rel, string(data))
		if err != nil {
			return err
		}
		docs++
		added += n
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return docs, added, nil
}
