package evidence

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// stubEngine returns fixed vectors per text, defaulting to a unit
// vector on the last axis for unknown text.
type stubEngine struct {
	vectors map[string][]float32
}

func (s *stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return 3 }
func (s *stubEngine) Name() string    { return "stub" }

func newTestStore(t *testing.T, engine *stubEngine) *Store {
	t.Helper()
	store, err := NewStore(":memory:", engine)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func chunk(content string) Chunk {
	return Chunk{
		ID:       uuid.NewString(),
		DocID:    "doc-1",
		Source:   "report.txt",
		Location: "paragraph 1",
		Content:  content,
	}
}

func TestAddChunksDedupesByContentHash(t *testing.T) {
	engine := &stubEngine{}
	store := newTestStore(t, engine)
	ctx := context.Background()

	n, err := store.AddChunks(ctx, []Chunk{chunk("rainfall increases crop yield")})
	if err != nil {
		t.Fatalf("AddChunks failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted %d, want 1", n)
	}

	// Same content, new chunk id: must be skipped.
	n, err = store.AddChunks(ctx, []Chunk{chunk("rainfall increases crop yield")})
	if err != nil {
		t.Fatalf("AddChunks failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("duplicate insert count = %d, want 0", n)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("stored chunks = %d, want 1", count)
	}
}

func TestEmbeddingsRoundTrip(t *testing.T) {
	engine := &stubEngine{vectors: map[string][]float32{
		"alpha": {0.5, -0.25, 1.0},
	}}
	store := newTestStore(t, engine)
	ctx := context.Background()

	if _, err := store.AddChunks(ctx, []Chunk{chunk("alpha")}); err != nil {
		t.Fatalf("AddChunks failed: %v", err)
	}

	chunks, err := store.AllChunks(ctx)
	if err != nil {
		t.Fatalf("AllChunks failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	got := chunks[0].Embedding
	want := []float32{0.5, -0.25, 1.0}
	if len(got) != len(want) {
		t.Fatalf("embedding length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("embedding[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	engine := &stubEngine{vectors: map[string][]float32{
		"rain causes floods":        {1, 0, 0},
		"stocks rose on tuesday":    {0, 1, 0},
		"heavy rain floods streets": {0.9, 0.1, 0},
		"does rain cause flooding":  {1, 0, 0}, // query
	}}
	store := newTestStore(t, engine)
	ctx := context.Background()

	_, err := store.AddChunks(ctx, []Chunk{
		chunk("rain causes floods"),
		chunk("stocks rose on tuesday"),
		chunk("heavy rain floods streets"),
	})
	if err != nil {
		t.Fatalf("AddChunks failed: %v", err)
	}

	r := NewStoreRetriever(store, engine)
	bundle, err := r.Retrieve(ctx, "does rain cause flooding", 2)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(bundle.Chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(bundle.Chunks))
	}
	if bundle.Chunks[0].Content != "rain causes floods" {
		t.Fatalf("best match = %q", bundle.Chunks[0].Content)
	}
	if bundle.Chunks[1].Content != "heavy rain floods streets" {
		t.Fatalf("second match = %q", bundle.Chunks[1].Content)
	}
}

func TestRetrieveEmptyStoreReturnsEmptyBundle(t *testing.T) {
	engine := &stubEngine{}
	store := newTestStore(t, engine)

	r := NewStoreRetriever(store, engine)
	bundle, err := r.Retrieve(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if bundle.Chunks == nil {
		t.Fatal("chunks must be empty, not nil")
	}
	if len(bundle.Chunks) != 0 {
		t.Fatalf("got %d chunks from empty store", len(bundle.Chunks))
	}
}

func TestRetrieveCachesIdenticalQueries(t *testing.T) {
	engine := &stubEngine{}
	store := newTestStore(t, engine)
	ctx := context.Background()

	if _, err := store.AddChunks(ctx, []Chunk{chunk("some content")}); err != nil {
		t.Fatalf("AddChunks failed: %v", err)
	}

	r := NewStoreRetriever(store, engine)
	if _, err := r.Retrieve(ctx, "q1", 5); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if _, err := r.Retrieve(ctx, "q1", 5); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if _, err := r.Retrieve(ctx, "q2", 5); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}

	if got := r.CacheSize(); got != 2 {
		t.Fatalf("CacheSize = %d, want 2", got)
	}
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := []float32{1.5, -2.25, 0, 3.14159}
	got := blobToVector(vectorToBlob(vec))
	if len(got) != len(vec) {
		t.Fatalf("length = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("vec[%d] = %v, want %v", i, got[i], vec[i])
		}
	}
	if blobToVector(nil) != nil {
		t.Fatal("empty blob must yield nil vector")
	}
}
