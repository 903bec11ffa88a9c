package evidence

import (
	"context"
	"fmt"
	"sync"

	"causeway/internal/embedding"
	"causeway/internal/logging"
)

// Retriever finds evidence chunks relevant to a query. Implementations
// return an empty (non-nil) chunk slice when nothing matches; that is
// a normal outcome, not an error.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (Bundle, error)
	CacheSize() int
}

// StoreRetriever retrieves by embedding the query and ranking stored
// chunks with cosine similarity. Identical queries hit an in-memory
// cache, which matters because verification rounds frequently re-ask
// the initial "<from> causes <to>" query.
type StoreRetriever struct {
	store       *Store
	queryEngine embedding.Engine

	mu    sync.Mutex
	cache map[string]Bundle

	// Chunk corpus loaded lazily on first retrieval.
	corpusOnce sync.Once
	corpusErr  error
	corpus     []Chunk
	vectors    [][]float32
}

// NewStoreRetriever creates a retriever over a store. queryEngine
// should use the retrieval-query task type.
func NewStoreRetriever(store *Store, queryEngine embedding.Engine) *StoreRetriever {
	return &StoreRetriever{
		store:       store,
		queryEngine: queryEngine,
		cache:       make(map[string]Bundle),
	}
}

func (r *StoreRetriever) loadCorpus(ctx context.Context) error {
	r.corpusOnce.Do(func() {
		chunks, err := r.store.AllChunks(ctx)
		if err != nil {
			r.corpusErr = fmt.Errorf("failed to load evidence corpus: %w", err)
			return
		}
		r.corpus = chunks
		r.vectors = make([][]float32, len(chunks))
		for i, c := range chunks {
			r.vectors[i] = c.Embedding
		}
		logging.Retrieval("Loaded evidence corpus: %d chunks", len(chunks))
	})
	return r.corpusErr
}

// Retrieve returns the topK chunks most similar to query. The cache
// key is the exact query string.
func (r *StoreRetriever) Retrieve(ctx context.Context, query string, topK int) (Bundle, error) {
	cacheKey := fmt.Sprintf("%s|%d", query, topK)
	r.mu.Lock()
	if b, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		logging.RetrievalDebug("Retrieve: cache hit for %q", query)
		return b, nil
	}
	r.mu.Unlock()

	if err := r.loadCorpus(ctx); err != nil {
		return Bundle{}, err
	}

	bundle := Bundle{Query: query, Chunks: []Chunk{}}
	if len(r.corpus) > 0 {
		queryVec, err := r.queryEngine.Embed(ctx, query)
		if err != nil {
			return Bundle{}, fmt.Errorf("failed to embed query: %w", err)
		}

		hits, err := embedding.FindTopK(queryVec, r.vectors, topK)
		if err != nil {
			return Bundle{}, fmt.Errorf("similarity search failed: %w", err)
		}
		for _, h := range hits {
			bundle.Chunks = append(bundle.Chunks, r.corpus[h.Index])
		}
	}

	r.mu.Lock()
	r.cache[cacheKey] = bundle
	r.mu.Unlock()

	logging.RetrievalDebug("Retrieve: %q → %d chunks", query, len(bundle.Chunks))
	return bundle, nil
}

// CacheSize returns the number of cached query results.
func (r *StoreRetriever) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
