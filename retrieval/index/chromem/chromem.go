// Package chromem backs the document searcher with chromem-go, a pure Go
// embedded vector database. Documents live in one shared collection; the
// knowledge base (catalog, plans, guides) is common to all users.
package chromem

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/cofounder-go/retrieval"
)

const collectionName = "documents"

// Embedder converts text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Index is a chromem-backed document searcher.
type Index struct {
	db       *chromem.DB
	embedder Embedder

	mu  sync.RWMutex
	col *chromem.Collection
	n   int
}

// New creates an empty index using the given embedder.
func New(embedder Embedder) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, embedder: embedder, col: col}, nil
}

// Add embeds and stores a document. The source label travels in metadata and
// feeds the reranker.
func (ix *Index) Add(ctx context.Context, id string, doc retrieval.Document) error {
	embedding, err := ix.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embed document %s: %w", id, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	log.Printf("[CHROMEM] Storing document: id=%s, source=%s", id, doc.Source)
	err = ix.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   doc.Content,
		Embedding: embedding,
		Metadata:  map[string]string{"source": doc.Source},
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	ix.n++
	return nil
}

// Len reports the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.n
}

// Search returns the k most similar documents.
//
// chromem-go requires nResults <= collection size, so the query retries with
// smaller limits until it fits; an empty collection yields no results rather
// than an error.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]retrieval.Document, error) {
	embedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	log.Printf("[CHROMEM] Querying %d document(s), limit=%d", ix.n, k)

	var results []chromem.Result
	for limit := k; limit >= 1; limit-- {
		results, err = ix.col.QueryEmbedding(ctx, embedding, limit, nil, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				log.Printf("[CHROMEM] Collection is empty")
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	docs := make([]retrieval.Document, 0, len(results))
	for _, result := range results {
		docs = append(docs, retrieval.Document{
			Content: result.Content,
			Source:  result.Metadata["source"],
		})
	}
	log.Printf("[CHROMEM] Returning %d document(s)", len(docs))
	return docs, nil
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
