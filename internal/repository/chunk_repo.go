package repository

import (
	"context"
	"iter"

	"github.com/user/web-ingest/internal/entity"
)

// ChunkIndexer is the boundary to vector storage. It receives the surviving
// chunks of one crawl and the collection they belong to.
type ChunkIndexer interface {
	// Index stores every chunk of seq in the collection and returns how many
	// were written. Chunks with an existing ID are overwritten.
	Index(ctx context.Context, collection string, chunks iter.Seq[entity.ChunkRecord]) (int, error)
}

// Embedder turns chunk texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
