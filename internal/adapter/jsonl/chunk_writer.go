// Package jsonl writes chunk records as JSON lines, one chunk per line.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/user/web-ingest/internal/entity"
)

type line struct {
	Collection string `json:"collection"`
	entity.ChunkRecord
	Metadata map[string]any `json:"metadata"`
}

// ChunkWriter is a ChunkIndexer that writes to an io.Writer instead of a
// vector store.
type ChunkWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{w: w}
}

func (cw *ChunkWriter) Index(ctx context.Context, collection string, chunks iter.Seq[entity.ChunkRecord]) (int, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	buf := bufio.NewWriter(cw.w)
	enc := json.NewEncoder(buf)
	n := 0
	for c := range chunks {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := enc.Encode(line{Collection: collection, ChunkRecord: c, Metadata: c.Metadata()}); err != nil {
			return n, fmt.Errorf("write chunk %s: %w", c.ID, err)
		}
		n++
	}
	if err := buf.Flush(); err != nil {
		return n, fmt.Errorf("flush chunks: %w", err)
	}
	return n, nil
}
