package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/internal/repository"
	"github.com/user/web-ingest/pkg/utils"
)

const DefaultIndexBatchSize = 100

// ChunkStoreImpl indexes chunks into a pgvector table. Each batch is embedded
// and upserted in its own transaction, so a failure keeps earlier batches.
type ChunkStoreImpl struct {
	db        *sql.DB
	embedder  repository.Embedder
	batchSize int
	logger    *zap.Logger
}

func NewChunkStore(db *sql.DB, embedder repository.Embedder, logger *zap.Logger) *ChunkStoreImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkStoreImpl{db: db, embedder: embedder, batchSize: DefaultIndexBatchSize, logger: logger}
}

// Migrate creates the vector extension and the chunk table for the given
// embedding dimensions.
func (s *ChunkStoreImpl) Migrate(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return errors.New("embedding dimensions must be positive")
	}
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			id          UUID PRIMARY KEY,
			collection  TEXT        NOT NULL,
			source_url  TEXT        NOT NULL,
			page_title  TEXT        NOT NULL,
			chunk_text  TEXT        NOT NULL,
			chunk_index INTEGER     NOT NULL,
			char_offset INTEGER     NOT NULL,
			domain      TEXT        NOT NULL,
			source_type TEXT        NOT NULL,
			crawled_at  TIMESTAMPTZ NOT NULL,
			embedding   vector(%d)  NOT NULL,
			metadata    JSONB       NOT NULL DEFAULT '{}'
		)`, dimensions),
		`CREATE INDEX IF NOT EXISTS rag_chunks_collection_idx ON rag_chunks (collection)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate rag_chunks: %w", err)
		}
	}
	return nil
}

func (s *ChunkStoreImpl) Index(ctx context.Context, collection string, chunks iter.Seq[entity.ChunkRecord]) (int, error) {
	if collection == "" {
		return 0, errors.New("collection is required")
	}

	indexed := 0
	for batch := range utils.Batch(chunks, s.batchSize) {
		if err := s.indexBatch(ctx, collection, batch); err != nil {
			return indexed, err
		}
		indexed += len(batch)
		s.logger.Debug("chunk batch indexed", zap.String("collection", collection), zap.Int("batch", len(batch)), zap.Int("total", indexed))
	}
	return indexed, nil
}

func (s *ChunkStoreImpl) indexBatch(ctx context.Context, collection string, batch []entity.ChunkRecord) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(batch))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rag_chunks (
			id, collection, source_url, page_title, chunk_text, chunk_index,
			char_offset, domain, source_type, crawled_at, embedding, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			collection = EXCLUDED.collection,
			page_title = EXCLUDED.page_title,
			chunk_text = EXCLUDED.chunk_text,
			char_offset = EXCLUDED.char_offset,
			crawled_at = EXCLUDED.crawled_at,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, c := range batch {
		metadata, err := json.Marshal(c.Metadata())
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID,
			collection,
			c.SourceURL,
			c.PageTitle,
			c.Text,
			c.Index,
			c.Offset,
			c.Domain,
			string(c.SourceType),
			c.CrawledAt,
			pgvector.NewVector(vectors[i]),
			metadata,
		); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
