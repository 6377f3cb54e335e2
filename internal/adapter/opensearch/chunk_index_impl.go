package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"go.uber.org/zap"

	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/internal/repository"
	"github.com/user/web-ingest/pkg/utils"
)

const defaultBatchSize = 100

// ChunkIndexRepository writes chunks to an OpenSearch index named after the
// collection, using the bulk API. Embeddings are attached when an embedder is
// configured.
type ChunkIndexRepository struct {
	client    *opensearch.Client
	embedder  repository.Embedder
	batchSize int
	logger    *zap.Logger
}

func NewChunkIndexRepository(client *opensearch.Client, embedder repository.Embedder, logger *zap.Logger) *ChunkIndexRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkIndexRepository{client: client, embedder: embedder, batchSize: defaultBatchSize, logger: logger}
}

type chunkDocument struct {
	Text       string         `json:"text"`
	SourceURL  string         `json:"source_url"`
	PageTitle  string         `json:"page_title"`
	ChunkIndex int            `json:"chunk_index"`
	Offset     int            `json:"char_offset"`
	Domain     string         `json:"domain"`
	SourceType string         `json:"source_type"`
	CrawlDate  string         `json:"crawl_date"`
	Metadata   map[string]any `json:"metadata"`
	Embedding  []float32      `json:"embedding,omitempty"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (r *ChunkIndexRepository) Index(ctx context.Context, collection string, chunks iter.Seq[entity.ChunkRecord]) (int, error) {
	if collection == "" {
		return 0, errors.New("collection is required")
	}

	indexed := 0
	for batch := range utils.Batch(chunks, r.batchSize) {
		n, err := r.bulk(ctx, collection, batch)
		indexed += n
		if err != nil {
			return indexed, err
		}
	}
	return indexed, nil
}

func (r *ChunkIndexRepository) bulk(ctx context.Context, collection string, batch []entity.ChunkRecord) (int, error) {
	var vectors [][]float32
	if r.embedder != nil {
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		var err error
		if vectors, err = r.embedder.Embed(ctx, texts); err != nil {
			return 0, fmt.Errorf("embed chunks: %w", err)
		}
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for i, c := range batch {
		if err := enc.Encode(map[string]any{"index": map[string]string{"_id": c.ID}}); err != nil {
			return 0, fmt.Errorf("encode bulk action: %w", err)
		}
		metadata := c.Metadata()
		doc := chunkDocument{
			Text:       c.Text,
			SourceURL:  c.SourceURL,
			PageTitle:  c.PageTitle,
			ChunkIndex: c.Index,
			Offset:     c.Offset,
			Domain:     c.Domain,
			SourceType: string(c.SourceType),
			CrawlDate:  c.CrawledAt.UTC().Format(time.RFC3339),
			Metadata:   metadata,
		}
		if i < len(vectors) {
			doc.Embedding = vectors[i]
		}
		if err := enc.Encode(doc); err != nil {
			return 0, fmt.Errorf("encode chunk %s: %w", c.ID, err)
		}
	}

	req := opensearchapi.BulkRequest{
		Index: collection,
		Body:  &body,
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return 0, fmt.Errorf("failed to execute bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, fmt.Errorf("error indexing chunks: %s", res.String())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return len(batch), nil
	}

	var reasons []string
	ok := 0
	for _, item := range parsed.Items {
		for _, result := range item {
			if result.Error == nil && result.Status < 300 {
				ok++
				continue
			}
			if result.Error != nil {
				reasons = append(reasons, fmt.Sprintf("%s: %s", result.ID, result.Error.Reason))
			}
		}
	}
	r.logger.Warn("bulk request partially failed", zap.String("collection", collection), zap.Int("failed", len(batch)-ok))
	return ok, fmt.Errorf("bulk index %s: %d of %d chunks failed: %s", collection, len(batch)-ok, len(batch), strings.Join(reasons, "; "))
}
