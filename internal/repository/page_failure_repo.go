package repository

import (
	"context"

	"github.com/user/web-ingest/internal/entity"
)

// PageFailureRepository keeps the per-page failure log of each crawl.
type PageFailureRepository interface {
	// SaveBatch inserts all failures of a crawl in one transaction.
	SaveBatch(ctx context.Context, failures []entity.PageFailure) error
	// ListByCrawl returns up to limit failures of a crawl, oldest first.
	ListByCrawl(ctx context.Context, crawlID string, limit int) ([]entity.PageFailure, error)
}
