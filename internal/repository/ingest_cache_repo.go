package repository

import (
	"context"
	"time"
)

// IngestCacheRepository remembers seeds that were ingested recently so the
// same site is not crawled again within the TTL.
type IngestCacheRepository interface {
	// MarkIngested records the seed with the given expiry.
	MarkIngested(ctx context.Context, seed string, ttl time.Duration) error
	// IsIngested reports whether the seed was ingested within its TTL.
	IsIngested(ctx context.Context, seed string) (bool, error)
	// Forget removes the seed, used when a crawl is forced.
	Forget(ctx context.Context, seed string) error
}
