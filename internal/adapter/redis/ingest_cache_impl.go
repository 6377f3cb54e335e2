package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/web-ingest/pkg/utils"
)

const ingestedSeedPrefix = "webingest:ingested:"

// IngestCacheRepoImpl keeps recently ingested seeds as expiring Redis keys.
type IngestCacheRepoImpl struct {
	client *redis.Client
}

func NewIngestCacheRepo(client *redis.Client) *IngestCacheRepoImpl {
	return &IngestCacheRepoImpl{client: client}
}

// key hashes the normalized seed so the key length is bounded.
func (r *IngestCacheRepoImpl) key(seed string) string {
	if normalized, err := utils.NormalizeURL(seed); err == nil {
		seed = normalized
	}
	return ingestedSeedPrefix + utils.HashURL(seed)
}

func (r *IngestCacheRepoImpl) MarkIngested(ctx context.Context, seed string, ttl time.Duration) error {
	return r.client.SetEx(ctx, r.key(seed), "1", ttl).Err()
}

func (r *IngestCacheRepoImpl) IsIngested(ctx context.Context, seed string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(seed)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *IngestCacheRepoImpl) Forget(ctx context.Context, seed string) error {
	return r.client.Del(ctx, r.key(seed)).Err()
}
