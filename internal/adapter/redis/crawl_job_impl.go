package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/internal/repository"
)

const (
	crawlJobPrefix = "webingest:job:"
	cancelSuffix   = ":cancel"

	DefaultJobTTL = 7 * 24 * time.Hour
)

// CrawlJobRepoImpl stores crawl job records as JSON strings. Records and
// cancel flags expire after the configured TTL.
type CrawlJobRepoImpl struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCrawlJobRepo(client *redis.Client, ttl time.Duration) *CrawlJobRepoImpl {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	return &CrawlJobRepoImpl{client: client, ttl: ttl}
}

func (r *CrawlJobRepoImpl) Save(ctx context.Context, job *entity.CrawlJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal crawl job %s: %w", job.ID, err)
	}
	if err := r.client.Set(ctx, crawlJobPrefix+job.ID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save crawl job %s: %w", job.ID, err)
	}
	return nil
}

func (r *CrawlJobRepoImpl) Find(ctx context.Context, id string) (*entity.CrawlJob, error) {
	data, err := r.client.Get(ctx, crawlJobPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load crawl job %s: %w", id, err)
	}

	var job entity.CrawlJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode crawl job %s: %w", id, err)
	}
	return &job, nil
}

func (r *CrawlJobRepoImpl) RequestCancel(ctx context.Context, id string) error {
	return r.client.Set(ctx, crawlJobPrefix+id+cancelSuffix, "1", r.ttl).Err()
}

func (r *CrawlJobRepoImpl) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, crawlJobPrefix+id+cancelSuffix).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
