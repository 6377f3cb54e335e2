package repository

import (
	"context"

	"github.com/user/web-ingest/internal/entity"
)

// CrawlJobRepository stores the status record of each crawl job.
type CrawlJobRepository interface {
	// Save creates or replaces the job record.
	Save(ctx context.Context, job *entity.CrawlJob) error
	// Find returns ErrJobNotFound for unknown IDs.
	Find(ctx context.Context, id string) (*entity.CrawlJob, error)
	// RequestCancel flags a job for cancellation. The worker running it polls
	// the flag with IsCancelRequested.
	RequestCancel(ctx context.Context, id string) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)
}
