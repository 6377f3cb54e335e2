package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/internal/repository"
	"github.com/user/web-ingest/pkg/metrics"
)

const (
	DefaultIngestCacheTTL = 24 * time.Hour
	DefaultDepth          = 2

	failureListLimit = 100
)

var (
	ErrRecentlyIngested = errors.New("seed was ingested recently")
	ErrJobFinished      = errors.New("crawl job already finished")
)

// CrawlStatus is a job record together with the pages it skipped.
type CrawlStatus struct {
	Job      *entity.CrawlJob
	Failures []entity.PageFailure
}

// CrawlManager accepts crawl requests and reports on their progress.
type CrawlManager interface {
	Submit(ctx context.Context, req entity.CrawlRequest) (*entity.CrawlJob, error)
	GetStatus(ctx context.Context, id string) (*CrawlStatus, error)
	Cancel(ctx context.Context, id string) (*entity.CrawlJob, error)
}

type crawlManagerUseCase struct {
	jobs         repository.CrawlJobRepository
	queue        repository.QueueRepository
	cache        repository.IngestCacheRepository
	failures     repository.PageFailureRepository
	defaultDepth int
	logger       *zap.Logger
}

// NewCrawlManagerUseCase creates a new instance of the crawl manager use case.
// cache and failures may be nil.
func NewCrawlManagerUseCase(
	jobs repository.CrawlJobRepository,
	queue repository.QueueRepository,
	cache repository.IngestCacheRepository,
	failures repository.PageFailureRepository,
	defaultDepth int,
	logger *zap.Logger,
) CrawlManager {
	if defaultDepth <= 0 {
		defaultDepth = DefaultDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &crawlManagerUseCase{
		jobs:         jobs,
		queue:        queue,
		cache:        cache,
		failures:     failures,
		defaultDepth: defaultDepth,
		logger:       logger,
	}
}

func (uc *crawlManagerUseCase) Submit(ctx context.Context, req entity.CrawlRequest) (*entity.CrawlJob, error) {
	if req.MaxDepth == 0 {
		req.MaxDepth = uc.defaultDepth
	}
	req, err := req.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if uc.cache != nil {
		for _, seed := range req.Seeds {
			if req.Force {
				if err := uc.cache.Forget(ctx, seed); err != nil {
					uc.logger.Warn("failed to clear ingest cache", zap.String("seed", seed), zap.Error(err))
				}
				continue
			}
			done, err := uc.cache.IsIngested(ctx, seed)
			if err != nil {
				uc.logger.Warn("failed to check ingest cache", zap.String("seed", seed), zap.Error(err))
				continue
			}
			if done {
				return nil, fmt.Errorf("%s: %w", seed, ErrRecentlyIngested)
			}
		}
	}

	job := &entity.CrawlJob{
		ID:         uuid.NewString(),
		Request:    req,
		Collection: req.Collection(),
		Status:     entity.JobPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save crawl job: %w", err)
	}
	if err := uc.queue.Push(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue crawl job: %w", err)
	}
	if size, err := uc.queue.Size(ctx); err == nil {
		metrics.JobsInQueue.Set(float64(size))
	}

	uc.logger.Info("crawl job submitted",
		zap.String("crawl_id", job.ID),
		zap.Strings("seeds", req.Seeds),
		zap.Int("max_depth", req.MaxDepth),
	)
	return job, nil
}

func (uc *crawlManagerUseCase) GetStatus(ctx context.Context, id string) (*CrawlStatus, error) {
	job, err := uc.jobs.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	status := &CrawlStatus{Job: job}
	if uc.failures != nil {
		failures, err := uc.failures.ListByCrawl(ctx, id, failureListLimit)
		if err != nil {
			uc.logger.Warn("failed to list page failures", zap.String("crawl_id", id), zap.Error(err))
		}
		status.Failures = failures
	}
	return status, nil
}

// Cancel flags a pending or running job. The worker that owns the job stops
// dequeuing and still indexes the pages already fetched.
func (uc *crawlManagerUseCase) Cancel(ctx context.Context, id string) (*entity.CrawlJob, error) {
	job, err := uc.jobs.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, ErrJobFinished
	}
	if err := uc.jobs.RequestCancel(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}
	uc.logger.Info("crawl cancellation requested", zap.String("crawl_id", id))
	return job, nil
}
