package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/internal/repository"
	"github.com/user/web-ingest/pkg/metrics"
)

const (
	DefaultPollInterval       = time.Second
	DefaultCancelPollInterval = 500 * time.Millisecond

	progressSaveInterval = time.Second
)

// WorkerConfig controls how crawl jobs are pulled off the queue.
type WorkerConfig struct {
	Concurrency        int
	PollInterval       time.Duration
	CancelPollInterval time.Duration
}

// Worker runs queued crawl jobs through the ingest pipeline.
type Worker interface {
	// ProcessNext runs at most one job and reports whether one was found.
	ProcessNext(ctx context.Context) (bool, error)
	// Run processes jobs until ctx is cancelled.
	Run(ctx context.Context) error
}

type workerUseCase struct {
	cfg      WorkerConfig
	jobs     repository.CrawlJobRepository
	queue    repository.QueueRepository
	ingestor Ingestor
	logger   *zap.Logger
}

// NewWorkerUseCase creates a new instance of the worker use case.
func NewWorkerUseCase(cfg WorkerConfig, jobs repository.CrawlJobRepository, queue repository.QueueRepository, ingestor Ingestor, logger *zap.Logger) Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = DefaultCancelPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &workerUseCase{cfg: cfg, jobs: jobs, queue: queue, ingestor: ingestor, logger: logger}
}

func (w *workerUseCase) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Concurrency {
		g.Go(func() error {
			logger := w.logger.With(zap.Int("worker", i))
			for ctx.Err() == nil {
				found, err := w.ProcessNext(ctx)
				if err != nil {
					logger.Error("failed to process crawl job", zap.Error(err))
				}
				if found && err == nil {
					continue
				}
				select {
				case <-ctx.Done():
				case <-time.After(w.cfg.PollInterval):
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *workerUseCase) ProcessNext(ctx context.Context) (bool, error) {
	id, err := w.queue.Pop(ctx)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to pop crawl job: %w", err)
	}
	if size, err := w.queue.Size(ctx); err == nil {
		metrics.JobsInQueue.Set(float64(size))
	}

	job, err := w.jobs.Find(ctx, id)
	if errors.Is(err, repository.ErrJobNotFound) {
		w.logger.Warn("queued crawl job has expired", zap.String("crawl_id", id))
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("failed to load crawl job %s: %w", id, err)
	}
	if job.Status.Terminal() {
		return true, nil
	}

	// Jobs cancelled while still queued never start.
	if cancelled, err := w.jobs.IsCancelRequested(ctx, id); err == nil && cancelled {
		now := time.Now().UTC()
		job.Status = entity.JobAborted
		job.FinishedAt = &now
		return true, w.jobs.Save(context.WithoutCancel(ctx), job)
	}

	return true, w.run(ctx, job)
}

func (w *workerUseCase) run(ctx context.Context, job *entity.CrawlJob) error {
	logger := w.logger.With(zap.String("crawl_id", job.ID))

	started := time.Now().UTC()
	job.Status = entity.JobRunning
	job.StartedAt = &started
	if err := w.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to mark crawl job running: %w", err)
	}

	crawlCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		w.watchCancel(crawlCtx, job.ID, cancel, logger)
	}()

	saveCtx := context.WithoutCancel(ctx)
	lastSave := time.Now()
	progress := func(e entity.ProgressEvent) {
		switch e.Status {
		case entity.ProgressSuccess:
			job.PagesIngested++
		case entity.ProgressFailed:
			job.PagesFailed++
		case entity.ProgressBlockedByRobots:
			job.PagesBlocked++
		default:
			return
		}
		if time.Since(lastSave) < progressSaveInterval {
			return
		}
		lastSave = time.Now()
		if err := w.jobs.Save(saveCtx, job); err != nil {
			logger.Warn("failed to save crawl progress", zap.Error(err))
		}
	}

	report, err := w.ingestor.Ingest(crawlCtx, job.ID, job.Request, progress)
	cancel()
	<-watchDone

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	if report != nil {
		job.Collection = report.Collection
		job.PagesIngested = report.PagesIngested
		job.PagesFailed = report.PagesFailed
		job.PagesBlocked = report.PagesBlocked
		job.PageBudget = report.PageBudget
		job.ChunksProduced = report.ChunksProduced
		job.ChunksDropped = report.ChunksDropped
		job.ChunksIndexed = report.ChunksIndexed
	}
	switch {
	case err != nil:
		job.Status = entity.JobFailed
		job.FailureReason = err.Error()
		logger.Error("crawl job failed", zap.Error(err))
	case report.State == entity.CrawlAborted:
		job.Status = entity.JobAborted
		logger.Info("crawl job aborted", zap.Int("pages", job.PagesIngested))
	default:
		job.Status = entity.JobCompleted
		logger.Info("crawl job completed", zap.Int("pages", job.PagesIngested), zap.Int("chunks", job.ChunksIndexed))
	}

	if err := w.jobs.Save(saveCtx, job); err != nil {
		return fmt.Errorf("failed to save crawl job result: %w", err)
	}
	return nil
}

// watchCancel polls the job's cancel flag and cancels the crawl when it is set.
func (w *workerUseCase) watchCancel(ctx context.Context, id string, cancel context.CancelFunc, logger *zap.Logger) {
	ticker := time.NewTicker(w.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.jobs.IsCancelRequested(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("failed to check cancel flag", zap.Error(err))
				}
				continue
			}
			if requested {
				logger.Info("cancelling crawl")
				cancel()
				return
			}
		}
	}
}
