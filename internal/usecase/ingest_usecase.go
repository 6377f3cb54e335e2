package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/user/web-ingest/internal/chunker"
	"github.com/user/web-ingest/internal/crawler"
	"github.com/user/web-ingest/internal/dedupe"
	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/internal/repository"
	"github.com/user/web-ingest/pkg/config"
	"github.com/user/web-ingest/pkg/metrics"
)

var (
	ErrInvalidRequest = errors.New("invalid crawl request")
	ErrIndexFailed    = errors.New("indexing failed")
)

// PipelineConfig holds the defaults a crawl request may override.
type PipelineConfig struct {
	UserAgent             string
	RequestTimeout        time.Duration
	RateLimitInterval     time.Duration
	MaxCrawlDelay         time.Duration
	CrawlConcurrency      int
	MinTextLength         int
	FallbackMinTextLength int
	ExtractFormat         crawler.Format
	ChunkSize             int
	ChunkOverlap          int
	DedupThreshold        float64
	PagesPerLevel         int
	MaxPages              int
	IngestCacheTTL        time.Duration
	IndexTimeout          time.Duration
}

func NewPipelineConfig(cfg *config.Config) PipelineConfig {
	return PipelineConfig{
		UserAgent:             cfg.UserAgent,
		RequestTimeout:        cfg.RequestTimeout,
		RateLimitInterval:     cfg.RateLimitInterval,
		MaxCrawlDelay:         cfg.MaxCrawlDelay,
		CrawlConcurrency:      cfg.CrawlConcurrency,
		MinTextLength:         cfg.MinTextLength,
		FallbackMinTextLength: cfg.FallbackMinTextLength,
		ExtractFormat:         crawler.Format(cfg.ExtractFormat),
		ChunkSize:             cfg.ChunkSize,
		ChunkOverlap:          cfg.ChunkOverlap,
		DedupThreshold:        cfg.DedupThreshold,
		PagesPerLevel:         cfg.PagesPerLevel,
		MaxPages:              cfg.MaxPages,
		IngestCacheTTL:        cfg.IngestCacheTTL,
		IndexTimeout:          cfg.IndexTimeout,
	}
}

// Ingestor runs one crawl through chunking, deduplication and indexing.
type Ingestor interface {
	Ingest(ctx context.Context, crawlID string, req entity.CrawlRequest, progress func(entity.ProgressEvent)) (*entity.IngestReport, error)
}

type ingestUseCase struct {
	cfg        PipelineConfig
	httpClient *http.Client
	renderer   crawler.Renderer
	indexer    repository.ChunkIndexer
	failures   repository.PageFailureRepository
	cache      repository.IngestCacheRepository
	logger     *zap.Logger
}

type IngestOption func(*ingestUseCase)

// WithRenderer enables the headless browser fallback for every crawl.
func WithRenderer(r crawler.Renderer) IngestOption {
	return func(uc *ingestUseCase) { uc.renderer = r }
}

// WithFailureLog records every skipped page.
func WithFailureLog(repo repository.PageFailureRepository) IngestOption {
	return func(uc *ingestUseCase) { uc.failures = repo }
}

// WithIngestCache marks seeds as recently ingested after a crawl with content.
func WithIngestCache(repo repository.IngestCacheRepository) IngestOption {
	return func(uc *ingestUseCase) { uc.cache = repo }
}

func WithHTTPClient(c *http.Client) IngestOption {
	return func(uc *ingestUseCase) { uc.httpClient = c }
}

func WithLogger(l *zap.Logger) IngestOption {
	return func(uc *ingestUseCase) {
		if l != nil {
			uc.logger = l
		}
	}
}

// NewIngestUseCase creates a new instance of the ingest use case.
func NewIngestUseCase(cfg PipelineConfig, indexer repository.ChunkIndexer, opts ...IngestOption) Ingestor {
	uc := &ingestUseCase{cfg: cfg, indexer: indexer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(uc)
	}
	if uc.httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = crawler.DefaultRequestTimeout
		}
		uc.httpClient = &http.Client{Timeout: timeout}
	}
	return uc
}

// Ingest crawls from the request's seeds and indexes the surviving chunks
// while the crawl is still running. Pages already fetched when ctx is
// cancelled are still indexed.
func (uc *ingestUseCase) Ingest(ctx context.Context, crawlID string, req entity.CrawlRequest, progress func(entity.ProgressEvent)) (*entity.IngestReport, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	chunkSize, chunkOverlap := uc.cfg.ChunkSize, uc.cfg.ChunkOverlap
	if req.ChunkSize > 0 {
		chunkSize = req.ChunkSize
	}
	switch {
	case req.ChunkOverlap != nil:
		chunkOverlap = *req.ChunkOverlap
	case chunkOverlap >= chunkSize:
		// The configured overlap does not fit a smaller requested size.
		chunkOverlap = 0
	}
	chunks, err := chunker.New(chunkSize, chunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	threshold := uc.cfg.DedupThreshold
	if req.DedupThreshold > 0 {
		threshold = req.DedupThreshold
	}
	filter := dedupe.New(threshold)

	collection := req.Collection()
	logger := uc.logger.With(zap.String("crawl_id", crawlID), zap.String("collection", collection))
	recorder := &failureRecorder{crawlID: crawlID, next: progress}
	sched := uc.newScheduler(req, logger, recorder.record)

	report := &entity.IngestReport{Collection: collection}
	start := time.Now()

	// Indexing runs beside the crawl and outlives a cancelled ctx.
	indexCtx := context.WithoutCancel(ctx)
	if uc.cfg.IndexTimeout > 0 {
		var cancel context.CancelFunc
		indexCtx, cancel = context.WithTimeout(indexCtx, uc.cfg.IndexTimeout)
		defer cancel()
	}
	pending := make(chan entity.ChunkRecord, 256)
	indexDone := make(chan struct{})
	var indexErr error
	go func() {
		defer close(indexDone)
		report.ChunksIndexed, indexErr = uc.indexer.Index(indexCtx, collection, drain(pending))
		for range pending {
		}
	}()

	sink := func(page entity.PageRecord) {
		produced := 0
		counted := func(yield func(entity.ChunkRecord) bool) {
			for c := range chunks.Chunk(page) {
				produced++
				if !yield(c) {
					return
				}
			}
		}
		for c := range filter.Apply(counted) {
			pending <- c
		}
		report.ChunksProduced += produced
	}

	res := sched.Run(ctx, req, sink)
	close(pending)
	<-indexDone

	report.State = res.State
	report.PagesIngested = res.PagesIngested
	report.PagesFailed = res.PagesFailed
	report.PagesBlocked = res.PagesBlocked
	report.PageBudget = res.Budget
	report.ChunksDropped = filter.Dropped()

	metrics.CrawlsTotal.WithLabelValues(string(res.State)).Inc()
	for _, domain := range req.Domains() {
		metrics.CrawlDuration.WithLabelValues(domain).Observe(time.Since(start).Seconds())
	}
	metrics.ChunksTotal.WithLabelValues("produced").Add(float64(report.ChunksProduced))
	metrics.ChunksTotal.WithLabelValues("dropped").Add(float64(report.ChunksDropped))
	metrics.ChunksTotal.WithLabelValues("indexed").Add(float64(report.ChunksIndexed))

	if uc.failures != nil && len(recorder.failures) > 0 {
		if err := uc.failures.SaveBatch(context.WithoutCancel(ctx), recorder.failures); err != nil {
			logger.Warn("failed to save page failures", zap.Int("count", len(recorder.failures)), zap.Error(err))
		}
	}

	logger.Info("ingest finished",
		zap.String("state", string(res.State)),
		zap.Int("pages", res.PagesIngested),
		zap.Int("chunks_produced", report.ChunksProduced),
		zap.Int("chunks_dropped", report.ChunksDropped),
		zap.Int("chunks_indexed", report.ChunksIndexed),
		zap.Duration("took", time.Since(start)),
	)

	if res.Err != nil {
		return report, res.Err
	}
	if indexErr != nil {
		return report, fmt.Errorf("%w: %w", ErrIndexFailed, indexErr)
	}

	if uc.cache != nil && res.PagesIngested > 0 {
		uc.markIngested(context.WithoutCancel(ctx), req.Seeds, logger)
	}
	return report, nil
}

func (uc *ingestUseCase) newScheduler(req entity.CrawlRequest, logger *zap.Logger, progress func(entity.ProgressEvent)) *crawler.Scheduler {
	interval := uc.cfg.RateLimitInterval
	if req.RateLimitInterval > 0 {
		interval = req.RateLimitInterval
	}
	gate := crawler.NewGate(uc.httpClient, uc.cfg.UserAgent, interval,
		crawler.WithGateLogger(logger),
		crawler.WithMaxCrawlDelay(uc.cfg.MaxCrawlDelay),
	)

	extractor := crawler.NewExtractor(
		crawler.WithMinTextLength(uc.cfg.MinTextLength),
		crawler.WithFormat(uc.cfg.ExtractFormat),
	)
	fallbackMin := uc.cfg.FallbackMinTextLength
	if fallbackMin <= 0 {
		fallbackMin = crawler.DefaultFallbackMinTextLength
	}
	fetchOpts := []crawler.FetcherOption{
		crawler.WithFitness(crawler.ContentFitness(extractor, fallbackMin)),
		crawler.WithFetcherLogger(logger),
	}
	if uc.renderer != nil {
		fetchOpts = append(fetchOpts, crawler.WithRenderer(uc.renderer), crawler.WithPacer(gate))
	}
	fetcher := crawler.NewFetcher(
		crawler.NewHTTPFetcher(uc.httpClient, uc.cfg.UserAgent, uc.cfg.RequestTimeout, crawler.WithRedirectGate(gate)),
		extractor, fetchOpts...)

	return crawler.NewScheduler(gate, fetcher, extractor,
		crawler.WithConcurrency(uc.cfg.CrawlConcurrency),
		crawler.WithPageBudget(uc.cfg.PagesPerLevel, uc.cfg.MaxPages),
		crawler.WithSchedulerLogger(logger),
		crawler.WithProgress(progress),
	)
}

// failureRecorder forwards scheduler events and keeps a failure record for
// every page that was skipped. Events arrive on a single goroutine.
type failureRecorder struct {
	crawlID  string
	next     func(entity.ProgressEvent)
	failures []entity.PageFailure
}

func (r *failureRecorder) record(e entity.ProgressEvent) {
	if r.next != nil {
		r.next(e)
	}

	var failure entity.PageFailure
	switch e.Status {
	case entity.ProgressBlockedByRobots:
		failure = entity.PageFailure{Kind: entity.FailureRobotsBlocked, Reason: crawler.ErrRobotsDisallowed.Error()}
	case entity.ProgressFailed:
		kind, status := crawler.FailureKind(e.Err)
		failure = entity.PageFailure{Kind: kind, HTTPStatusCode: status}
		if e.Err != nil {
			failure.Reason = e.Err.Error()
		}
	default:
		return
	}
	failure.CrawlID = r.crawlID
	failure.URL = e.URL
	failure.Depth = e.Depth
	failure.AttemptedAt = time.Now().UTC()
	r.failures = append(r.failures, failure)
}

func (uc *ingestUseCase) markIngested(ctx context.Context, seeds []string, logger *zap.Logger) {
	ttl := uc.cfg.IngestCacheTTL
	if ttl <= 0 {
		ttl = DefaultIngestCacheTTL
	}
	for _, seed := range seeds {
		if err := uc.cache.MarkIngested(ctx, seed, ttl); err != nil {
			// The crawl itself succeeded; a missing cache entry only allows an early re-crawl.
			logger.Warn("failed to mark seed as ingested", zap.String("seed", seed), zap.Error(err))
		}
	}
}

// drain adapts a channel to a sequence that ends when the channel is closed.
func drain[T any](ch <-chan T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range ch {
			if !yield(v) {
				return
			}
		}
	}
}
