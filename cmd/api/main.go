package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/web-ingest/internal/adapter/chromedp_renderer"
	"github.com/user/web-ingest/internal/adapter/embedding"
	opensearch_adapter "github.com/user/web-ingest/internal/adapter/opensearch"
	"github.com/user/web-ingest/internal/adapter/postgres"
	redis_adapter "github.com/user/web-ingest/internal/adapter/redis"
	"github.com/user/web-ingest/internal/delivery/http/handler"
	"github.com/user/web-ingest/internal/delivery/http/router"
	"github.com/user/web-ingest/internal/repository"
	"github.com/user/web-ingest/internal/usecase"
	"github.com/user/web-ingest/pkg/config"
	"github.com/user/web-ingest/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	// --- Configuration ---
	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("service stopped with error", zap.Error(err))
	}
	log.Info("service exiting")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// --- Database Connections ---
	dbpool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer dbpool.Close()
	if err := dbpool.Ping(ctx); err != nil {
		return fmt.Errorf("unable to reach database: %w", err)
	}
	log.Info("PostgreSQL connection pool established")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("unable to connect to redis: %w", err)
	}
	log.Info("Redis connection established")

	// --- Repositories ---
	jobRepo := redis_adapter.NewCrawlJobRepo(rdb, cfg.JobTTL)
	queueRepo := redis_adapter.NewQueueRepo(rdb)
	cacheRepo := redis_adapter.NewIngestCacheRepo(rdb)
	failureRepo := postgres.NewPageFailureRepo(dbpool)
	if err := failureRepo.Migrate(ctx); err != nil {
		return err
	}

	embedder, err := embedding.NewClient(embedding.Config{
		Provider: cfg.EmbeddingProvider,
		APIURL:   cfg.EmbeddingAPIURL,
		APIKey:   cfg.EmbeddingAPIKey,
		Model:    cfg.EmbeddingModel,
	})
	if err != nil {
		return err
	}

	sqlDB := stdlib.OpenDBFromPool(dbpool)
	defer sqlDB.Close()
	indexer, err := newIndexer(ctx, cfg, sqlDB, embedder, log)
	if err != nil {
		return err
	}

	// --- Use Cases ---
	ingestOpts := []usecase.IngestOption{
		usecase.WithFailureLog(failureRepo),
		usecase.WithIngestCache(cacheRepo),
		usecase.WithLogger(log),
	}
	if cfg.RenderEnabled {
		renderer := chromedp_renderer.NewRenderer(cfg.MaxConcurrency, cfg.UserAgent, cfg.RenderTimeout, cfg.RenderSettle, log)
		defer renderer.Close()
		ingestOpts = append(ingestOpts, usecase.WithRenderer(renderer))
	}
	ingestor := usecase.NewIngestUseCase(usecase.NewPipelineConfig(cfg), indexer, ingestOpts...)
	manager := usecase.NewCrawlManagerUseCase(jobRepo, queueRepo, cacheRepo, failureRepo, cfg.DefaultMaxDepth, log)
	worker := usecase.NewWorkerUseCase(usecase.WorkerConfig{
		Concurrency:        cfg.MaxConcurrency,
		PollInterval:       cfg.WorkerPollInterval,
		CancelPollInterval: cfg.CancelPollInterval,
	}, jobRepo, queueRepo, ingestor, log)

	// --- HTTP Server ---
	apiHandler := handler.NewHandler(manager, map[string]handler.HealthCheck{
		"postgres": dbpool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, log)
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router.New(apiHandler, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on port %s: %w", cfg.ServerPort, err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("starting crawl workers", zap.Int("workers", cfg.MaxConcurrency))
		return worker.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newIndexer(ctx context.Context, cfg *config.Config, db *sql.DB, embedder *embedding.Client, log *zap.Logger) (repository.ChunkIndexer, error) {
	switch cfg.IndexBackend {
	case "opensearch":
		client, err := opensearch.NewClient(opensearch.Config{Addresses: []string{cfg.OpenSearchURL}})
		if err != nil {
			return nil, fmt.Errorf("create opensearch client: %w", err)
		}
		log.Info("indexing into OpenSearch", zap.String("url", cfg.OpenSearchURL))
		return opensearch_adapter.NewChunkIndexRepository(client, embedder, log), nil
	default:
		dims := cfg.EmbeddingDimensions
		if dims <= 0 {
			var err error
			if dims, err = embedder.Dimensions(ctx); err != nil {
				return nil, fmt.Errorf("detect embedding dimensions: %w", err)
			}
		}
		store := postgres.NewChunkStore(db, embedder, log)
		if err := store.Migrate(ctx, dims); err != nil {
			return nil, err
		}
		log.Info("indexing into pgvector", zap.Int("dimensions", dims))
		return store, nil
	}
}
