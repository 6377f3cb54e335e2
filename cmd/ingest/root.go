package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/web-ingest/internal/adapter/chromedp_renderer"
	"github.com/user/web-ingest/internal/adapter/jsonl"
	"github.com/user/web-ingest/internal/chunker"
	"github.com/user/web-ingest/internal/crawler"
	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/internal/usecase"
	"github.com/user/web-ingest/pkg/config"
	"github.com/user/web-ingest/pkg/logger"
)

type options struct {
	envFile        string
	out            string
	depth          int
	maxPages       int
	crossDomain    bool
	chunkSize      int
	chunkTokens    int
	chunkOverlap   int
	overlapSet     bool
	dedupThreshold float64
	rateLimit      time.Duration
	format         string
	render         bool
	jsonReport     bool
}

// newRootCmd returns the command that crawls seeds once and writes the
// resulting chunks as JSON lines, without any backing services.
func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "ingest [flags] URL...",
		Short:         "Crawl websites and write RAG-ready chunks as JSON lines",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.overlapSet = cmd.Flags().Changed("chunk-overlap")
			return runIngest(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.envFile, "env", "", "optional env file with service defaults")
	f.StringVarP(&opts.out, "out", "o", "-", "output file for chunks, - for stdout")
	f.IntVarP(&opts.depth, "depth", "d", 0, "maximum crawl depth, 1 fetches only the seeds (default from DEFAULT_MAX_DEPTH)")
	f.IntVar(&opts.maxPages, "max-pages", 0, "stop after this many pages")
	f.BoolVar(&opts.crossDomain, "cross-domain", false, "follow links to other domains")
	f.IntVar(&opts.chunkSize, "chunk-size", 0, "chunk size in characters")
	f.IntVar(&opts.chunkTokens, "chunk-tokens", 0, "chunk size in approximate tokens, used when --chunk-size is not set")
	f.IntVar(&opts.chunkOverlap, "chunk-overlap", 0, "chunk overlap in characters, 0 disables overlap (default from CHUNK_OVERLAP)")
	f.Float64Var(&opts.dedupThreshold, "dedup-threshold", 0, "drop chunks more similar than this to an earlier chunk")
	f.DurationVar(&opts.rateLimit, "rate-limit", 0, "minimum interval between requests to one domain")
	f.StringVar(&opts.format, "format", "", "extracted text format: text|markdown")
	f.BoolVar(&opts.render, "render", false, "fall back to headless Chrome for script-rendered pages")
	f.BoolVar(&opts.jsonReport, "json", false, "print the crawl report as JSON on stderr")
	return cmd
}

func runIngest(cmd *cobra.Command, opts options, seeds []string) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	if opts.format != "" {
		cfg.ExtractFormat = opts.format
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	var out io.Writer = cmd.OutOrStdout()
	if opts.out != "-" {
		file, err := os.Create(opts.out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		out = file
	}

	ingestOpts := []usecase.IngestOption{usecase.WithLogger(log)}
	if opts.render {
		renderer := chromedp_renderer.NewRenderer(cfg.MaxConcurrency, cfg.UserAgent, cfg.RenderTimeout, cfg.RenderSettle, log)
		defer renderer.Close()
		ingestOpts = append(ingestOpts, usecase.WithRenderer(renderer))
	}
	ingestor := usecase.NewIngestUseCase(usecase.NewPipelineConfig(cfg), jsonl.NewChunkWriter(out), ingestOpts...)

	req := opts.crawlRequest(seeds, cfg.DefaultMaxDepth)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := ingestor.Ingest(ctx, "cli", req, func(e entity.ProgressEvent) {
		if e.Status == entity.ProgressFailed {
			kind, _ := crawler.FailureKind(e.Err)
			log.Warn("page skipped", zap.String("url", e.URL), zap.String("kind", kind))
		}
	})
	if report != nil {
		printReport(cmd.ErrOrStderr(), report, opts.jsonReport)
	}
	return err
}

// crawlRequest builds the crawl from the flags. The overlap is only passed on
// when --chunk-overlap was given, so an explicit 0 overrides the configuration.
func (o options) crawlRequest(seeds []string, defaultDepth int) entity.CrawlRequest {
	depth := o.depth
	if depth == 0 {
		depth = defaultDepth
	}
	chunkSize := o.chunkSize
	if chunkSize == 0 && o.chunkTokens > 0 {
		chunkSize = chunker.TokensToChars(o.chunkTokens)
	}
	req := entity.CrawlRequest{
		Seeds:             seeds,
		MaxDepth:          depth,
		MaxPages:          o.maxPages,
		AllowCrossDomain:  o.crossDomain,
		ChunkSize:         chunkSize,
		DedupThreshold:    o.dedupThreshold,
		RateLimitInterval: o.rateLimit,
	}
	if o.overlapSet {
		overlap := o.chunkOverlap
		req.ChunkOverlap = &overlap
	}
	return req
}

func printReport(w io.Writer, r *entity.IngestReport, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r)
		return
	}
	fmt.Fprintf(w, "crawl %s: %d pages ingested, %d failed, %d blocked (budget %d)\n",
		r.State, r.PagesIngested, r.PagesFailed, r.PagesBlocked, r.PageBudget)
	fmt.Fprintf(w, "chunks: %d produced, %d dropped as duplicates, %d written to %s\n",
		r.ChunksProduced, r.ChunksDropped, r.ChunksIndexed, r.Collection)
}
