package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/pkg/metrics"
)

const (
	DefaultConcurrency   = 2
	DefaultPagesPerLevel = 10
	DefaultMaxPages      = 50
)

var (
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrSchedulerUsed    = errors.New("scheduler already ran a crawl")
)

// Authorizer is the politeness gate as seen by the scheduler.
type Authorizer interface {
	Authorize(ctx context.Context, url string) (Decision, error)
}

// Result describes how a crawl ended. Err is set only when the crawl produced
// no content at all; it wraps ErrNoContent and the seed's own failure.
type Result struct {
	State         entity.CrawlState
	PagesIngested int
	PagesFailed   int
	PagesBlocked  int
	Dequeued      int
	Budget        int
	Err           error
}

// Scheduler runs one bounded breadth-first crawl. A new Scheduler is needed
// for every crawl; the frontier and seen-set are owned by Run's goroutine.
type Scheduler struct {
	gate      Authorizer
	fetcher   PageFetcher
	extractor *Extractor

	concurrency   int
	pagesPerLevel int
	maxPages      int
	progress      func(entity.ProgressEvent)
	logger        *zap.Logger

	state atomic.Value // entity.CrawlState
}

type SchedulerOption func(*Scheduler)

// WithConcurrency bounds the number of URLs in flight. Requests to the same
// domain are still serialized by the gate.
func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithPageBudget sets how many pages each depth level may add per seed and the
// hard cap on pages per crawl.
func WithPageBudget(pagesPerLevel, maxPages int) SchedulerOption {
	return func(s *Scheduler) {
		if pagesPerLevel > 0 {
			s.pagesPerLevel = pagesPerLevel
		}
		if maxPages > 0 {
			s.maxPages = maxPages
		}
	}
}

// WithProgress registers a callback invoked from the crawl loop for every
// frontier entry it handles.
func WithProgress(fn func(entity.ProgressEvent)) SchedulerOption {
	return func(s *Scheduler) { s.progress = fn }
}

func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewScheduler(gate Authorizer, fetcher PageFetcher, extractor *Extractor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		gate:          gate,
		fetcher:       fetcher,
		extractor:     extractor,
		concurrency:   DefaultConcurrency,
		pagesPerLevel: DefaultPagesPerLevel,
		maxPages:      DefaultMaxPages,
		progress:      func(entity.ProgressEvent) {},
		logger:        zap.NewNop(),
	}
	if s.extractor == nil {
		s.extractor = NewExtractor()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(entity.CrawlPending)
	return s
}

// State returns the current state of the crawl.
func (s *Scheduler) State() entity.CrawlState {
	return s.state.Load().(entity.CrawlState)
}

type visitResult struct {
	entry     entity.FrontierEntry
	page      *entity.PageRecord
	links     []string
	blocked   bool
	cancelled bool
	err       error
}

// Run crawls from the request's seeds, handing every extracted page to sink.
// Cancelling ctx stops the crawl before the next dequeue; fetches already in
// flight finish and their pages are still delivered.
func (s *Scheduler) Run(ctx context.Context, req entity.CrawlRequest, sink func(entity.PageRecord)) Result {
	if !s.state.CompareAndSwap(entity.CrawlPending, entity.CrawlRunning) {
		return Result{State: s.State(), Err: ErrSchedulerUsed}
	}

	res := Result{Budget: req.PageBudget(s.pagesPerLevel, s.maxPages)}
	discoverer := NewDiscoverer(req.Domains(), req.AllowCrossDomain)

	front := newFrontier()
	for _, seed := range req.Seeds {
		front.push(entity.FrontierEntry{URL: seed, Depth: 0})
	}

	var (
		results   = make(chan visitResult)
		inflight  int
		cancelled int
		seedErr   error
	)

	for {
		for inflight < s.concurrency && ctx.Err() == nil && res.PagesIngested+inflight < res.Budget {
			entry, ok := front.pop()
			if !ok {
				break
			}
			inflight++
			res.Dequeued++
			s.progress(entity.ProgressEvent{URL: entry.URL, Depth: entry.Depth, Status: entity.ProgressCrawling})
			go func() {
				results <- s.visit(ctx, req, discoverer, entry)
			}()
		}
		if inflight == 0 {
			break
		}

		r := <-results
		inflight--

		switch {
		case r.cancelled:
			cancelled++
		case r.blocked:
			res.PagesBlocked++
			metrics.PagesTotal.WithLabelValues("blocked").Inc()
			if r.entry.Depth == 0 && seedErr == nil {
				seedErr = fmt.Errorf("%s: %w", r.entry.URL, ErrRobotsDisallowed)
			}
			s.progress(entity.ProgressEvent{URL: r.entry.URL, Depth: r.entry.Depth, Status: entity.ProgressBlockedByRobots})
		case r.err != nil:
			res.PagesFailed++
			metrics.PagesTotal.WithLabelValues("failed").Inc()
			if r.entry.Depth == 0 && seedErr == nil {
				seedErr = r.err
			}
			s.logger.Info("page skipped", zap.String("url", r.entry.URL), zap.Int("depth", r.entry.Depth), zap.Error(r.err))
			s.progress(entity.ProgressEvent{URL: r.entry.URL, Depth: r.entry.Depth, Status: entity.ProgressFailed, Err: r.err})
		default:
			res.PagesIngested++
			metrics.PagesTotal.WithLabelValues("success").Inc()
			sink(*r.page)
			s.progress(entity.ProgressEvent{URL: r.entry.URL, Depth: r.entry.Depth, Status: entity.ProgressSuccess})
			for _, link := range r.links {
				front.push(entity.FrontierEntry{URL: link, Depth: r.entry.Depth + 1})
			}
		}
	}

	res.State = entity.CrawlCompleted
	if ctx.Err() != nil && (cancelled > 0 || front.len() > 0) {
		res.State = entity.CrawlAborted
	}
	if res.PagesIngested == 0 && res.State == entity.CrawlCompleted {
		if seedErr != nil {
			res.Err = fmt.Errorf("crawl produced no content: %w: %w", ErrNoContent, seedErr)
		} else {
			res.Err = fmt.Errorf("crawl produced no content: %w", ErrNoContent)
		}
	}
	s.state.Store(res.State)

	s.logger.Info("crawl finished",
		zap.String("state", string(res.State)),
		zap.Int("pages_ingested", res.PagesIngested),
		zap.Int("pages_failed", res.PagesFailed),
		zap.Int("pages_blocked", res.PagesBlocked),
		zap.Int("budget", res.Budget),
	)
	return res
}

// visit runs gate, fetch, extract and link discovery for one entry. It does
// not touch the frontier.
func (s *Scheduler) visit(ctx context.Context, req entity.CrawlRequest, discoverer *Discoverer, entry entity.FrontierEntry) visitResult {
	r := visitResult{entry: entry}

	decision, err := s.gate.Authorize(ctx, entry.URL)
	if err != nil {
		if ctx.Err() != nil {
			r.cancelled = true
			return r
		}
		r.err = err
		return r
	}
	if !decision.Allow {
		r.blocked = true
		return r
	}

	// Once permitted, the fetch runs to completion even if the crawl is cancelled.
	fetchCtx := context.WithoutCancel(ctx)
	fetched, err := s.fetcher.Fetch(fetchCtx, entry.URL)
	if errors.Is(err, ErrRobotsDisallowed) {
		r.blocked = true
		return r
	}
	if err != nil {
		r.err = err
		return r
	}

	var extraction Extraction
	if fetched.Extraction != nil {
		extraction = *fetched.Extraction
	} else {
		extraction, err = s.extractor.Extract(fetched.HTML, entry.URL)
		if err != nil {
			r.err = err
			return r
		}
	}

	r.page = &entity.PageRecord{
		URL:       entry.URL,
		Title:     extraction.Title,
		Text:      extraction.Text,
		Domain:    hostOf(entry.URL),
		Depth:     entry.Depth,
		Rendered:  fetched.Rendered,
		FetchedAt: time.Now().UTC(),
	}

	if entry.Depth+1 < req.MaxDepth {
		base := fetched.URL
		if base == "" {
			base = entry.URL
		}
		r.links = discoverer.Discover(fetched.HTML, base)
	}
	return r
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// frontier is the BFS queue plus the seen-set. A URL is marked seen when it is
// queued, so it can be dequeued at most once per crawl.
type frontier struct {
	queue []entity.FrontierEntry
	seen  map[string]struct{}
}

func newFrontier() *frontier {
	return &frontier{seen: make(map[string]struct{})}
}

func (f *frontier) push(e entity.FrontierEntry) bool {
	if _, ok := f.seen[e.URL]; ok {
		return false
	}
	f.seen[e.URL] = struct{}{}
	f.queue = append(f.queue, e)
	return true
}

func (f *frontier) pop() (entity.FrontierEntry, bool) {
	if len(f.queue) == 0 {
		return entity.FrontierEntry{}, false
	}
	e := f.queue[0]
	f.queue[0] = entity.FrontierEntry{}
	f.queue = f.queue[1:]
	return e, true
}

func (f *frontier) len() int { return len(f.queue) }
