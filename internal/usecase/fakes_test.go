package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/internal/repository"
)

// pageHTML builds an article whose vocabulary is unique to word, so pages
// built from different words never look like duplicates.
func intPtr(n int) *int { return &n }

func pageHTML(word string, links ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body><article><h1>%s</h1>", word, word)
	for p := range 5 {
		b.WriteString("<p>")
		for i := range 12 {
			fmt.Fprintf(&b, "%s%d%d, ", word, p, i)
		}
		b.WriteString("and that closes the paragraph.</p>")
	}
	b.WriteString("</article><ul>")
	for _, l := range links {
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, l, l)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func newTestSite(t *testing.T, robots string, pages map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		if robots == "" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, robots)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fakeIndexer struct {
	mu          sync.Mutex
	collections []string
	chunks      []entity.ChunkRecord
	err         error
}

func (f *fakeIndexer) Index(_ context.Context, collection string, chunks iter.Seq[entity.ChunkRecord]) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections = append(f.collections, collection)
	n := 0
	for c := range chunks {
		f.chunks = append(f.chunks, c)
		n++
	}
	return n, nil
}

type fakeFailureRepo struct {
	mu       sync.Mutex
	failures []entity.PageFailure
}

func (f *fakeFailureRepo) SaveBatch(_ context.Context, failures []entity.PageFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failures...)
	return nil
}

func (f *fakeFailureRepo) ListByCrawl(_ context.Context, crawlID string, limit int) ([]entity.PageFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entity.PageFailure
	for _, pf := range f.failures {
		if pf.CrawlID == crawlID && len(out) < limit {
			out = append(out, pf)
		}
	}
	return out, nil
}

type fakeCache struct {
	mu     sync.Mutex
	seeds  map[string]time.Duration
	forgot []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{seeds: make(map[string]time.Duration)}
}

func (c *fakeCache) MarkIngested(_ context.Context, seed string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeds[seed] = ttl
	return nil
}

func (c *fakeCache) IsIngested(_ context.Context, seed string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seeds[seed]
	return ok, nil
}

func (c *fakeCache) Forget(_ context.Context, seed string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seeds, seed)
	c.forgot = append(c.forgot, seed)
	return nil
}

type fakeJobRepo struct {
	mu     sync.Mutex
	jobs   map[string]entity.CrawlJob
	cancel map[string]bool
	saves  int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]entity.CrawlJob), cancel: make(map[string]bool)}
}

func (r *fakeJobRepo) Save(_ context.Context, job *entity.CrawlJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	r.saves++
	return nil
}

func (r *fakeJobRepo) Find(_ context.Context, id string) (*entity.CrawlJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	return &job, nil
}

func (r *fakeJobRepo) RequestCancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel[id] = true
	return nil
}

func (r *fakeJobRepo) IsCancelRequested(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel[id], nil
}

func (r *fakeJobRepo) get(id string) entity.CrawlJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

type fakeQueue struct {
	mu    sync.Mutex
	items []string
	err   error
}

func (q *fakeQueue) Push(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, id)
	return nil
}

func (q *fakeQueue) Pop(_ context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	if len(q.items) == 0 {
		return "", redis.Nil
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, nil
}

func (q *fakeQueue) Size(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// stubIngestor returns a canned report, optionally after blocking until ctx
// is cancelled.
type stubIngestor struct {
	report     *entity.IngestReport
	err        error
	waitForCtx bool
	events     []entity.ProgressEvent

	mu    sync.Mutex
	calls []entity.CrawlRequest
}

func (s *stubIngestor) Ingest(ctx context.Context, _ string, req entity.CrawlRequest, progress func(entity.ProgressEvent)) (*entity.IngestReport, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	for _, e := range s.events {
		progress(e)
	}
	if s.waitForCtx {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			return nil, errors.New("context was never cancelled")
		}
	}
	return s.report, s.err
}

func (s *stubIngestor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
