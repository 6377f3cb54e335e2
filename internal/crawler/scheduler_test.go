package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/web-ingest/internal/entity"
)

func newTestScheduler(t *testing.T, client *http.Client, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	extractor := NewExtractor()
	gate := NewGate(client, testUA, 0, WithGateLogger(logger))
	fetcher := NewFetcher(NewHTTPFetcher(client, testUA, 0, WithRedirectGate(gate)), extractor, WithFetcherLogger(logger))
	opts = append([]SchedulerOption{WithSchedulerLogger(logger)}, opts...)
	return NewScheduler(gate, fetcher, extractor, opts...)
}

func crawlRequest(t *testing.T, depth int, seeds ...string) entity.CrawlRequest {
	t.Helper()
	req, err := entity.CrawlRequest{Seeds: seeds, MaxDepth: depth}.Normalize()
	require.NoError(t, err)
	return req
}

func collect(pages *[]entity.PageRecord) func(entity.PageRecord) {
	return func(p entity.PageRecord) { *pages = append(*pages, p) }
}

// smallSite links home to two sections, one of which links deeper, with a
// cycle back to home and a page hidden by robots.txt.
func smallSite(t *testing.T) *site {
	return newSite(t, "User-agent: *\nDisallow: /private/\n", map[string]string{
		"/":             articleHTML("Home", "/a", "/b", "/private/page", "https://other.example.org/x"),
		"/a":            articleHTML("A", "/c", "/"),
		"/b":            articleHTML("B", "/a", "/b#top"),
		"/c":            articleHTML("C", "/a"),
		"/private/page": articleHTML("Private"),
	})
}

func TestSchedulerDepthOneFetchesOnlySeeds(t *testing.T) {
	srv := smallSite(t)
	s := newTestScheduler(t, srv.Client())

	var pages []entity.PageRecord
	res := s.Run(context.Background(), crawlRequest(t, 1, srv.URL), collect(&pages))

	require.NoError(t, res.Err)
	assert.Equal(t, entity.CrawlCompleted, res.State)
	assert.Equal(t, 1, res.PagesIngested)
	assert.Equal(t, 1, res.Dequeued)
	require.Len(t, pages, 1)
	assert.Equal(t, 0, pages[0].Depth)
	assert.Equal(t, map[string]int{"/": 1}, srv.allHits())
}

func TestSchedulerBreadthFirst(t *testing.T) {
	srv := smallSite(t)
	var events []entity.ProgressEvent
	s := newTestScheduler(t, srv.Client(),
		WithConcurrency(1),
		WithProgress(func(e entity.ProgressEvent) { events = append(events, e) }),
	)

	var pages []entity.PageRecord
	res := s.Run(context.Background(), crawlRequest(t, 3, srv.URL), collect(&pages))

	require.NoError(t, res.Err)
	assert.Equal(t, entity.CrawlCompleted, res.State)
	assert.Equal(t, entity.CrawlCompleted, s.State())
	assert.Equal(t, 4, res.PagesIngested)
	assert.Equal(t, 1, res.PagesBlocked)

	var got []string
	for _, p := range pages {
		got = append(got, fmt.Sprintf("%s@%d", strings.TrimPrefix(p.URL, srv.URL), p.Depth))
		assert.Equal(t, "127.0.0.1", p.Domain)
		assert.NotEmpty(t, p.Text)
	}
	assert.Equal(t, []string{"/@0", "/a@1", "/b@1", "/c@2"}, got)

	for path, n := range srv.allHits() {
		assert.Equal(t, 1, n, "path %s fetched more than once", path)
	}
	assert.Zero(t, srv.hitCount("/private/page"))

	var blocked []string
	for _, e := range events {
		if e.Status == entity.ProgressBlockedByRobots {
			blocked = append(blocked, e.URL)
		}
	}
	assert.Equal(t, []string{srv.URL + "/private/page"}, blocked)
}

func TestSchedulerSeedTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", http.NotFound)
	mux.HandleFunc("/", slowHandler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestScheduler(t, &http.Client{Timeout: 100 * time.Millisecond})
	var pages []entity.PageRecord
	res := s.Run(context.Background(), crawlRequest(t, 2, srv.URL), collect(&pages))

	assert.Empty(t, pages)
	assert.Equal(t, 0, res.PagesIngested)
	assert.Equal(t, 1, res.PagesFailed)
	assert.Equal(t, entity.CrawlCompleted, res.State)
	assert.ErrorIs(t, res.Err, ErrNoContent)
	assert.ErrorIs(t, res.Err, ErrTimeout)
}

func TestSchedulerSeedBlockedByRobots(t *testing.T) {
	srv := newSite(t, "User-agent: *\nDisallow: /\n", map[string]string{"/": articleHTML("Home")})
	s := newTestScheduler(t, srv.Client())

	res := s.Run(context.Background(), crawlRequest(t, 2, srv.URL), func(entity.PageRecord) {})

	assert.Equal(t, 1, res.PagesBlocked)
	assert.ErrorIs(t, res.Err, ErrNoContent)
	assert.ErrorIs(t, res.Err, ErrRobotsDisallowed)
	assert.Zero(t, srv.hitCount("/"))
}

func TestSchedulerRedirectIntoDisallowedPathIsBlocked(t *testing.T) {
	srv := newRedirectSite(t, "User-agent: *\nDisallow: /private/\n",
		map[string]string{"/private/page": articleHTML("Private")},
		map[string]string{"/": "/private/page"},
	)
	var events []entity.ProgressEvent
	s := newTestScheduler(t, srv.Client(), WithProgress(func(e entity.ProgressEvent) { events = append(events, e) }))

	var pages []entity.PageRecord
	res := s.Run(context.Background(), crawlRequest(t, 1, srv.URL), collect(&pages))

	assert.Empty(t, pages)
	assert.Equal(t, 1, res.PagesBlocked)
	assert.Zero(t, res.PagesFailed)
	assert.ErrorIs(t, res.Err, ErrRobotsDisallowed)
	assert.Equal(t, map[string]int{"/": 1}, srv.allHits())
	require.NotEmpty(t, events)
	assert.Equal(t, entity.ProgressBlockedByRobots, events[len(events)-1].Status)
}

func TestSchedulerUsesFetchedExtraction(t *testing.T) {
	srv := newSite(t, "", nil)
	fetched := &FetchResult{
		URL:        srv.URL,
		HTML:       []byte(articleHTML("From HTML")),
		StatusCode: http.StatusOK,
		Extraction: &Extraction{Title: "Already parsed", Text: "text from the fitness check"},
	}
	gate := NewGate(srv.Client(), testUA, 0)
	s := NewScheduler(gate, staticFetcher{res: fetched}, NewExtractor(), WithSchedulerLogger(zaptest.NewLogger(t)))

	var pages []entity.PageRecord
	res := s.Run(context.Background(), crawlRequest(t, 1, srv.URL), collect(&pages))

	require.NoError(t, res.Err)
	require.Len(t, pages, 1)
	assert.Equal(t, "Already parsed", pages[0].Title)
	assert.Equal(t, "text from the fitness check", pages[0].Text)
}

func fanOutSite(t *testing.T, children int) *site {
	links := make([]string, children)
	pages := make(map[string]string, children+1)
	for i := range children {
		links[i] = fmt.Sprintf("/p/%02d", i)
		pages[links[i]] = articleHTML(fmt.Sprintf("Page %d", i))
	}
	pages["/"] = articleHTML("Home", links...)
	return newSite(t, "", pages)
}

func TestSchedulerCancellationKeepsInFlightPages(t *testing.T) {
	srv := fanOutSite(t, 15)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestScheduler(t, srv.Client(),
		WithConcurrency(2),
		WithProgress(func(e entity.ProgressEvent) {
			if e.Status == entity.ProgressCrawling && strings.HasSuffix(e.URL, "/p/01") {
				cancel()
			}
		}),
	)

	var pages []entity.PageRecord
	res := s.Run(ctx, crawlRequest(t, 2, srv.URL), collect(&pages))

	assert.Equal(t, entity.CrawlAborted, res.State)
	assert.Equal(t, entity.CrawlAborted, s.State())
	assert.Equal(t, 3, res.PagesIngested)
	assert.Len(t, pages, 3)
	assert.NoError(t, res.Err)
	assert.Zero(t, srv.hitCount("/p/02"))
}

func TestSchedulerStopsAtPageBudget(t *testing.T) {
	srv := fanOutSite(t, 10)
	s := newTestScheduler(t, srv.Client(), WithConcurrency(3))

	req := crawlRequest(t, 2, srv.URL)
	req.MaxPages = 4

	var pages []entity.PageRecord
	res := s.Run(context.Background(), req, collect(&pages))

	assert.Equal(t, entity.CrawlCompleted, res.State)
	assert.Equal(t, 4, res.Budget)
	assert.Equal(t, 4, res.PagesIngested)
	assert.Len(t, pages, 4)
}

func TestSchedulerDomainFiltering(t *testing.T) {
	other := newSite(t, "", map[string]string{"/page": articleHTML("Other")})
	otherURL := strings.Replace(other.URL, "127.0.0.1", "localhost", 1)

	for _, cross := range []bool{false, true} {
		t.Run(fmt.Sprintf("cross_domain=%v", cross), func(t *testing.T) {
			home := newSite(t, "", map[string]string{"/": articleHTML("Home", otherURL+"/page")})
			s := newTestScheduler(t, http.DefaultClient)

			req := crawlRequest(t, 2, home.URL)
			req.AllowCrossDomain = cross
			before := other.hitCount("/page")

			res := s.Run(context.Background(), req, func(entity.PageRecord) {})
			require.NoError(t, res.Err)

			want := 0
			if cross {
				want = 1
			}
			assert.Equal(t, want, other.hitCount("/page")-before)
		})
	}
}

func TestSchedulerRunsOnce(t *testing.T) {
	srv := smallSite(t)
	s := newTestScheduler(t, srv.Client())

	s.Run(context.Background(), crawlRequest(t, 1, srv.URL), func(entity.PageRecord) {})
	res := s.Run(context.Background(), crawlRequest(t, 1, srv.URL), func(entity.PageRecord) {})
	assert.ErrorIs(t, res.Err, ErrSchedulerUsed)
}

func TestFrontierMarksSeenOnPush(t *testing.T) {
	f := newFrontier()
	assert.True(t, f.push(entity.FrontierEntry{URL: "https://example.com/", Depth: 0}))
	assert.False(t, f.push(entity.FrontierEntry{URL: "https://example.com/", Depth: 1}))

	e, ok := f.pop()
	require.True(t, ok)
	assert.Equal(t, 0, e.Depth)
	assert.False(t, f.push(e))

	_, ok = f.pop()
	assert.False(t, ok)
}
