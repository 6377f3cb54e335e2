package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/user/web-ingest/pkg/metrics"
)

const (
	DefaultRateLimitInterval = time.Second
	DefaultMaxCrawlDelay     = 10 * time.Second

	robotsTimeout  = 10 * time.Second
	maxRobotsBytes = 512 << 10
)

// Decision is the politeness gate's answer for one URL. Wait is how long the
// caller was held back before the permit was granted.
type Decision struct {
	Allow bool
	Wait  time.Duration
}

// domainState is everything the gate knows about one origin. It is created on
// first contact and lives as long as the gate.
type domainState struct {
	mu sync.Mutex

	robotsLoaded bool
	rules        *robotstxt.Group // nil means allow all
	crawlDelay   time.Duration
	lastPermit   time.Time
}

// Gate authorizes every fetch: robots.txt rules plus a minimum interval
// between two requests to the same origin. Each origin has its own lock so
// unrelated domains never wait on each other.
type Gate struct {
	client    *http.Client
	userAgent string
	interval  time.Duration
	maxDelay  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	domains map[string]*domainState
}

type GateOption func(*Gate)

func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMaxCrawlDelay caps how far a robots.txt Crawl-delay may stretch the interval.
func WithMaxCrawlDelay(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.maxDelay = d
		}
	}
}

// NewGate creates a gate for one crawl. An interval of zero disables pacing
// but robots.txt is still honoured.
func NewGate(client *http.Client, userAgent string, interval time.Duration, opts ...GateOption) *Gate {
	if client == nil {
		client = &http.Client{Timeout: robotsTimeout}
	}
	g := &Gate{
		client:    client,
		userAgent: userAgent,
		interval:  interval,
		maxDelay:  DefaultMaxCrawlDelay,
		logger:    zap.NewNop(),
		domains:   make(map[string]*domainState),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize blocks until rawURL may be fetched and reports whether robots.txt
// allows it. A denied URL does not consume the domain's slot. The only errors
// are a malformed URL and ctx cancellation while waiting.
func (g *Gate) Authorize(ctx context.Context, rawURL string) (Decision, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Decision{}, fmt.Errorf("authorize %q: %w", rawURL, err)
	}
	st := g.state(u)

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.robotsLoaded {
		if err := g.loadRobots(ctx, u, st); err != nil {
			return Decision{}, err
		}
	}
	if st.rules != nil && !st.rules.Test(requestPath(u)) {
		metrics.RobotsBlockedTotal.Inc()
		g.logger.Debug("blocked by robots.txt", zap.String("url", rawURL))
		return Decision{Allow: false}, nil
	}

	wait, err := g.takeTurn(ctx, st)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allow: true, Wait: wait}, nil
}

// Pace applies only the per-domain interval. It is used for a second request
// to a URL that was already authorized, such as a fallback render.
func (g *Gate) Pace(ctx context.Context, rawURL string) (time.Duration, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("pace %q: %w", rawURL, err)
	}
	st := g.state(u)

	st.mu.Lock()
	defer st.mu.Unlock()
	return g.takeTurn(ctx, st)
}

func (g *Gate) state(u *url.URL) *domainState {
	key := originKey(u)

	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.domains[key]
	if !ok {
		st = &domainState{}
		g.domains[key] = st
	}
	return st
}

// takeTurn must be called with st.mu held. The permit timestamp is written
// before the lock is released, so the next caller measures from it.
func (g *Gate) takeTurn(ctx context.Context, st *domainState) (time.Duration, error) {
	interval := g.interval
	if st.crawlDelay > interval {
		interval = st.crawlDelay
	}

	var waited time.Duration
	if !st.lastPermit.IsZero() {
		if remaining := interval - time.Since(st.lastPermit); remaining > 0 {
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-timer.C:
			}
			waited = remaining
		}
	}

	st.lastPermit = time.Now()
	metrics.PolitenessWait.Observe(waited.Seconds())
	return waited, nil
}

// loadRobots fetches and parses robots.txt. Any failure leaves the domain
// with allow-all rules; the crawl must not stop on this ancillary fetch. A
// fetch cut short by ctx returns ctx's error and leaves the domain unloaded,
// so the next caller retries.
func (g *Gate) loadRobots(ctx context.Context, u *url.URL, st *domainState) error {
	robotsURL := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}).String()
	rules, err := g.fetchRobots(ctx, robotsURL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	st.robotsLoaded = true

	if err != nil {
		metrics.RobotsUnavailableTotal.Inc()
		g.logger.Info("robots.txt unavailable, allowing all",
			zap.String("robots_url", robotsURL), zap.Error(err))
		return nil
	}
	if rules == nil {
		return nil
	}

	group := rules.FindGroup(g.userAgent)
	st.rules = group
	if group != nil && group.CrawlDelay > 0 {
		st.crawlDelay = min(group.CrawlDelay, g.maxDelay)
	}
	return nil
}

func (g *Gate) fetchRobots(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	ctx, cancel := context.WithTimeout(ctx, robotsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("robots.txt status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	rules, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return rules, nil
}

func originKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
