package chromedp_renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	DefaultRenderTimeout = 30 * time.Second
	DefaultSettle        = 500 * time.Millisecond

	maxIdleWait  = 5 * time.Second
	idlePollTick = 50 * time.Millisecond
)

var ErrRendererClosed = errors.New("renderer closed")

// Renderer loads pages in headless Chrome. One browser process is started on
// first use; each render opens its own tab, and at most maxConcurrency tabs
// are open at once.
type Renderer struct {
	opts    []chromedp.ExecAllocatorOption
	timeout time.Duration
	settle  time.Duration
	logger  *zap.Logger
	slots   chan struct{}

	mu            sync.Mutex
	browserCtx    context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
	closed        bool
}

// NewRenderer creates a renderer; Chrome is not started until the first Render.
func NewRenderer(maxConcurrency int, userAgent string, timeout, settle time.Duration, logger *zap.Logger) *Renderer {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if timeout <= 0 {
		timeout = DefaultRenderTimeout
	}
	if settle < 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}

	return &Renderer{
		opts:    opts,
		timeout: timeout,
		settle:  settle,
		logger:  logger,
		slots:   make(chan struct{}, maxConcurrency),
	}
}

// Render navigates to url, waits for the body and for the network to go quiet,
// and returns the document's outer HTML.
func (r *Renderer) Render(ctx context.Context, url string) (string, error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-r.slots }()

	browserCtx, err := r.browser()
	if err != nil {
		return "", err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, r.timeout)
	defer cancelTimeout()

	tracker := newRequestTracker()
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			tracker.start(string(e.RequestID))
		case *network.EventLoadingFinished:
			tracker.done(string(e.RequestID))
		case *network.EventLoadingFailed:
			tracker.done(string(e.RequestID))
		}
	})

	start := time.Now()
	var html string
	err = chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return tracker.waitIdle(ctx, r.settle, maxIdleWait)
		}),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}

	r.logger.Debug("page rendered", zap.String("url", url), zap.Duration("took", time.Since(start)), zap.Int("bytes", len(html)))
	return html, nil
}

func (r *Renderer) browser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRendererClosed
	}
	if r.browserCtx != nil {
		return r.browserCtx, nil
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), r.opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	r.browserCtx, r.cancelAlloc, r.cancelBrowser = browserCtx, cancelAlloc, cancelBrowser
	r.logger.Info("headless browser started")
	return browserCtx, nil
}

// Close stops the browser. Renders after Close fail with ErrRendererClosed.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.cancelBrowser != nil {
		r.cancelBrowser()
		r.cancelAlloc()
		r.browserCtx = nil
	}
}

// requestTracker counts the tab's outstanding network requests.
type requestTracker struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

func newRequestTracker() *requestTracker {
	return &requestTracker{pending: make(map[string]struct{})}
}

func (t *requestTracker) start(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = struct{}{}
}

func (t *requestTracker) done(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

func (t *requestTracker) inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// waitIdle returns once no request has been in flight for quiet, or after
// limit has passed. Pages that poll forever are captured as they are.
func (t *requestTracker) waitIdle(ctx context.Context, quiet, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	idleSince := time.Now()
	ticker := time.NewTicker(idlePollTick)
	defer ticker.Stop()

	for {
		now := time.Now()
		if t.inflight() > 0 {
			idleSince = now
		}
		if now.Sub(idleSince) >= quiet || now.After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
