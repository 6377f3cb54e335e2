package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/user/web-ingest/pkg/metrics"
)

const (
	DefaultRequestTimeout        = 30 * time.Second
	DefaultFallbackMinTextLength = 200

	maxPageBytes = 10 << 20
	maxRedirects = 10
)

// FetchResult is the HTML of one URL and how it was obtained. Extraction is
// set when the fitness check already parsed HTML.
type FetchResult struct {
	URL        string
	HTML       []byte
	StatusCode int
	Rendered   bool
	Extraction *Extraction
}

// PageFetcher retrieves a URL's raw HTML.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

// Renderer loads a URL in a headless browser and returns the settled DOM.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
	Close()
}

// Pacer delays a repeat request to a domain. The politeness gate implements it.
type Pacer interface {
	Pace(ctx context.Context, url string) (time.Duration, error)
}

// FitnessFunc decides whether fast-path HTML is good enough to skip rendering.
// It returns the extraction it computed along the way, or nil.
type FitnessFunc func(pageURL string, html []byte) (*Extraction, bool)

// HTTPFetcher is the fast path: a plain GET with a timeout.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	redirects Authorizer
}

type HTTPFetcherOption func(*HTTPFetcher)

// WithRedirectGate sends every redirect hop through the politeness gate, so a
// redirect target is checked against robots.txt and waits for its domain's
// slot like any other URL.
func WithRedirectGate(a Authorizer) HTTPFetcherOption {
	return func(f *HTTPFetcher) { f.redirects = a }
}

func NewHTTPFetcher(client *http.Client, userAgent string, timeout time.Duration, opts ...HTTPFetcherOption) *HTTPFetcher {
	if client == nil {
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	f := &HTTPFetcher{client: client, userAgent: userAgent}
	for _, opt := range opts {
		opt(f)
	}
	if f.redirects != nil {
		// The gate fetches robots.txt with the caller's client, which must not
		// route back into the gate.
		c := *client
		c.CheckRedirect = f.checkRedirect
		f.client = &c
	}
	return f
}

func (f *HTTPFetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	target := req.URL.String()
	decision, err := f.redirects.Authorize(req.Context(), target)
	if err != nil {
		return err
	}
	if !decision.Allow {
		return &FetchError{URL: via[0].URL.String(), Kind: ErrRobotsDisallowed, Err: fmt.Errorf("redirect to %s", target)}
	}
	return nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Kind: ErrConnection, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		var denied *FetchError
		if errors.As(err, &denied) {
			return nil, denied
		}
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{URL: rawURL, Kind: ErrHTTPStatus, StatusCode: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !isHTMLContentType(ct) {
		return nil, &FetchError{URL: rawURL, Kind: ErrContentType, StatusCode: resp.StatusCode, Err: fmt.Errorf("content type %q", ct)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}

	return &FetchResult{
		URL:        resp.Request.URL.String(),
		HTML:       body,
		StatusCode: resp.StatusCode,
	}, nil
}

func isHTMLContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml", "text/plain":
		return true
	}
	return false
}

// Fetcher is the two-step fetch strategy: try the fast path, check the result
// with the fitness predicate, and render in a browser at most once when the
// fast result is unfit. Transport failures are returned as they are; the
// fallback only handles pages that arrived but look empty.
type Fetcher struct {
	fast     PageFetcher
	fallback Renderer
	fit      FitnessFunc
	pacer    Pacer
	logger   *zap.Logger
}

type FetcherOption func(*Fetcher)

// WithRenderer enables the browser fallback.
func WithRenderer(r Renderer) FetcherOption {
	return func(f *Fetcher) { f.fallback = r }
}

// WithFitness replaces the default fitness predicate.
func WithFitness(fit FitnessFunc) FetcherOption {
	return func(f *Fetcher) {
		if fit != nil {
			f.fit = fit
		}
	}
}

// WithPacer makes the fallback render wait for the domain's next slot.
func WithPacer(p Pacer) FetcherOption {
	return func(f *Fetcher) { f.pacer = p }
}

func WithFetcherLogger(l *zap.Logger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

func NewFetcher(fast PageFetcher, extractor *Extractor, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		fast:   fast,
		fit:    ContentFitness(extractor, DefaultFallbackMinTextLength),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	start := time.Now()
	result, err := f.fast.Fetch(ctx, rawURL)
	metrics.FetchDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("http", "error").Inc()
		return nil, err
	}
	metrics.FetchesTotal.WithLabelValues("http", "ok").Inc()

	extraction, fit := f.fit(result.URL, result.HTML)
	result.Extraction = extraction
	if fit || f.fallback == nil {
		return result, nil
	}

	f.logger.Debug("fast path content unfit, rendering", zap.String("url", rawURL))
	rendered, renderErr := f.render(ctx, rawURL)
	if renderErr != nil {
		f.logger.Warn("fallback render failed", zap.String("url", rawURL), zap.Error(renderErr))
		if len(result.HTML) > 0 {
			return result, nil
		}
		return nil, fmt.Errorf("%s: %w: %w", rawURL, ErrRenderFailed, renderErr)
	}
	return rendered, nil
}

func (f *Fetcher) render(ctx context.Context, rawURL string) (*FetchResult, error) {
	if f.pacer != nil {
		if _, err := f.pacer.Pace(ctx, rawURL); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	html, err := f.fallback.Render(ctx, rawURL)
	metrics.FetchDuration.WithLabelValues("render").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("render", "error").Inc()
		return nil, err
	}
	if html == "" {
		metrics.FetchesTotal.WithLabelValues("render", "empty").Inc()
		return nil, errors.New("empty document")
	}
	metrics.FetchesTotal.WithLabelValues("render", "ok").Inc()
	return &FetchResult{URL: rawURL, HTML: []byte(html), StatusCode: http.StatusOK, Rendered: true}, nil
}

// ContentFitness is the default fitness predicate: extraction must yield at
// least minChars characters and the document must not look like a
// JavaScript application shell.
func ContentFitness(extractor *Extractor, minChars int) FitnessFunc {
	return func(pageURL string, html []byte) (*Extraction, bool) {
		if len(html) == 0 {
			return nil, false
		}
		if needsRendering(html) {
			return nil, false
		}
		if extractor == nil {
			return nil, true
		}
		ex, err := extractor.Extract(html, pageURL)
		if err != nil {
			return nil, false
		}
		return &ex, textLength(ex.Text) >= minChars
	}
}
