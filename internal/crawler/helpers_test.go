package crawler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// articleHTML builds a page with enough prose to pass extraction and the
// fast-path fitness check, followed by the given links.
func articleHTML(title string, links ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body>", title)
	fmt.Fprintf(&b, "<article><h1>%s</h1>", title)
	for i := range 6 {
		fmt.Fprintf(&b, "<p>%s paragraph %d covers how pages are fetched, parsed, and split into chunks. "+
			"It has enough words, commas, and full sentences to read like real prose to the extractor.</p>", title, i)
	}
	b.WriteString("</article>")
	if len(links) > 0 {
		b.WriteString(`<div class="related"><ul>`)
		for _, l := range links {
			fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, l, l)
		}
		b.WriteString("</ul></div>")
	}
	b.WriteString("</body></html>")
	return b.String()
}

const shellHTML = `<html><head><title>App</title><script src="/bundle.js"></script></head>
<body><noscript>You need to enable JavaScript to run this app.</noscript><div id="root"></div></body></html>`

// site is a test web server that counts requests per path.
type site struct {
	*httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	arrivals map[string][]time.Time
}

func newSite(t *testing.T, robots string, pages map[string]string) *site {
	t.Helper()
	return newRedirectSite(t, robots, pages, nil)
}

// newRedirectSite answers the paths in redirects with a 302 to the mapped
// location.
func newRedirectSite(t *testing.T, robots string, pages, redirects map[string]string) *site {
	t.Helper()
	s := &site{hits: make(map[string]int), arrivals: make(map[string][]time.Time)}
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		if robots == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, robots)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.record(r.URL.Path)
		if target, ok := redirects[r.URL.Path]; ok {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *site) record(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[path]++
	s.arrivals[path] = append(s.arrivals[path], time.Now())
}

func (s *site) firstArrival(path string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.arrivals[path]) == 0 {
		return time.Time{}
	}
	return s.arrivals[path][0]
}

func (s *site) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *site) allHits() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.hits))
	for k, v := range s.hits {
		out[k] = v
	}
	return out
}

// slowHandler never answers before the client gives up.
func slowHandler(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(2 * time.Second):
	}
}
