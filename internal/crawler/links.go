package crawler

import (
	"bytes"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/web-ingest/pkg/utils"
)

const maxLinksPerPage = 500

var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:", "ftp:"}

// Discoverer extracts crawlable links from a page, keeping only those whose
// registrable domain belongs to the crawl.
type Discoverer struct {
	domains     map[string]struct{}
	crossDomain bool
}

// NewDiscoverer restricts links to the given registrable domains. With
// crossDomain set every http(s) link is kept.
func NewDiscoverer(domains []string, crossDomain bool) *Discoverer {
	d := &Discoverer{domains: make(map[string]struct{}, len(domains)), crossDomain: crossDomain}
	for _, domain := range domains {
		d.domains[strings.ToLower(domain)] = struct{}{}
	}
	return d
}

// Discover returns the normalized, deduplicated set of links on the page,
// sorted for deterministic frontier order.
func (d *Discoverer) Discover(data []byte, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(resolved)
		}
	}

	self, _ := utils.NormalizeURL(baseURL)
	seen := make(map[string]struct{})
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		link, ok := d.resolve(base, href)
		if !ok || link == self {
			return true
		}
		seen[link] = struct{}{}
		return len(seen) < maxLinksPerPage
	})

	links := make([]string, 0, len(seen))
	for link := range seen {
		links = append(links, link)
	}
	slices.Sort(links)
	return links
}

func (d *Discoverer) resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	abs, err := utils.ToAbsoluteURL(base, href)
	if err != nil {
		return "", false
	}
	normalized, err := utils.NormalizeURL(abs)
	if err != nil {
		return "", false
	}
	if !d.Allowed(normalized) {
		return "", false
	}
	return normalized, true
}

// Allowed reports whether a URL's registrable domain belongs to the crawl.
func (d *Discoverer) Allowed(rawURL string) bool {
	if d.crossDomain {
		return true
	}
	domain, err := utils.RegistrableDomain(rawURL)
	if err != nil {
		return false
	}
	_, ok := d.domains[domain]
	return ok
}
