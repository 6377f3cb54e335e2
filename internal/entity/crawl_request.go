package entity

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/web-ingest/pkg/utils"
)

const (
	MinDepth = 1
	MaxDepth = 5
)

// CrawlRequest describes one user-initiated crawl. It is immutable once the
// crawl starts. Zero values for the overrides mean "use the configured default";
// ChunkOverlap is a pointer so that an explicit zero overlap can be asked for.
type CrawlRequest struct {
	Seeds            []string `json:"seeds"`
	MaxDepth         int      `json:"max_depth"`
	MaxPages         int      `json:"max_pages,omitempty"`
	AllowCrossDomain bool     `json:"allow_cross_domain,omitempty"`
	Force            bool     `json:"force,omitempty"`

	ChunkSize         int           `json:"chunk_size,omitempty"`
	ChunkOverlap      *int          `json:"chunk_overlap,omitempty"`
	DedupThreshold    float64       `json:"dedup_threshold,omitempty"`
	RateLimitInterval time.Duration `json:"rate_limit_interval,omitempty"`
}

// FrontierEntry is a URL waiting in the scheduler's queue. Seeds have depth 0.
type FrontierEntry struct {
	URL   string
	Depth int
}

// Normalize returns a copy with every seed normalized and duplicates removed,
// keeping the order in which seeds were given.
func (r CrawlRequest) Normalize() (CrawlRequest, error) {
	out := r
	out.Seeds = make([]string, 0, len(r.Seeds))
	seen := make(map[string]struct{}, len(r.Seeds))
	for _, seed := range r.Seeds {
		normalized, err := utils.NormalizeURL(seed)
		if err != nil {
			return CrawlRequest{}, fmt.Errorf("seed %q: %w", seed, err)
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out.Seeds = append(out.Seeds, normalized)
	}
	return out, nil
}

// Validate checks the bounds a crawl depends on. Overrides are only checked
// when set.
func (r CrawlRequest) Validate() error {
	var errs []error
	if len(r.Seeds) == 0 {
		errs = append(errs, errors.New("at least one seed URL is required"))
	}
	for _, seed := range r.Seeds {
		if _, err := utils.NormalizeURL(seed); err != nil {
			errs = append(errs, err)
		}
	}
	if r.MaxDepth < MinDepth || r.MaxDepth > MaxDepth {
		errs = append(errs, fmt.Errorf("max depth must be between %d and %d, got %d", MinDepth, MaxDepth, r.MaxDepth))
	}
	if r.MaxPages < 0 {
		errs = append(errs, errors.New("max pages must not be negative"))
	}
	if r.ChunkSize < 0 || (r.ChunkOverlap != nil && *r.ChunkOverlap < 0) {
		errs = append(errs, errors.New("chunk size and overlap must not be negative"))
	}
	if r.ChunkSize > 0 && r.ChunkOverlap != nil && *r.ChunkOverlap >= r.ChunkSize {
		errs = append(errs, errors.New("chunk overlap must be smaller than chunk size"))
	}
	if r.DedupThreshold < 0 || r.DedupThreshold > 1 {
		errs = append(errs, errors.New("dedup threshold must be in (0, 1]"))
	}
	if r.RateLimitInterval < 0 {
		errs = append(errs, errors.New("rate limit interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Domains returns the registrable domains of the seeds, in seed order.
func (r CrawlRequest) Domains() []string {
	var domains []string
	seen := make(map[string]struct{})
	for _, seed := range r.Seeds {
		d, err := utils.RegistrableDomain(seed)
		if err != nil {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	return domains
}

// Collection is the index collection for this crawl, named after the first
// seed's domain.
func (r CrawlRequest) Collection() string {
	domains := r.Domains()
	if len(domains) == 0 {
		return utils.CollectionName("unknown")
	}
	return utils.CollectionName(domains[0])
}

// PageBudget is the number of successfully extracted pages after which the
// crawl stops. An explicit MaxPages wins (still capped); otherwise the budget
// grows with the number of seeds and the depth.
func (r CrawlRequest) PageBudget(pagesPerLevel, hardCap int) int {
	budget := len(r.Seeds) * pagesPerLevel * r.MaxDepth
	if r.MaxPages > 0 {
		budget = r.MaxPages
	}
	if hardCap > 0 && budget > hardCap {
		budget = hardCap
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}
