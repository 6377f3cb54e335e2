package request

import (
	"errors"
	"time"

	"github.com/user/web-ingest/internal/chunker"
	"github.com/user/web-ingest/internal/entity"
)

// SubmitCrawlRequest is the body of POST /api/crawl. Either URLs or URL must
// be set; the optional fields override the service defaults for this crawl.
// Chunk sizes may be given in characters or in approximate tokens; characters
// win when both are set.
type SubmitCrawlRequest struct {
	URLs                []string `json:"urls"`
	URL                 string   `json:"url"`
	MaxDepth            int      `json:"max_depth"`
	MaxPages            int      `json:"max_pages"`
	Force               bool     `json:"force"`
	CrossDomain         bool     `json:"cross_domain"`
	ChunkSize           int      `json:"chunk_size"`
	ChunkOverlap        *int     `json:"chunk_overlap"`
	ChunkSizeTokens     int      `json:"chunk_size_tokens"`
	ChunkOverlapTokens  *int     `json:"chunk_overlap_tokens"`
	DedupThreshold      float64  `json:"dedup_threshold"`
	RateLimitIntervalMS int      `json:"rate_limit_interval_ms"`
}

var ErrNoURLs = errors.New("at least one url is required")

// ToEntity converts the body into a crawl request. Seed validation is left to
// the use case.
func (r SubmitCrawlRequest) ToEntity() (entity.CrawlRequest, error) {
	seeds := append([]string(nil), r.URLs...)
	if r.URL != "" {
		seeds = append(seeds, r.URL)
	}
	if len(seeds) == 0 {
		return entity.CrawlRequest{}, ErrNoURLs
	}

	chunkSize := r.ChunkSize
	if chunkSize == 0 && r.ChunkSizeTokens > 0 {
		chunkSize = chunker.TokensToChars(r.ChunkSizeTokens)
	}
	overlap := r.ChunkOverlap
	if overlap == nil && r.ChunkOverlapTokens != nil {
		chars := chunker.TokensToChars(*r.ChunkOverlapTokens)
		overlap = &chars
	}

	return entity.CrawlRequest{
		Seeds:             seeds,
		MaxDepth:          r.MaxDepth,
		MaxPages:          r.MaxPages,
		AllowCrossDomain:  r.CrossDomain,
		Force:             r.Force,
		ChunkSize:         chunkSize,
		ChunkOverlap:      overlap,
		DedupThreshold:    r.DedupThreshold,
		RateLimitInterval: time.Duration(r.RateLimitIntervalMS) * time.Millisecond,
	}, nil
}
