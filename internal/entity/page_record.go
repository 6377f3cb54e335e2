package entity

import "time"

// SourceType tags where a chunk came from so website chunks can be told apart
// from PDF chunks in a shared index.
type SourceType string

const (
	SourceWebsite SourceType = "website"
	SourcePDF     SourceType = "pdf"
)

// PageRecord is one successfully fetched and extracted page. It only lives
// until it has been chunked.
type PageRecord struct {
	URL       string
	Title     string
	Text      string
	Domain    string
	Depth     int
	Rendered  bool
	FetchedAt time.Time
}

// ChunkRecord is a contiguous text window of a page, ready for indexing.
type ChunkRecord struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Length     int        `json:"length"`
	Index      int        `json:"index"`
	Offset     int        `json:"offset"`
	SourceURL  string     `json:"source_url"`
	PageTitle  string     `json:"page_title"`
	CrawledAt  time.Time  `json:"crawl_date"`
	Domain     string     `json:"domain"`
	SourceType SourceType `json:"source_type"`
}

// Metadata is the payload stored next to the chunk text.
func (c ChunkRecord) Metadata() map[string]any {
	return map[string]any{
		"source_url":  c.SourceURL,
		"page_title":  c.PageTitle,
		"crawl_date":  c.CrawledAt.UTC().Format(time.RFC3339),
		"domain":      c.Domain,
		"source_type": string(c.SourceType),
		"chunk_index": c.Index,
	}
}
