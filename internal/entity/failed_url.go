package entity

import "time"

// Failure kinds recorded for pages that did not make it into the index.
const (
	FailureRobotsBlocked      = "robots_blocked"
	FailureTimeout            = "timeout"
	FailureNotFound           = "not_found"
	FailureHTTPStatus         = "http_status"
	FailureConnection         = "connection"
	FailureContentType        = "content_type"
	FailureNoContent          = "no_content"
	FailureJavaScriptRequired = "javascript_required"
	FailureUnknown            = "unknown"
)

// PageFailure mirrors the `page_failures` PostgreSQL table schema.
type PageFailure struct {
	ID             int64     `json:"-"`
	CrawlID        string    `json:"crawl_id"`
	URL            string    `json:"url"`
	Depth          int       `json:"depth"`
	Kind           string    `json:"kind"`
	HTTPStatusCode int       `json:"http_status_code,omitempty"`
	Reason         string    `json:"reason"`
	AttemptedAt    time.Time `json:"attempted_at"`
}

// ProgressStatus is reported for every frontier entry the scheduler handles.
type ProgressStatus string

const (
	ProgressCrawling        ProgressStatus = "crawling"
	ProgressSuccess         ProgressStatus = "success"
	ProgressFailed          ProgressStatus = "failed"
	ProgressBlockedByRobots ProgressStatus = "blocked_by_robots"
)

// ProgressEvent is emitted by the scheduler as it works through the frontier.
type ProgressEvent struct {
	URL    string
	Depth  int
	Status ProgressStatus
	Err    error
}
