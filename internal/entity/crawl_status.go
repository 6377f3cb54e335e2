package entity

import "time"

// CrawlState is the scheduler's state machine:
// Pending -> Running -> {Completed, Aborted}.
type CrawlState string

const (
	CrawlPending   CrawlState = "pending"
	CrawlRunning   CrawlState = "running"
	CrawlCompleted CrawlState = "completed"
	CrawlAborted   CrawlState = "aborted"
)

// JobStatus is what the service reports for a crawl job. It extends the
// scheduler states with failed, used when the seed produced no content or the
// pipeline could not index the result.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobAborted   JobStatus = "aborted"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobAborted || s == JobFailed
}

// CrawlJob is the stored status record of one crawl request.
type CrawlJob struct {
	ID         string       `json:"id"`
	Request    CrawlRequest `json:"request"`
	Collection string       `json:"collection"`
	Status     JobStatus    `json:"status"`

	PagesIngested int `json:"pages_ingested"`
	PagesFailed   int `json:"pages_failed"`
	PagesBlocked  int `json:"pages_blocked"`
	PageBudget    int `json:"page_budget"`

	ChunksProduced int `json:"chunks_produced"`
	ChunksDropped  int `json:"chunks_dropped"`
	ChunksIndexed  int `json:"chunks_indexed"`

	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// IngestReport summarizes a finished crawl and its indexing pass.
type IngestReport struct {
	State      CrawlState `json:"state"`
	Collection string     `json:"collection"`

	PagesIngested int `json:"pages_ingested"`
	PagesFailed   int `json:"pages_failed"`
	PagesBlocked  int `json:"pages_blocked"`
	PageBudget    int `json:"page_budget"`

	ChunksProduced int `json:"chunks_produced"`
	ChunksDropped  int `json:"chunks_dropped"`
	ChunksIndexed  int `json:"chunks_indexed"`
}
