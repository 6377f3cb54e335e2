package response

import (
	"time"

	"github.com/user/web-ingest/internal/entity"
	"github.com/user/web-ingest/internal/usecase"
)

type SubmitCrawlResponse struct {
	Status     string   `json:"status"`
	Message    string   `json:"message"`
	CrawlID    string   `json:"crawl_id"`
	Collection string   `json:"collection"`
	Seeds      []string `json:"seeds"`
}

type PageFailureResponse struct {
	URL            string    `json:"url"`
	Depth          int       `json:"depth"`
	Kind           string    `json:"kind"`
	HTTPStatusCode int       `json:"http_status_code,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	AttemptedAt    time.Time `json:"attempted_at"`
}

// CrawlStatusResponse is a DTO for a crawl job, mirroring entity.CrawlJob
type CrawlStatusResponse struct {
	CrawlID        string                `json:"crawl_id"`
	Status         string                `json:"status"` // "pending", "running", "completed", "aborted", "failed"
	Collection     string                `json:"collection"`
	Seeds          []string              `json:"seeds"`
	MaxDepth       int                   `json:"max_depth"`
	PageBudget     int                   `json:"page_budget,omitempty"`
	PagesIngested  int                   `json:"pages_ingested"`
	PagesFailed    int                   `json:"pages_failed"`
	PagesBlocked   int                   `json:"pages_blocked"`
	ChunksProduced int                   `json:"chunks_produced"`
	ChunksDropped  int                   `json:"chunks_dropped"`
	ChunksIndexed  int                   `json:"chunks_indexed"`
	FailureReason  string                `json:"failure_reason,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	FinishedAt     *time.Time            `json:"finished_at,omitempty"`
	Failures       []PageFailureResponse `json:"failures,omitempty"`
}

func NewCrawlStatusResponse(status *usecase.CrawlStatus) CrawlStatusResponse {
	job := status.Job
	resp := CrawlStatusResponse{
		CrawlID:        job.ID,
		Status:         string(job.Status),
		Collection:     job.Collection,
		Seeds:          job.Request.Seeds,
		MaxDepth:       job.Request.MaxDepth,
		PageBudget:     job.PageBudget,
		PagesIngested:  job.PagesIngested,
		PagesFailed:    job.PagesFailed,
		PagesBlocked:   job.PagesBlocked,
		ChunksProduced: job.ChunksProduced,
		ChunksDropped:  job.ChunksDropped,
		ChunksIndexed:  job.ChunksIndexed,
		FailureReason:  job.FailureReason,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
	}
	for _, f := range status.Failures {
		resp.Failures = append(resp.Failures, newPageFailureResponse(f))
	}
	return resp
}

func newPageFailureResponse(f entity.PageFailure) PageFailureResponse {
	return PageFailureResponse{
		URL:            f.URL,
		Depth:          f.Depth,
		Kind:           f.Kind,
		HTTPStatusCode: f.HTTPStatusCode,
		Reason:         f.Reason,
		AttemptedAt:    f.AttemptedAt,
	}
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
