package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webingest"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	JobsInQueue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_queue",
			Help:      "Current number of crawl jobs waiting in the queue.",
		},
	)

	// CrawlsTotal counts finished crawls. state: completed, aborted, failed.
	CrawlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawls_total",
			Help:      "Total number of crawls by final state.",
		},
		[]string{"state"},
	)

	CrawlDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crawl_duration_seconds",
			Help:      "Wall time of a whole crawl.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"domain"},
	)

	// PagesTotal counts frontier entries by outcome: success, failed, blocked.
	PagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Frontier entries processed by outcome.",
		},
		[]string{"outcome"},
	)

	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Fetch attempts by path (http, render) and outcome.",
		},
		[]string{"path", "outcome"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a single fetch by path.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"path"},
	)

	RobotsBlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "robots_blocked_total",
			Help:      "URLs skipped because robots.txt disallows them.",
		},
	)

	RobotsUnavailableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "robots_unavailable_total",
			Help:      "robots.txt fetches that failed and were treated as allow-all.",
		},
	)

	PolitenessWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "politeness_wait_seconds",
			Help:      "Time spent waiting for a per-domain fetch permit.",
			Buckets:   []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// ChunksTotal counts chunks by stage: produced, dropped, indexed.
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks by pipeline stage.",
		},
		[]string{"stage"},
	)
)
