package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/web-ingest/internal/delivery/http/handler"
	"github.com/user/web-ingest/internal/delivery/http/middleware"
)

const requestTimeout = 60 * time.Second

func New(h *handler.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(chimw.Timeout(requestTimeout))

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/health", h.HandleHealthCheck)

	r.Route("/api/crawl", func(r chi.Router) {
		r.Post("/", h.HandleSubmitCrawl)
		r.Get("/{id}", h.HandleGetCrawlStatus)
		r.Delete("/{id}", h.HandleCancelCrawl)
	})

	return r
}
