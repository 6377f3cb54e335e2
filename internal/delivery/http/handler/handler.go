package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/web-ingest/internal/delivery/http/request"
	"github.com/user/web-ingest/internal/delivery/http/response"
	"github.com/user/web-ingest/internal/repository"
	"github.com/user/web-ingest/internal/usecase"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck pings one backing service.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	manager usecase.CrawlManager
	checks  map[string]HealthCheck
	logger  *zap.Logger
}

func NewHandler(manager usecase.CrawlManager, checks map[string]HealthCheck, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager: manager,
		checks:  checks,
		logger:  logger,
	}
}

func (h *Handler) HandleSubmitCrawl(w http.ResponseWriter, r *http.Request) {
	var body request.SubmitCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req, err := body.ToEntity()
	if err != nil {
		h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := h.manager.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrInvalidRequest):
			h.writeJSONError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, usecase.ErrRecentlyIngested):
			h.writeJSONError(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("failed to submit crawl", zap.Strings("seeds", req.Seeds), zap.Error(err))
			h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	resp := response.SubmitCrawlResponse{
		Status:     "success",
		Message:    "Crawl submitted",
		CrawlID:    job.ID,
		Collection: job.Collection,
		Seeds:      job.Request.Seeds,
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) HandleGetCrawlStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.manager.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			h.writeJSONError(w, "Crawl not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to get crawl status", zap.String("crawl_id", id), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, response.NewCrawlStatusResponse(status))
}

func (h *Handler) HandleCancelCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.manager.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrJobNotFound):
			h.writeJSONError(w, "Crawl not found", http.StatusNotFound)
		case errors.Is(err, usecase.ErrJobFinished):
			h.writeJSONError(w, "Crawl already finished with status "+string(job.Status), http.StatusConflict)
		default:
			h.logger.Error("failed to cancel crawl", zap.String("crawl_id", id), zap.Error(err))
			h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "crawl_id": job.ID})
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := response.HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Error("health check failed", zap.String("service", name), zap.Error(err))
			resp.Checks[name] = "unhealthy"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "healthy"
	}
	h.writeJSON(w, code, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
