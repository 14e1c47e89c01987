package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"contentq/internal/config"
	"contentq/internal/jobs"
	"contentq/internal/models"
	"contentq/internal/store"
	"contentq/internal/telemetry"
	"contentq/internal/webhook"
)

// JobStore is the read/admin slice of the store the server needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	ResetForRetry(ctx context.Context, id string) (models.Job, error)
	CreateConnector(ctx context.Context, provider, channelID, resourceID, name string) (models.Connector, error)
	ListConnectors(ctx context.Context) ([]models.Connector, error)
}

// Enqueuer is the enqueue contract consumed by trigger endpoints.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload map[string]any, opts jobs.Options) (models.Job, bool, error)
}

// Limiter sheds webhook bursts per provider.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Server wires the admin, trigger, and webhook HTTP surface.
type Server struct {
	cfg        config.Config
	store      JobStore
	enqueuer   Enqueuer
	translator *webhook.Translator
	limiter    Limiter
	logger     *zap.Logger
}

func New(cfg config.Config, st JobStore, enq Enqueuer, tr *webhook.Translator, limiter Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		enqueuer:   enq,
		translator: tr,
		limiter:    limiter,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/retry", s.handleRetry)

	r.Post("/connectors", s.handleCreateConnector)
	r.Post("/webhooks/{provider}", s.handleWebhook)
	r.Post("/triggers/{name}", s.handleTrigger)
	return r
}

type listJobsResponse struct {
	Jobs   []models.Job     `json:"jobs"`
	Counts map[string]int64 `json:"counts"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !models.ValidStatus(status) {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobList, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobList, Counts: counts})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRetry re-queues a failed (or stuck pending) job. Processing and
// completed jobs are rejected with a descriptive 400.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.ResetForRetry(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		http.Error(w, "only failed or pending jobs can be retried", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("operator retry", zap.String("job_id", id))
	writeJSON(w, http.StatusOK, job)
}

type createConnectorRequest struct {
	Provider   string `json:"provider"`
	ChannelID  string `json:"channel_id"`
	ResourceID string `json:"resource_id"`
	Name       string `json:"name"`
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req createConnectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.ChannelID == "" {
		http.Error(w, "provider and channel_id are required", http.StatusBadRequest)
		return
	}
	connector, err := s.store.CreateConnector(r.Context(), req.Provider, req.ChannelID, req.ResourceID, req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, connector)
}

// handleWebhook accepts provider push notifications. Anything stored (even
// as a no-op) answers 200 so the provider stops redelivering; only
// malformed requests get a 400.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), "rl:webhook:"+provider)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	notification, err := webhook.ParseRequest(provider, r)
	if err != nil {
		http.Error(w, "unreadable notification", http.StatusBadRequest)
		return
	}
	outcome, err := s.translator.Translate(r.Context(), notification)
	if errors.Is(err, webhook.ErrBadNotification) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome})
}

// handleTrigger serves scheduled invocations (cron) that enqueue fixed job
// types, authenticated by a shared secret header.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.cronAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	name := chi.URLParam(r, "name")
	switch name {
	case "health-check":
		job, deduped, err := s.enqueuer.Enqueue(ctx, jobs.TypeHealthCheck, map[string]any{}, jobs.Options{
			DedupeKey: "cron:health-check",
		})
		s.writeTriggerResult(w, []models.Job{job}, deduped, err)
	case "recommendations":
		job, deduped, err := s.enqueuer.Enqueue(ctx, jobs.TypeRecommendations, map[string]any{}, jobs.Options{
			DedupeKey: "cron:recommendations",
		})
		s.writeTriggerResult(w, []models.Job{job}, deduped, err)
	case "connector-sync":
		connectors, err := s.store.ListConnectors(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		queued := make([]models.Job, 0, len(connectors))
		for _, c := range connectors {
			job, _, err := s.enqueuer.Enqueue(ctx, jobs.TypeConnectorSync, map[string]any{
				"connector_id": c.ID,
				"mode":         jobs.SyncIncremental,
			}, jobs.Options{DedupeKey: "connector-sync:" + c.ID})
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			queued = append(queued, job)
		}
		s.writeTriggerResult(w, queued, false, nil)
	default:
		http.Error(w, "unknown trigger", http.StatusNotFound)
	}
}

// cronAuthorized checks the shared secret. With no secret configured the
// endpoint stays open only in dev/test environments.
func (s *Server) cronAuthorized(r *http.Request) bool {
	if s.cfg.CronSecret == "" {
		return !s.cfg.Production()
	}
	given := r.Header.Get("X-Cron-Secret")
	return subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.CronSecret)) == 1
}

func (s *Server) writeTriggerResult(w http.ResponseWriter, queued []models.Job, deduped bool, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": queued, "deduped": deduped})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
