package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dictation-optimizer/internal/config"
	"dictation-optimizer/internal/models"
	"dictation-optimizer/internal/optimize"
	"dictation-optimizer/internal/ratelimit"
	"dictation-optimizer/internal/retention"
	"dictation-optimizer/internal/store"
	"dictation-optimizer/internal/telemetry"
	"dictation-optimizer/internal/versions"
	"dictation-optimizer/internal/worker"
)

// Server wires HTTP handlers for the optimizer control plane.
type Server struct {
	cfg       config.Config
	store     *store.Store
	processor *worker.Processor
	service   *optimize.Service
	sweeper   *retention.Sweeper
	limiter   ratelimit.Limiter
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st *store.Store, proc *worker.Processor, svc *optimize.Service, sw *retention.Sweeper, limiter ratelimit.Limiter) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		processor: proc,
		service:   svc,
		sweeper:   sw,
		limiter:   limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.With(s.limit("enqueue")).Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.With(s.limit("preview")).Post("/optimize/preview", s.handlePreview)
	r.Post("/optimize/apply", s.handleApply)

	r.Get("/agents/{agent}/versions", s.handleVersions)
	r.Post("/agents/{agent}/rollback", s.handleRollback)
	r.Post("/agents/{agent}/backup", s.handleBackup)

	r.Post("/maintenance/cleanup", s.handleCleanup)
	return r
}

// limit rejects requests once the client's bucket for route is empty.
func (s *Server) limit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := fmt.Sprintf("%s:%s", route, clientFromRequest(r))
			allowed, _, err := s.limiter.Allow(r.Context(), key)
			if err != nil {
				log.Printf("api: rate limit %s: %v", key, err)
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.WithLabelValues(route).Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type enqueueRequest struct {
	Type            string   `json:"type"`
	Tasks           []string `json:"tasks"`
	Iterations      int      `json:"iterations"`
	WithHuman       bool     `json:"with_human"`
	SkipCorrections bool     `json:"skip_corrections"`
}

type enqueueResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Job    models.Job       `json:"job"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	tasks, err := s.tasks(req.Tasks)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Iterations < 0 {
		writeError(w, http.StatusBadRequest, "iterations must not be negative")
		return
	}
	if req.Type == "" {
		req.Type = models.JobTypeOvernight
	}
	if req.Type != models.JobTypeOvernight {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported job type %q", req.Type))
		return
	}

	job, err := s.processor.Enqueue(r.Context(), store.CreateJobParams{
		Type:  req.Type,
		Tasks: tasks,
		Parameters: models.JobParams{
			Iterations:      req.Iterations,
			WithHuman:       req.WithHuman,
			SkipCorrections: req.SkipCorrections,
		},
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: job.Status, Job: job})
}

// tasks defaults an empty list to the configured tasks and validates agent names.
func (s *Server) tasks(in []string) ([]string, error) {
	if len(in) == 0 {
		in = s.cfg.DefaultTasks
	}
	if len(in) == 0 {
		return nil, errors.New("tasks is required")
	}
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if !versions.ValidAgent(t) {
			return nil, fmt.Errorf("invalid agent %q", t)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := models.JobStatus(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", st))
				return
			}
			statuses = append(statuses, st)
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), statuses...)
	if err != nil {
		writeErr(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.processor.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "job": job})
}

type previewRequest struct {
	Tasks      []string `json:"tasks"`
	Iterations int      `json:"iterations"`
	WithHuman  bool     `json:"with_human"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	tasks, err := s.tasks(req.Tasks)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.service.Preview(r.Context(), tasks, optimize.PreviewOptions{Iterations: req.Iterations, WithHuman: req.WithHuman})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    len(res.Candidates) > 0,
		"candidates": res.Candidates,
		"failures":   res.Failures,
	})
}

type applyRequest struct {
	CandidateID string `json:"candidate_id"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.CandidateID == "" {
		writeError(w, http.StatusBadRequest, "candidate_id is required")
		return
	}
	res, err := s.service.Apply(r.Context(), req.CandidateID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	list, err := s.service.Versions(agent)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_type": agent, "versions": list})
}

type rollbackRequest struct {
	Version *int   `json:"version"`
	Reason  string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Version == nil || *req.Version < 0 {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	res, err := s.service.Rollback(r.Context(), chi.URLParam(r, "agent"), *req.Version, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type backupRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.service.CreateBackup(r.Context(), chi.URLParam(r, "agent"), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cleanupRequest struct {
	Agent             string `json:"agent"`
	MaxAgeDays        *int   `json:"max_age_days"`
	KeepRecentBackups *int   `json:"keep_recent_backups"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	opts := retention.Options{Agent: req.Agent, KeepRecentBackups: -1}
	if req.MaxAgeDays != nil {
		if *req.MaxAgeDays <= 0 {
			writeError(w, http.StatusBadRequest, "max_age_days must be positive")
			return
		}
		opts.MaxAgeDays = *req.MaxAgeDays
	}
	if req.KeepRecentBackups != nil {
		if *req.KeepRecentBackups < 0 {
			writeError(w, http.StatusBadRequest, "keep_recent_backups must not be negative")
			return
		}
		opts.KeepRecentBackups = *req.KeepRecentBackups
	}
	stats, err := s.sweeper.Cleanup(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": len(stats.Errors) == 0, "stats": stats})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

// writeErr maps domain errors onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, optimize.ErrExternal):
		code = http.StatusBadGateway
	default:
		log.Printf("api: internal error: %v", err)
	}
	writeError(w, code, err.Error())
}
