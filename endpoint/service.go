// Package endpoint exposes the serverless job API over HTTP: submit,
// status, cancel, purge and health, all scoped under /v2/{endpoint_id}
// and guarded by bearer authentication.
package endpoint

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/extractkit/pekserve/core/data"
	"github.com/extractkit/pekserve/core/jobs"
	"github.com/extractkit/pekserve/shield"
)

// JobTypeExtract is the queue job type for extraction requests.
const JobTypeExtract = "extract"

// Config configures the HTTP service.
type Config struct {
	// EndpointID is the identifier expected in /v2/{endpoint_id} paths.
	EndpointID string

	// APIKey is the bearer token required on /v2 routes. Either APIKey
	// or APIKeyHash must be set.
	APIKey string

	// APIKeyHash is a bcrypt hash of the bearer token, for deployments
	// that avoid plaintext keys in config files.
	APIKeyHash string

	// SyncWait bounds how long /runsync blocks before returning the
	// job's current (possibly non-terminal) state. Default: 60s.
	SyncWait time.Duration

	// SubmitRatePerSecond throttles job submissions. 0 disables
	// throttling.
	SubmitRatePerSecond float64

	// SubmitBurst is the rate limiter burst size. Default: 10.
	SubmitBurst int

	// WorkerSlots is the configured extraction concurrency, reported by
	// the health endpoint.
	WorkerSlots int

	// Observe, when set, receives "submitted" and "cancelled" lifecycle
	// notifications for the job event trail.
	Observe jobs.ObserveFunc
}

func (c *Config) defaults() {
	if c.EndpointID == "" {
		c.EndpointID = "pek"
	}
	if c.SyncWait <= 0 {
		c.SyncWait = 60 * time.Second
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 10
	}
	if c.WorkerSlots <= 0 {
		c.WorkerSlots = 1
	}
}

// Service is the HTTP face of the job queue.
type Service struct {
	cfg     Config
	queue   *jobs.Queue
	worker  *jobs.Worker
	logger  *slog.Logger
	limiter *rate.Limiter
}

// New creates the endpoint service sharing the worker's queue.
func New(cfg Config, worker *jobs.Worker, logger *slog.Logger) *Service {
	cfg.defaults()

	var limiter *rate.Limiter
	if cfg.SubmitRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSecond), cfg.SubmitBurst)
	}

	return &Service{
		cfg:     cfg,
		queue:   worker.Queue(),
		worker:  worker,
		logger:  logger,
		limiter: limiter,
	}
}

// log returns the per-request logger installed by shield.TraceID, so
// handler logs carry the trace ID. Falls back to the service logger
// when the middleware is not mounted.
func (s *Service) log(r *http.Request) *slog.Logger {
	if l := shield.GetLogger(r.Context()); l != nil {
		return l
	}
	return s.logger
}

// RegisterHTTP mounts the service routes on a chi router.
func (s *Service) RegisterHTTP(r chi.Router) {
	// Liveness endpoints, outside the authenticated surface.
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleLiveness)

	r.Route("/v2/{endpoint_id}", func(r chi.Router) {
		r.Use(s.requireEndpointID)
		r.Use(s.requireAuth)

		r.Post("/run", s.handleRun)
		r.Post("/runsync", s.handleRunSync)
		r.Get("/status/{job_id}", s.handleStatus)
		r.Post("/cancel/{job_id}", s.handleCancel)
		r.Post("/purge-queue", s.handlePurgeQueue)
		r.Get("/health", s.handleHealth)
	})
}

func (s *Service) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "PDF Extract Kit API is running"})
}

func (s *Service) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleRun accepts an async job submission.
func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.submit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{ID: id.String(), Status: jobs.StatusInQueue})
}

// handleRunSync submits a job and waits for a terminal state, bounded by
// the sync wait budget. A still-running job returns its current state.
func (s *Service) handleRunSync(w http.ResponseWriter, r *http.Request) {
	id, ok := s.submit(w, r)
	if !ok {
		return
	}

	deadline := time.Now().Add(s.cfg.SyncWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := s.queue.Get(id)
		if err != nil {
			s.log(r).Error("runsync poll failed", "id", id.String(), "error", err)
			httpError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if job.Status.Terminal() {
			writeJSON(w, http.StatusOK, stateFromJob(job))
			return
		}
		if time.Now().After(deadline) {
			writeJSON(w, http.StatusOK, stateFromJob(job))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// submit validates the envelope and enqueues the job. Writes the error
// response itself when validation fails.
func (s *Service) submit(w http.ResponseWriter, r *http.Request) (data.UUID, bool) {
	if s.limiter != nil && !s.limiter.Allow() {
		httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return data.UUID{}, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 512*1024*1024))
	if err != nil {
		httpError(w, http.StatusBadRequest, "failed to read request body")
		return data.UUID{}, false
	}

	req, err := decodeRunRequest(body)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return data.UUID{}, false
	}

	payload := map[string]interface{}{
		"input": req.Input,
	}

	id, err := s.queue.Submit(JobTypeExtract, payload)
	if err != nil {
		s.log(r).Error("job submit failed", "error", err)
		httpError(w, http.StatusInternalServerError, "failed to enqueue job")
		return data.UUID{}, false
	}

	if s.cfg.Observe != nil {
		s.cfg.Observe(id.String(), JobTypeExtract, "submitted", "", 0)
	}

	s.log(r).Info("Job submitted",
		"id", id.String(),
		"url", req.Input.URL != "",
		"inline", req.Input.FileBase64 != "",
		"visualize", req.Input.Visualize)

	return id, true
}

// handleStatus returns the job envelope, with output when terminal.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stateFromJob(job))
}

// handleCancel cancels a queued job. Claimed or terminal jobs report
// their current status unchanged.
func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	cancelled, err := s.queue.Cancel(job.ID)
	if err != nil {
		s.log(r).Error("cancel failed", "id", job.ID.String(), "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := job.Status
	if cancelled {
		status = jobs.StatusCancelled
		if s.cfg.Observe != nil {
			s.cfg.Observe(job.ID.String(), job.Type, "cancelled", "", 0)
		}
		s.log(r).Info("Job cancelled", "id", job.ID.String())
	}
	writeJSON(w, http.StatusOK, RunResponse{ID: job.ID.String(), Status: status})
}

// handlePurgeQueue cancels every queued job.
func (s *Service) handlePurgeQueue(w http.ResponseWriter, r *http.Request) {
	removed, err := s.queue.PurgeQueued()
	if err != nil {
		s.log(r).Error("purge failed", "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.log(r).Info("Queue purged", "removed", removed)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
		"status":  "completed",
	})
}

// handleHealth reports queue depth and worker occupancy.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.CountByStatus()
	if err != nil {
		s.log(r).Error("health count failed", "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	running := s.worker.Running()
	idle := s.cfg.WorkerSlots - running
	if idle < 0 {
		idle = 0
	}

	jobCounts := make(map[string]int, len(counts))
	for status, n := range counts {
		jobCounts[string(status)] = n
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Workers: WorkerCounts{Idle: idle, Running: running},
		Jobs:    jobCounts,
	})
}

// lookupJob resolves {job_id} to a queue job, writing 400/404 on failure.
func (s *Service) lookupJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	idStr := chi.URLParam(r, "job_id")
	id, err := data.ParseUUID(idStr)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid job id")
		return nil, false
	}

	job, err := s.queue.Get(id)
	if err == sql.ErrNoRows {
		httpError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		s.log(r).Error("job lookup failed", "id", idStr, "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return job, true
}

// requireEndpointID rejects paths addressed to a different endpoint.
func (s *Service) requireEndpointID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "endpoint_id") != s.cfg.EndpointID {
			httpError(w, http.StatusNotFound, "unknown endpoint")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
