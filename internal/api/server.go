package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hivesync-jobs/internal/config"
	"hivesync-jobs/internal/models"
	"hivesync-jobs/internal/producer"
	"hivesync-jobs/internal/queue"
	"hivesync-jobs/internal/ratelimit"
	"hivesync-jobs/internal/store"
	"hivesync-jobs/internal/telemetry"
)

// Enqueuer accepts validated job requests from API callers.
type Enqueuer interface {
	EnqueuePreview(ctx context.Context, req producer.PreviewRequest) (models.PreviewJob, error)
	EnqueueAIJob(ctx context.Context, req producer.AIJobRequest) (models.AIJob, error)
}

// AdminStore is the read/query surface behind the observability endpoints.
type AdminStore interface {
	Overview(ctx context.Context) (store.OverviewCounts, error)
	ListPreviewJobs(ctx context.Context, status string, limit int) ([]models.PreviewJob, error)
	ListAIJobs(ctx context.Context, status string, limit int) ([]models.AIJob, error)
	ListWorkers(ctx context.Context) ([]models.Worker, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (models.DeadLetter, error)
}

// Publisher republishes dead-letter payloads to their original queues.
type Publisher interface {
	Publish(ctx context.Context, queueName string, t queue.Task) error
}

// Limiter guards the producer-facing enqueue endpoints.
type Limiter interface {
	Hit(ctx context.Context, key string, limit, windowSeconds int) (ratelimit.Result, error)
}

// Server wires HTTP handlers for the producer and admin surfaces.
type Server struct {
	cfg      config.Config
	enqueuer Enqueuer
	admin    AdminStore
	pub      Publisher
	limiter  Limiter
}

// New constructs the API server.
func New(cfg config.Config, enq Enqueuer, admin AdminStore, pub Publisher, limiter Limiter) *Server {
	return &Server{cfg: cfg, enqueuer: enq, admin: admin, pub: pub, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/previews", s.handleEnqueuePreview)
	r.Post("/ai/jobs", s.handleEnqueueAIJob)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/overview", s.handleOverview)
		r.Get("/previews", s.handleListPreviews)
		r.Get("/ai-jobs", s.handleListAIJobs)
		r.Get("/workers", s.handleListWorkers)
		r.Get("/dlq", s.handleListDLQ)
		r.Post("/dlq/{id}/requeue", s.handleRequeueDLQ)
	})
	return r
}

type previewRequest struct {
	UserID    string  `json:"user_id"`
	TeamID    *string `json:"team_id"`
	ProjectID *string `json:"project_id"`
	DeviceID  string  `json:"device_id"`
	Tier      string  `json:"tier"`
	SourceURL string  `json:"source_url"`
	OutputKey string  `json:"output_key"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Grayscale bool    `json:"grayscale"`
}

func (s *Server) handleEnqueuePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		req.Tier = models.TierFree
	}
	if !s.allow(w, r, "preview:"+req.UserID, s.cfg.RateLimitPreview) {
		return
	}

	job, err := s.enqueuer.EnqueuePreview(r.Context(), producer.PreviewRequest{
		UserID:    req.UserID,
		TeamID:    req.TeamID,
		ProjectID: req.ProjectID,
		DeviceID:  req.DeviceID,
		Tier:      req.Tier,
		SourceURL: req.SourceURL,
		OutputKey: req.OutputKey,
		Width:     req.Width,
		Height:    req.Height,
		Grayscale: req.Grayscale,
	})
	if err != nil {
		s.enqueueError(w, err, "preview queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": job.Status})
}

type aiJobRequest struct {
	UserID    string         `json:"user_id"`
	TeamID    *string        `json:"team_id"`
	ProjectID *string        `json:"project_id"`
	JobType   string         `json:"job_type"`
	Tier      string         `json:"tier"`
	Selection map[string]any `json:"selection"`
}

func (s *Server) handleEnqueueAIJob(w http.ResponseWriter, r *http.Request) {
	var req aiJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		req.Tier = models.TierFree
	}
	if !s.allow(w, r, "ai:"+req.UserID, s.cfg.RateLimitAI) {
		return
	}

	job, err := s.enqueuer.EnqueueAIJob(r.Context(), producer.AIJobRequest{
		UserID:    req.UserID,
		TeamID:    req.TeamID,
		ProjectID: req.ProjectID,
		JobType:   req.JobType,
		Tier:      req.Tier,
		Selection: req.Selection,
	})
	if err != nil {
		s.enqueueError(w, err, "ai queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": job.Status})
}

// allow runs the fixed-window limiter and writes the 429 response itself when
// the caller is over the limit.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string, limit int) bool {
	if s.limiter == nil {
		return true
	}
	res, err := s.limiter.Hit(r.Context(), key, limit, s.cfg.RateLimitWindow)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !res.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) enqueueError(w http.ResponseWriter, err error, unavailableMsg string) {
	switch {
	case errors.Is(err, producer.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, producer.ErrQueueUnavailable):
		http.Error(w, unavailableMsg, http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	o, err := s.admin.Overview(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListPreviews(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.admin.ListPreviewJobs(r.Context(), r.URL.Query().Get("status"), queryLimit(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleListAIJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.admin.ListAIJobs(r.Context(), r.URL.Query().Get("status"), queryLimit(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.admin.ListWorkers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": workers})
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	letters, err := s.admin.ListDeadLetters(r.Context(), queryLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": letters})
}

// handleRequeueDLQ republishes the stored payload verbatim to the stored queue
// under the stored task name. The dead letter row itself is never mutated, so
// requeue history stays visible.
func (s *Server) handleRequeueDLQ(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dl, err := s.admin.GetDeadLetter(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "dead letter not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	t, err := queue.NewTask(dl.TaskName, dl.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.pub.Publish(r.Context(), dl.Queue, t); err != nil {
		http.Error(w, "requeue failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "requeued",
		"requeued_task": dl.TaskName,
		"queue":         dl.Queue,
		"dlq_id":        dl.ID,
	})
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
