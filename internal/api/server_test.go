package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"hivesync-jobs/internal/config"
	"hivesync-jobs/internal/models"
	"hivesync-jobs/internal/producer"
	"hivesync-jobs/internal/queue"
	"hivesync-jobs/internal/ratelimit"
	"hivesync-jobs/internal/store"
)

type fakeEnqueuer struct {
	previewErr error
	aiErr      error
	lastAI     producer.AIJobRequest
}

func (f *fakeEnqueuer) EnqueuePreview(ctx context.Context, req producer.PreviewRequest) (models.PreviewJob, error) {
	if f.previewErr != nil {
		return models.PreviewJob{}, f.previewErr
	}
	return models.PreviewJob{ID: "p1", Status: models.StatusQueued}, nil
}

func (f *fakeEnqueuer) EnqueueAIJob(ctx context.Context, req producer.AIJobRequest) (models.AIJob, error) {
	f.lastAI = req
	if f.aiErr != nil {
		return models.AIJob{}, f.aiErr
	}
	return models.AIJob{ID: "j1", Status: models.StatusQueued}, nil
}

type fakeAdmin struct {
	letters map[string]models.DeadLetter
}

func (f *fakeAdmin) Overview(ctx context.Context) (store.OverviewCounts, error) {
	return store.OverviewCounts{}, nil
}

func (f *fakeAdmin) ListPreviewJobs(ctx context.Context, status string, limit int) ([]models.PreviewJob, error) {
	return nil, nil
}

func (f *fakeAdmin) ListAIJobs(ctx context.Context, status string, limit int) ([]models.AIJob, error) {
	return nil, nil
}

func (f *fakeAdmin) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	return nil, nil
}

func (f *fakeAdmin) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	return nil, nil
}

func (f *fakeAdmin) GetDeadLetter(ctx context.Context, id string) (models.DeadLetter, error) {
	dl, ok := f.letters[id]
	if !ok {
		return models.DeadLetter{}, store.ErrNotFound
	}
	return dl, nil
}

type fakePublisher struct {
	queues []string
	tasks  []queue.Task
}

func (f *fakePublisher) Publish(ctx context.Context, q string, t queue.Task) error {
	f.queues = append(f.queues, q)
	f.tasks = append(f.tasks, t)
	return nil
}

type fakeLimiter struct {
	allowed    bool
	retryAfter int
	keys       []string
}

func (f *fakeLimiter) Hit(ctx context.Context, key string, limit, windowSeconds int) (ratelimit.Result, error) {
	f.keys = append(f.keys, key)
	return ratelimit.Result{Allowed: f.allowed, RetryAfterSeconds: f.retryAfter}, nil
}

func testServer(enq *fakeEnqueuer, admin *fakeAdmin, pub *fakePublisher, lim *fakeLimiter) *Server {
	cfg := config.Config{RateLimitPreview: 5, RateLimitAI: 10, RateLimitWindow: 60}
	return New(cfg, enq, admin, pub, lim)
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEnqueuePreviewAccepted(t *testing.T) {
	enq := &fakeEnqueuer{}
	lim := &fakeLimiter{allowed: true}
	srv := testServer(enq, &fakeAdmin{}, &fakePublisher{}, lim)

	rec := postJSON(t, srv.Router(), "/previews", map[string]any{
		"user_id":    "u1",
		"device_id":  "d1",
		"tier":       "Pro",
		"source_url": "https://example.test/in.png",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] != "p1" || resp["status"] != models.StatusQueued {
		t.Fatalf("unexpected response: %v", resp)
	}
	if len(lim.keys) != 1 || lim.keys[0] != "preview:u1" {
		t.Fatalf("expected limiter key preview:u1, got %v", lim.keys)
	}
}

func TestEnqueueRateLimited(t *testing.T) {
	enq := &fakeEnqueuer{}
	lim := &fakeLimiter{allowed: false, retryAfter: 42}
	srv := testServer(enq, &fakeAdmin{}, &fakePublisher{}, lim)

	rec := postJSON(t, srv.Router(), "/ai/jobs", map[string]any{
		"user_id":  "u1",
		"job_type": "summarize",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "42" {
		t.Fatalf("Retry-After: got %q, want 42", got)
	}
	if enq.lastAI.UserID != "" {
		t.Fatalf("rate-limited request must not reach the producer")
	}
}

func TestEnqueueErrorMapping(t *testing.T) {
	lim := &fakeLimiter{allowed: true}

	enq := &fakeEnqueuer{previewErr: producer.ErrInvalid}
	srv := testServer(enq, &fakeAdmin{}, &fakePublisher{}, lim)
	rec := postJSON(t, srv.Router(), "/previews", map[string]any{"user_id": "u1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid input: got %d, want 400", rec.Code)
	}

	enq = &fakeEnqueuer{previewErr: producer.ErrQueueUnavailable}
	srv = testServer(enq, &fakeAdmin{}, &fakePublisher{}, lim)
	rec = postJSON(t, srv.Router(), "/previews", map[string]any{
		"user_id": "u1", "device_id": "d1", "source_url": "https://x",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("broker down: got %d, want 503", rec.Code)
	}
}

func TestRequeueDLQRepublishesVerbatim(t *testing.T) {
	payload := map[string]any{"job_id": "j1", "job_type": "summarize", "schema_version": float64(1)}
	admin := &fakeAdmin{letters: map[string]models.DeadLetter{
		"dl1": {
			ID:       "dl1",
			TaskName: queue.TaskAIRun,
			Queue:    "ai-tasks",
			Attempts: 4,
			Payload:  payload,
		},
	}}
	pub := &fakePublisher{}
	srv := testServer(&fakeEnqueuer{}, admin, pub, &fakeLimiter{allowed: true})

	rec := postJSON(t, srv.Router(), "/admin/dlq/dl1/requeue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
	}

	if len(pub.tasks) != 1 || pub.queues[0] != "ai-tasks" {
		t.Fatalf("expected one publish to ai-tasks, got %v", pub.queues)
	}
	task := pub.tasks[0]
	if task.Name != queue.TaskAIRun || task.Attempt != 0 {
		t.Fatalf("requeued envelope must restart the attempt counter: %+v", task)
	}
	var got map[string]any
	if err := json.Unmarshal(task.Payload, &got); err != nil {
		t.Fatalf("decode republished payload: %v", err)
	}
	if got["job_id"] != "j1" || got["job_type"] != "summarize" || got["schema_version"] != float64(1) {
		t.Fatalf("payload not republished verbatim: %v", got)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "requeued" || resp["dlq_id"] != "dl1" || resp["queue"] != "ai-tasks" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestRequeueDLQNotFound(t *testing.T) {
	srv := testServer(&fakeEnqueuer{}, &fakeAdmin{letters: map[string]models.DeadLetter{}}, &fakePublisher{}, &fakeLimiter{allowed: true})

	rec := postJSON(t, srv.Router(), "/admin/dlq/missing/requeue", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := testServer(&fakeEnqueuer{}, &fakeAdmin{}, &fakePublisher{}, &fakeLimiter{allowed: true})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
}
