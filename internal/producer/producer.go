package producer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"hivesync-jobs/internal/models"
	"hivesync-jobs/internal/queue"
	"hivesync-jobs/internal/store"
	"hivesync-jobs/internal/telemetry"
)

// ErrQueueUnavailable signals that the job record exists but could not be
// published; the caller should surface a service-unavailable condition.
var ErrQueueUnavailable = errors.New("task queue unavailable")

// ErrInvalid wraps caller input rejected before any record is created.
var ErrInvalid = errors.New("invalid request")

// JobStore is the subset of store operations the producer needs.
type JobStore interface {
	CreatePreviewJob(ctx context.Context, p store.CreatePreviewJobParams) (models.PreviewJob, error)
	CreateAIJob(ctx context.Context, p store.CreateAIJobParams) (models.AIJob, error)
	MarkPreviewFailed(ctx context.Context, id, errMsg string) error
	MarkAIJobFailed(ctx context.Context, id, errMsg string) error
}

// Publisher publishes task envelopes onto named queues.
type Publisher interface {
	Publish(ctx context.Context, queueName string, t queue.Task) error
}

// Producer creates job records in queued state and hands them to the broker.
// A job the broker never accepted is flipped to failed synchronously so the
// store and the caller never disagree about whether work was queued.
type Producer struct {
	store        JobStore
	pub          Publisher
	previewQueue string
	aiQueue      string
}

// New wires a producer to its store and broker.
func New(st JobStore, pub Publisher, previewQueue, aiQueue string) *Producer {
	return &Producer{store: st, pub: pub, previewQueue: previewQueue, aiQueue: aiQueue}
}

// PreviewRequest is validated caller input for a preview job.
type PreviewRequest struct {
	UserID    string
	TeamID    *string
	ProjectID *string
	DeviceID  string
	Tier      string
	SourceURL string
	OutputKey string
	Width     int
	Height    int
	Grayscale bool
}

// EnqueuePreview inserts a queued preview job and publishes its task message.
func (p *Producer) EnqueuePreview(ctx context.Context, req PreviewRequest) (models.PreviewJob, error) {
	if req.UserID == "" || req.DeviceID == "" || req.SourceURL == "" {
		return models.PreviewJob{}, fmt.Errorf("%w: user_id, device_id and source_url are required", ErrInvalid)
	}
	if !models.ValidTier(req.Tier) {
		return models.PreviewJob{}, fmt.Errorf("%w: unknown tier %q", ErrInvalid, req.Tier)
	}

	params := map[string]any{
		"source_url": req.SourceURL,
		"output_key": req.OutputKey,
		"width":      req.Width,
		"height":     req.Height,
		"grayscale":  req.Grayscale,
	}
	job, err := p.store.CreatePreviewJob(ctx, store.CreatePreviewJobParams{
		UserID:       req.UserID,
		TeamID:       req.TeamID,
		ProjectID:    req.ProjectID,
		DeviceID:     req.DeviceID,
		TierSnapshot: req.Tier,
		Params:       params,
	})
	if err != nil {
		return models.PreviewJob{}, fmt.Errorf("create preview job: %w", err)
	}

	payload := queue.PreviewPayload{
		PreviewID:     job.ID,
		UserID:        req.UserID,
		TeamID:        req.TeamID,
		ProjectID:     req.ProjectID,
		DeviceID:      req.DeviceID,
		TierSnapshot:  req.Tier,
		SourceURL:     req.SourceURL,
		OutputKey:     req.OutputKey,
		Width:         req.Width,
		Height:        req.Height,
		Grayscale:     req.Grayscale,
		RequestedAt:   job.CreatedAt.UTC().Format(time.RFC3339),
		SchemaVersion: queue.SchemaVersion,
	}
	if err := p.publish(ctx, p.previewQueue, queue.TaskPreviewRun, payload, payload.Validate()); err != nil {
		p.failQueued(ctx, "preview", job.ID, err)
		return models.PreviewJob{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	telemetry.EnqueueCounter.WithLabelValues("preview").Inc()
	return job, nil
}

// AIJobRequest is validated caller input for an AI job.
type AIJobRequest struct {
	UserID    string
	TeamID    *string
	ProjectID *string
	JobType   string
	Tier      string
	Selection map[string]any
}

// EnqueueAIJob inserts a queued AI job and publishes its task message.
func (p *Producer) EnqueueAIJob(ctx context.Context, req AIJobRequest) (models.AIJob, error) {
	if req.UserID == "" || req.JobType == "" {
		return models.AIJob{}, fmt.Errorf("%w: user_id and job_type are required", ErrInvalid)
	}
	if !models.ValidTier(req.Tier) {
		return models.AIJob{}, fmt.Errorf("%w: unknown tier %q", ErrInvalid, req.Tier)
	}

	job, err := p.store.CreateAIJob(ctx, store.CreateAIJobParams{
		UserID:       req.UserID,
		TeamID:       req.TeamID,
		ProjectID:    req.ProjectID,
		JobType:      req.JobType,
		TierSnapshot: req.Tier,
		Params:       map[string]any{"selection": req.Selection},
	})
	if err != nil {
		return models.AIJob{}, fmt.Errorf("create ai job: %w", err)
	}

	payload := queue.AIJobPayload{
		JobID:         job.ID,
		JobType:       req.JobType,
		UserID:        req.UserID,
		TeamID:        req.TeamID,
		ProjectID:     req.ProjectID,
		TierSnapshot:  req.Tier,
		Selection:     req.Selection,
		RequestedAt:   job.CreatedAt.UTC().Format(time.RFC3339),
		SchemaVersion: queue.SchemaVersion,
	}
	if err := p.publish(ctx, p.aiQueue, queue.TaskAIRun, payload, payload.Validate()); err != nil {
		p.failQueued(ctx, "ai", job.ID, err)
		return models.AIJob{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	telemetry.EnqueueCounter.WithLabelValues("ai").Inc()
	return job, nil
}

func (p *Producer) publish(ctx context.Context, queueName, taskName string, payload any, validateErr error) error {
	if validateErr != nil {
		return fmt.Errorf("validate payload: %w", validateErr)
	}
	t, err := queue.NewTask(taskName, payload)
	if err != nil {
		return err
	}
	return p.pub.Publish(ctx, queueName, t)
}

// failQueued closes the gap between the two stores: the caller must not see a
// queued job that was never actually queued.
func (p *Producer) failQueued(ctx context.Context, kind, id string, cause error) {
	errMsg := "enqueue_failed: " + errorClass(cause)
	var markErr error
	switch kind {
	case "preview":
		markErr = p.store.MarkPreviewFailed(ctx, id, errMsg)
	default:
		markErr = p.store.MarkAIJobFailed(ctx, id, errMsg)
	}
	if markErr != nil {
		log.Printf("producer: mark %s job %s failed: %v (publish cause: %v)", kind, id, markErr, cause)
	}
	telemetry.EnqueueFailures.WithLabelValues(kind).Inc()
	log.Printf("producer: publish failed for %s job %s: %v", kind, id, cause)
}

// errorClass collapses a publish failure into a short stable tag for the
// job's error column.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case strings.Contains(err.Error(), "marshal"), strings.Contains(err.Error(), "validate"):
		return "serialization_error"
	default:
		return "broker_unavailable"
	}
}
