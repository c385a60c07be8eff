package worker

import (
	"context"
	"encoding/json"
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

// Runner executes one kind of job. Validate rejects structurally bad payloads
// and extracts the job id before any state transition; Execute performs the
// actual work and reports an explicit outcome.
type Runner interface {
	Kind() string
	TaskName() string
	Queue() string
	Validate(payload json.RawMessage) (jobID string, err error)
	Execute(ctx context.Context, payload json.RawMessage) Outcome
}

// JobStore is the per-kind subset of store transitions the processor commits.
type JobStore interface {
	Status(ctx context.Context, id string) (string, error)
	MarkRunning(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string, result map[string]any) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// DeadLetters persists permanently-failed executions.
type DeadLetters interface {
	InsertDeadLetter(ctx context.Context, p store.InsertDeadLetterParams) (models.DeadLetter, error)
}

// Broker is the queue client the processor consumes from and republishes to.
type Broker interface {
	Consume(ctx context.Context, queueName string) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Publish(ctx context.Context, queueName string, t queue.Task) error
	PublishIn(ctx context.Context, queueName string, t queue.Task, delay time.Duration) error
}

// Processor drives the worker execution loop for one job kind.
type Processor struct {
	broker      Broker
	jobs        JobStore
	deadLetters DeadLetters
	runner      Runner
	dlqQueue    string
	maxRetries  int
	retryDelays []time.Duration
}

// NewProcessor wires a processor. maxRetries bounds retries per job; delays is
// the deterministic backoff schedule indexed by attempt number.
func NewProcessor(b Broker, jobs JobStore, dls DeadLetters, r Runner, dlqQueue string, maxRetries int, delays []time.Duration) *Processor {
	return &Processor{
		broker:      b,
		jobs:        jobs,
		deadLetters: dls,
		runner:      r,
		dlqQueue:    dlqQueue,
		maxRetries:  maxRetries,
		retryDelays: delays,
	}
}

// Run consumes the runner's queue until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d, err := p.broker.Consume(ctx, p.runner.Queue())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("worker[%s]: consume: %v", p.runner.Kind(), err)
			time.Sleep(time.Second)
			continue
		}
		if d == nil {
			continue
		}
		p.Handle(ctx, d)
	}
}

// Handle processes one delivery end to end. The message is acked only after
// this returns (late ack), so a crash mid-execution leads to redelivery.
func (p *Processor) Handle(ctx context.Context, d *queue.Delivery) {
	defer func() {
		if err := p.broker.Ack(ctx, d); err != nil {
			log.Printf("worker[%s]: ack %s: %v", p.runner.Kind(), d.Task.ID, err)
		}
	}()

	jobID, err := p.runner.Validate(d.Task.Payload)
	if err != nil {
		// A structurally invalid message cannot be corrected by retrying.
		log.Printf("worker[%s]: dropping malformed message %s: %v", p.runner.Kind(), d.Task.ID, err)
		telemetry.MessagesDropped.Inc()
		return
	}

	status, err := p.jobs.Status(ctx, jobID)
	if err != nil {
		p.retryOrFail(ctx, d, jobID, fmt.Errorf("load job: %w", err))
		return
	}
	// Idempotency guard: duplicate deliveries of finished work are no-ops.
	if models.IsTerminal(status) {
		log.Printf("worker[%s]: job %s already %s; skipping", p.runner.Kind(), jobID, status)
		return
	}

	// Commit the running transition before any execution side effect, so a
	// crash past this point is observably "started but not finished".
	if err := p.jobs.MarkRunning(ctx, jobID); err != nil {
		p.retryOrFail(ctx, d, jobID, fmt.Errorf("mark running: %w", err))
		return
	}

	telemetry.InFlightGauge.Inc()
	outcome := p.runner.Execute(ctx, d.Task.Payload)
	telemetry.InFlightGauge.Dec()

	switch outcome.Verdict {
	case Done:
		if err := p.jobs.MarkSucceeded(ctx, jobID, outcome.Result); err != nil {
			log.Printf("worker[%s]: mark succeeded %s: %v", p.runner.Kind(), jobID, err)
			return
		}
		telemetry.JobsSucceeded.WithLabelValues(p.runner.Kind()).Inc()
	case PermanentFailure:
		p.finalFail(ctx, d, jobID, d.Task.Attempt+1, outcome.Err)
	default:
		p.retryOrFail(ctx, d, jobID, outcome.Err)
	}
}

// retryOrFail republishes the message with backoff while attempts remain. The
// job row stays claimed in running; only the broker carries the retry.
func (p *Processor) retryOrFail(ctx context.Context, d *queue.Delivery, jobID string, cause error) {
	attempt := d.Task.Attempt + 1
	if attempt > p.maxRetries {
		p.finalFail(ctx, d, jobID, attempt, cause)
		return
	}

	delay := RetryDelay(p.retryDelays, attempt)
	retry := d.Task
	retry.Attempt = attempt
	if err := p.broker.PublishIn(ctx, d.Queue, retry, delay); err != nil {
		log.Printf("worker[%s]: schedule retry for %s: %v", p.runner.Kind(), jobID, err)
		p.finalFail(ctx, d, jobID, attempt, cause)
		return
	}
	telemetry.JobsRetried.WithLabelValues(p.runner.Kind()).Inc()
	log.Printf("worker[%s]: job %s failed (attempt %d/%d), retrying in %s: %v",
		p.runner.Kind(), jobID, attempt, p.maxRetries, delay, cause)
}

// finalFail commits the failed transition, then records the dead letter and
// publishes the best-effort DLQ notification. The durable commits stay
// authoritative over the notification.
func (p *Processor) finalFail(ctx context.Context, d *queue.Delivery, jobID string, attempts int, cause error) {
	log.Printf("worker[%s]: job %s failed permanently after %d attempts: %v", p.runner.Kind(), jobID, attempts, cause)

	if err := p.jobs.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		log.Printf("worker[%s]: mark failed %s: %v", p.runner.Kind(), jobID, err)
	}

	var payloadMap map[string]any
	if err := json.Unmarshal(d.Task.Payload, &payloadMap); err != nil {
		payloadMap = map[string]any{}
	}
	dlParams := store.InsertDeadLetterParams{
		TaskName:     d.Task.Name,
		Queue:        d.Queue,
		ExecutionID:  &d.Task.ID,
		Attempts:     attempts,
		ErrorType:    errorType(cause),
		ErrorMessage: cause.Error(),
		Payload:      payloadMap,
	}
	if p.runner.Kind() == "preview" {
		dlParams.PreviewJobID = &jobID
	} else {
		dlParams.AIJobID = &jobID
	}
	dl, err := p.deadLetters.InsertDeadLetter(ctx, dlParams)
	if err != nil {
		log.Printf("worker[%s]: write dead letter for %s: %v", p.runner.Kind(), jobID, err)
		return
	}
	telemetry.JobsDeadLettered.WithLabelValues(p.runner.Kind()).Inc()

	notify, err := queue.NewTask(queue.TaskDLQRecorded, queue.DLQRecordedPayload{
		Kind:         p.runner.Kind(),
		JobID:        jobID,
		DeadLetterID: dl.ID,
	})
	if err == nil {
		err = p.broker.Publish(ctx, p.dlqQueue, notify)
	}
	if err != nil {
		log.Printf("worker[%s]: publish dlq notification for %s: %v", p.runner.Kind(), jobID, err)
	}
}

// errorType reduces an error to a short tag for the dead letter row.
func errorType(err error) string {
	inner := err
	for {
		u := errors.Unwrap(inner)
		if u == nil {
			break
		}
		inner = u
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", inner), "*")
}
