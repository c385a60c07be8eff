package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hivesync-jobs/internal/config"
	"hivesync-jobs/internal/queue"
)

// AIRunner executes AI analysis jobs. With an inference endpoint configured it
// forwards the selection there; without one it produces a local summary so the
// pipeline stays exercisable in development.
type AIRunner struct {
	cfg        config.Config
	httpClient *http.Client
}

// NewAIRunner builds the runner from config.
func NewAIRunner(cfg config.Config) *AIRunner {
	timeout := cfg.AITimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &AIRunner{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *AIRunner) Kind() string     { return "ai" }
func (r *AIRunner) TaskName() string { return queue.TaskAIRun }
func (r *AIRunner) Queue() string    { return r.cfg.AIQueue }

// Validate parses the payload and extracts the job id. A payload without a
// job id is malformed and gets dropped, never retried.
func (r *AIRunner) Validate(payload json.RawMessage) (string, error) {
	var p queue.AIJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode ai payload: %w", err)
	}
	if p.JobID == "" {
		return "", fmt.Errorf("missing job_id in payload")
	}
	return p.JobID, nil
}

// Execute runs one AI job.
func (r *AIRunner) Execute(ctx context.Context, payload json.RawMessage) Outcome {
	var p queue.AIJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Permanent(fmt.Errorf("decode ai payload: %w", err))
	}

	if r.cfg.AIEndpoint == "" {
		return Succeed(map[string]any{
			"job_type":    p.JobType,
			"summary":     "AI job completed successfully",
			"selection":   p.Selection,
			"finished_at": time.Now().UTC().Format(time.RFC3339),
		})
	}

	body, err := json.Marshal(map[string]any{
		"job_id":    p.JobID,
		"job_type":  p.JobType,
		"selection": p.Selection,
	})
	if err != nil {
		return Permanent(fmt.Errorf("marshal inference request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.AIEndpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build inference request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("call inference endpoint: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return Transient(fmt.Errorf("inference endpoint: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Permanent(fmt.Errorf("inference endpoint: status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return Transient(fmt.Errorf("read inference response: %w", err))
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return Permanent(fmt.Errorf("decode inference response: %w", err))
	}
	result["finished_at"] = time.Now().UTC().Format(time.RFC3339)
	return Succeed(result)
}
