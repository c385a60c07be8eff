package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"hivesync-jobs/internal/models"
)

// Stable task names. In-flight messages and dead-letter rows reference these
// by string, so they must not change without a migration plan.
const (
	TaskPreviewRun    = "job.preview.run"
	TaskAIRun         = "job.ai.run"
	TaskRecoverySweep = "job.recovery.sweep"
	TaskDLQRecorded   = "job.dlq.recorded"
)

// SchemaVersion is stamped into every payload so old workers can detect
// envelope shape changes.
const SchemaVersion = 1

// Task is the kind-agnostic message envelope published onto named queues.
type Task struct {
	Name    string          `json:"task"`
	ID      string          `json:"id"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

// NewTask wraps a payload into an envelope with a fresh execution id.
func NewTask(name string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal task payload: %w", err)
	}
	return Task{Name: name, ID: uuid.New().String(), Payload: raw}, nil
}

// PreviewPayload is the wire body for job.preview.run.
type PreviewPayload struct {
	PreviewID     string  `json:"preview_id"`
	UserID        string  `json:"user_id"`
	TeamID        *string `json:"team_id"`
	ProjectID     *string `json:"project_id"`
	DeviceID      string  `json:"device_id"`
	TierSnapshot  string  `json:"tier_snapshot"`
	SourceURL     string  `json:"source_url"`
	OutputKey     string  `json:"output_key,omitempty"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	Grayscale     bool    `json:"grayscale,omitempty"`
	RequestedAt   string  `json:"requested_at"`
	SchemaVersion int     `json:"schema_version"`
}

// Validate checks the payload at the producer boundary, before publish.
func (p PreviewPayload) Validate() error {
	if p.PreviewID == "" {
		return errors.New("preview_id is required")
	}
	if p.UserID == "" {
		return errors.New("user_id is required")
	}
	if p.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if p.SourceURL == "" {
		return errors.New("source_url is required")
	}
	if !models.ValidTier(p.TierSnapshot) {
		return fmt.Errorf("unknown tier snapshot %q", p.TierSnapshot)
	}
	return nil
}

// AIJobPayload is the wire body for job.ai.run.
type AIJobPayload struct {
	JobID         string         `json:"job_id"`
	JobType       string         `json:"job_type"`
	UserID        string         `json:"user_id"`
	TeamID        *string        `json:"team_id"`
	ProjectID     *string        `json:"project_id"`
	TierSnapshot  string         `json:"tier_snapshot"`
	Selection     map[string]any `json:"selection"`
	RequestedAt   string         `json:"requested_at"`
	SchemaVersion int            `json:"schema_version"`
}

// Validate checks the payload at the producer boundary, before publish.
func (p AIJobPayload) Validate() error {
	if p.JobID == "" {
		return errors.New("job_id is required")
	}
	if p.JobType == "" {
		return errors.New("job_type is required")
	}
	if p.UserID == "" {
		return errors.New("user_id is required")
	}
	if !models.ValidTier(p.TierSnapshot) {
		return fmt.Errorf("unknown tier snapshot %q", p.TierSnapshot)
	}
	return nil
}

// DLQRecordedPayload is the lightweight notification published to the DLQ
// topic after a dead letter row is written.
type DLQRecordedPayload struct {
	Kind         string `json:"kind"`
	JobID        string `json:"job_id"`
	DeadLetterID string `json:"dead_letter_id"`
}
