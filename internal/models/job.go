package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Terminal states are
// succeeded, failed, and cancelled; a terminal row is never mutated again
// except by the sweeper's stuck-timeout reclassification.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Service tiers captured at submission time.
const (
	TierFree    = "Free"
	TierPro     = "Pro"
	TierPremium = "Premium"
	TierAdmin   = "Admin"
)

// IsTerminal reports whether a job status permits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTier reports whether s is a known service tier.
func ValidTier(s string) bool {
	switch s {
	case TierFree, TierPro, TierPremium, TierAdmin:
		return true
	}
	return false
}

// PreviewJob is a durable record of one preview-generation request.
type PreviewJob struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	TeamID       *string        `json:"team_id,omitempty"`
	ProjectID    *string        `json:"project_id,omitempty"`
	DeviceID     string         `json:"device_id"`
	Status       string         `json:"status"`
	TierSnapshot string         `json:"tier_snapshot"`
	Params       map[string]any `json:"params"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *string        `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// AIJob is a durable record of one AI analysis request.
type AIJob struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	TeamID       *string        `json:"team_id,omitempty"`
	ProjectID    *string        `json:"project_id,omitempty"`
	JobType      string         `json:"job_type"`
	Status       string         `json:"status"`
	TierSnapshot string         `json:"tier_snapshot"`
	Params       map[string]any `json:"params"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *string        `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Worker is one row per physical worker process, upserted by worker id.
type Worker struct {
	ID              string         `json:"id"`
	WorkerID        string         `json:"worker_id"`
	Kind            string         `json:"kind"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
	Metadata        map[string]any `json:"metadata"`
}

// DeadLetter records one permanently-failed task execution, append-only.
// Payload keeps the original task body byte-for-byte so an operator can
// requeue it verbatim.
type DeadLetter struct {
	ID           string         `json:"id"`
	TaskName     string         `json:"task_name"`
	Queue        string         `json:"queue"`
	ExecutionID  *string        `json:"execution_id,omitempty"`
	PreviewJobID *string        `json:"preview_job_id,omitempty"`
	AIJobID      *string        `json:"ai_job_id,omitempty"`
	Attempts     int            `json:"attempts"`
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    time.Time      `json:"created_at"`
}
