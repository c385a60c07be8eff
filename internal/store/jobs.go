package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"hivesync-jobs/internal/models"
)

// ErrNotFound is returned when a job id matches no row.
var ErrNotFound = errors.New("not found")

// CreatePreviewJobParams collects inputs required to insert a preview job.
type CreatePreviewJobParams struct {
	UserID       string
	TeamID       *string
	ProjectID    *string
	DeviceID     string
	TierSnapshot string
	Params       map[string]any
}

// CreatePreviewJob inserts a preview job row in queued state.
func (s *Store) CreatePreviewJob(ctx context.Context, p CreatePreviewJobParams) (models.PreviewJob, error) {
	paramsJSON, err := json.Marshal(orEmpty(p.Params))
	if err != nil {
		return models.PreviewJob{}, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO preview_jobs (id, user_id, team_id, project_id, device_id, status, tier_snapshot, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, p.UserID, p.TeamID, p.ProjectID, p.DeviceID, models.StatusQueued, p.TierSnapshot, paramsJSON, now)
	if err != nil {
		return models.PreviewJob{}, fmt.Errorf("insert preview job: %w", err)
	}

	return models.PreviewJob{
		ID:           id,
		UserID:       p.UserID,
		TeamID:       p.TeamID,
		ProjectID:    p.ProjectID,
		DeviceID:     p.DeviceID,
		Status:       models.StatusQueued,
		TierSnapshot: p.TierSnapshot,
		Params:       orEmpty(p.Params),
		CreatedAt:    now,
	}, nil
}

// CreateAIJobParams collects inputs required to insert an AI job.
type CreateAIJobParams struct {
	UserID       string
	TeamID       *string
	ProjectID    *string
	JobType      string
	TierSnapshot string
	Params       map[string]any
}

// CreateAIJob inserts an AI job row in queued state.
func (s *Store) CreateAIJob(ctx context.Context, p CreateAIJobParams) (models.AIJob, error) {
	paramsJSON, err := json.Marshal(orEmpty(p.Params))
	if err != nil {
		return models.AIJob{}, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ai_jobs (id, user_id, team_id, project_id, job_type, status, tier_snapshot, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, p.UserID, p.TeamID, p.ProjectID, p.JobType, models.StatusQueued, p.TierSnapshot, paramsJSON, now)
	if err != nil {
		return models.AIJob{}, fmt.Errorf("insert ai job: %w", err)
	}

	return models.AIJob{
		ID:           id,
		UserID:       p.UserID,
		TeamID:       p.TeamID,
		ProjectID:    p.ProjectID,
		JobType:      p.JobType,
		Status:       models.StatusQueued,
		TierSnapshot: p.TierSnapshot,
		Params:       orEmpty(p.Params),
		CreatedAt:    now,
	}, nil
}

// GetPreviewJob fetches a preview job by id.
func (s *Store) GetPreviewJob(ctx context.Context, id string) (models.PreviewJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, team_id, project_id, device_id, status, tier_snapshot, params, result, error, created_at, completed_at
		FROM preview_jobs WHERE id = $1
	`, id)

	var j models.PreviewJob
	var paramsJSON, resultJSON []byte
	var teamID, projectID, errText pgtype.Text
	var completed pgtype.Timestamptz

	err := row.Scan(&j.ID, &j.UserID, &teamID, &projectID, &j.DeviceID, &j.Status, &j.TierSnapshot,
		&paramsJSON, &resultJSON, &errText, &j.CreatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PreviewJob{}, fmt.Errorf("preview job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.PreviewJob{}, fmt.Errorf("scan preview job: %w", err)
	}

	j.TeamID = textPtr(teamID)
	j.ProjectID = textPtr(projectID)
	j.Error = textPtr(errText)
	j.CompletedAt = timePtr(completed)
	if err := unmarshalMap(paramsJSON, &j.Params); err != nil {
		return models.PreviewJob{}, err
	}
	if err := unmarshalMap(resultJSON, &j.Result); err != nil {
		return models.PreviewJob{}, err
	}
	return j, nil
}

// GetAIJob fetches an AI job by id.
func (s *Store) GetAIJob(ctx context.Context, id string) (models.AIJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, team_id, project_id, job_type, status, tier_snapshot, params, result, error, created_at, completed_at
		FROM ai_jobs WHERE id = $1
	`, id)

	var j models.AIJob
	var paramsJSON, resultJSON []byte
	var teamID, projectID, errText pgtype.Text
	var completed pgtype.Timestamptz

	err := row.Scan(&j.ID, &j.UserID, &teamID, &projectID, &j.JobType, &j.Status, &j.TierSnapshot,
		&paramsJSON, &resultJSON, &errText, &j.CreatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AIJob{}, fmt.Errorf("ai job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.AIJob{}, fmt.Errorf("scan ai job: %w", err)
	}

	j.TeamID = textPtr(teamID)
	j.ProjectID = textPtr(projectID)
	j.Error = textPtr(errText)
	j.CompletedAt = timePtr(completed)
	if err := unmarshalMap(paramsJSON, &j.Params); err != nil {
		return models.AIJob{}, err
	}
	if err := unmarshalMap(resultJSON, &j.Result); err != nil {
		return models.AIJob{}, err
	}
	return j, nil
}

// jobStatus reads only the status column for the idempotency guard.
func (s *Store) jobStatus(ctx context.Context, table, id string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, table), id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query job status: %w", err)
	}
	return status, nil
}

func (s *Store) markRunning(ctx context.Context, table, id string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2 WHERE id = $1
	`, table), id, models.StatusRunning)
	return err
}

func (s *Store) markSucceeded(ctx context.Context, table, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(orEmpty(result))
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, result = $3, completed_at = NOW() WHERE id = $1
	`, table), id, models.StatusSucceeded, resultJSON)
	return err
}

func (s *Store) markFailed(ctx context.Context, table, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, error = $3, completed_at = NOW() WHERE id = $1
	`, table), id, models.StatusFailed, errMsg)
	return err
}

// PreviewJobs exposes the per-kind state transitions the worker loop needs.
type PreviewJobs struct{ s *Store }

// AIJobs exposes the per-kind state transitions the worker loop needs.
type AIJobs struct{ s *Store }

func (s *Store) PreviewJobs() PreviewJobs { return PreviewJobs{s} }
func (s *Store) AIJobs() AIJobs           { return AIJobs{s} }

func (p PreviewJobs) Status(ctx context.Context, id string) (string, error) {
	return p.s.jobStatus(ctx, "preview_jobs", id)
}

func (p PreviewJobs) MarkRunning(ctx context.Context, id string) error {
	return p.s.markRunning(ctx, "preview_jobs", id)
}

func (p PreviewJobs) MarkSucceeded(ctx context.Context, id string, result map[string]any) error {
	return p.s.markSucceeded(ctx, "preview_jobs", id, result)
}

func (p PreviewJobs) MarkFailed(ctx context.Context, id, errMsg string) error {
	return p.s.markFailed(ctx, "preview_jobs", id, errMsg)
}

func (a AIJobs) Status(ctx context.Context, id string) (string, error) {
	return a.s.jobStatus(ctx, "ai_jobs", id)
}

func (a AIJobs) MarkRunning(ctx context.Context, id string) error {
	return a.s.markRunning(ctx, "ai_jobs", id)
}

func (a AIJobs) MarkSucceeded(ctx context.Context, id string, result map[string]any) error {
	return a.s.markSucceeded(ctx, "ai_jobs", id, result)
}

func (a AIJobs) MarkFailed(ctx context.Context, id, errMsg string) error {
	return a.s.markFailed(ctx, "ai_jobs", id, errMsg)
}

// MarkPreviewFailed flips a preview job to failed with an error summary.
func (s *Store) MarkPreviewFailed(ctx context.Context, id, errMsg string) error {
	return s.markFailed(ctx, "preview_jobs", id, errMsg)
}

// MarkAIJobFailed flips an AI job to failed with an error summary.
func (s *Store) MarkAIJobFailed(ctx context.Context, id, errMsg string) error {
	return s.markFailed(ctx, "ai_jobs", id, errMsg)
}

// ListPreviewJobs returns recent preview jobs, optionally filtered by status.
func (s *Store) ListPreviewJobs(ctx context.Context, status string, limit int) ([]models.PreviewJob, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, user_id, team_id, project_id, device_id, status, tier_snapshot, params, result, error, created_at, completed_at
		FROM preview_jobs
	`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		q += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list preview jobs: %w", err)
	}
	defer rows.Close()

	var out []models.PreviewJob
	for rows.Next() {
		var j models.PreviewJob
		var paramsJSON, resultJSON []byte
		var teamID, projectID, errText pgtype.Text
		var completed pgtype.Timestamptz
		if err := rows.Scan(&j.ID, &j.UserID, &teamID, &projectID, &j.DeviceID, &j.Status, &j.TierSnapshot,
			&paramsJSON, &resultJSON, &errText, &j.CreatedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan preview job: %w", err)
		}
		j.TeamID = textPtr(teamID)
		j.ProjectID = textPtr(projectID)
		j.Error = textPtr(errText)
		j.CompletedAt = timePtr(completed)
		if err := unmarshalMap(paramsJSON, &j.Params); err != nil {
			return nil, err
		}
		if err := unmarshalMap(resultJSON, &j.Result); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListAIJobs returns recent AI jobs, optionally filtered by status.
func (s *Store) ListAIJobs(ctx context.Context, status string, limit int) ([]models.AIJob, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, user_id, team_id, project_id, job_type, status, tier_snapshot, params, result, error, created_at, completed_at
		FROM ai_jobs
	`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		q += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list ai jobs: %w", err)
	}
	defer rows.Close()

	var out []models.AIJob
	for rows.Next() {
		var j models.AIJob
		var paramsJSON, resultJSON []byte
		var teamID, projectID, errText pgtype.Text
		var completed pgtype.Timestamptz
		if err := rows.Scan(&j.ID, &j.UserID, &teamID, &projectID, &j.JobType, &j.Status, &j.TierSnapshot,
			&paramsJSON, &resultJSON, &errText, &j.CreatedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan ai job: %w", err)
		}
		j.TeamID = textPtr(teamID)
		j.ProjectID = textPtr(projectID)
		j.Error = textPtr(errText)
		j.CompletedAt = timePtr(completed)
		if err := unmarshalMap(paramsJSON, &j.Params); err != nil {
			return nil, err
		}
		if err := unmarshalMap(resultJSON, &j.Result); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// OverviewCounts summarizes in-flight load for the admin surface.
type OverviewCounts struct {
	PreviewsQueued  int64 `json:"previews_queued"`
	PreviewsRunning int64 `json:"previews_running"`
	AIJobsQueued    int64 `json:"ai_jobs_queued"`
	AIJobsRunning   int64 `json:"ai_jobs_running"`
}

// Overview counts queued and running jobs per kind.
func (s *Store) Overview(ctx context.Context) (OverviewCounts, error) {
	var o OverviewCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM preview_jobs WHERE status = $1),
			(SELECT COUNT(*) FROM preview_jobs WHERE status = $2),
			(SELECT COUNT(*) FROM ai_jobs WHERE status = $1),
			(SELECT COUNT(*) FROM ai_jobs WHERE status = $2)
	`, models.StatusQueued, models.StatusRunning).Scan(
		&o.PreviewsQueued, &o.PreviewsRunning, &o.AIJobsQueued, &o.AIJobsRunning)
	if err != nil {
		return OverviewCounts{}, fmt.Errorf("overview counts: %w", err)
	}
	return o, nil
}

// ReapStuckPreviewJobs forces running preview jobs created before the cutoff to
// failed with a stuck_timeout error. It returns how many rows were corrected.
func (s *Store) ReapStuckPreviewJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE preview_jobs
		SET status = $1, error = 'stuck_timeout', completed_at = NOW()
		WHERE status = $2 AND created_at < $3
	`, models.StatusFailed, models.StatusRunning, before)
	if err != nil {
		return 0, fmt.Errorf("reap stuck preview jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReapStuckAIJobs is the same rule applied to AI jobs.
func (s *Store) ReapStuckAIJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ai_jobs
		SET status = $1, error = 'stuck_timeout', completed_at = NOW()
		WHERE status = $2 AND created_at < $3
	`, models.StatusFailed, models.StatusRunning, before)
	if err != nil {
		return 0, fmt.Errorf("reap stuck ai jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func unmarshalMap(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
