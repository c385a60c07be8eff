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

// InsertDeadLetterParams carries the full failure detail for one permanently
// failed task execution.
type InsertDeadLetterParams struct {
	TaskName     string
	Queue        string
	ExecutionID  *string
	PreviewJobID *string
	AIJobID      *string
	Attempts     int
	ErrorType    string
	ErrorMessage string
	Payload      map[string]any
}

// InsertDeadLetter appends a dead letter row. No dedup: repeated failures of
// the same logical job produce repeated rows.
func (s *Store) InsertDeadLetter(ctx context.Context, p InsertDeadLetterParams) (models.DeadLetter, error) {
	payloadJSON, err := json.Marshal(orEmpty(p.Payload))
	if err != nil {
		return models.DeadLetter{}, fmt.Errorf("marshal dead letter payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, task_name, queue, execution_id, preview_job_id, ai_job_id, attempts, error_type, error_message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, id, p.TaskName, p.Queue, p.ExecutionID, p.PreviewJobID, p.AIJobID, p.Attempts, p.ErrorType, p.ErrorMessage, payloadJSON, now)
	if err != nil {
		return models.DeadLetter{}, fmt.Errorf("insert dead letter: %w", err)
	}

	return models.DeadLetter{
		ID:           id,
		TaskName:     p.TaskName,
		Queue:        p.Queue,
		ExecutionID:  p.ExecutionID,
		PreviewJobID: p.PreviewJobID,
		AIJobID:      p.AIJobID,
		Attempts:     p.Attempts,
		ErrorType:    p.ErrorType,
		ErrorMessage: p.ErrorMessage,
		Payload:      orEmpty(p.Payload),
		CreatedAt:    now,
	}, nil
}

// GetDeadLetter fetches one dead letter row by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (models.DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_name, queue, execution_id, preview_job_id, ai_job_id, attempts, error_type, error_message, payload, created_at
		FROM dead_letters WHERE id = $1
	`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return dl, err
}

// ListDeadLetters returns the most recent dead letters.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_name, queue, execution_id, preview_job_id, ai_job_id, attempts, error_type, error_message, payload, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func scanDeadLetter(row pgx.Row) (models.DeadLetter, error) {
	var dl models.DeadLetter
	var execID, previewID, aiID pgtype.Text
	var payloadJSON []byte
	err := row.Scan(&dl.ID, &dl.TaskName, &dl.Queue, &execID, &previewID, &aiID,
		&dl.Attempts, &dl.ErrorType, &dl.ErrorMessage, &payloadJSON, &dl.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DeadLetter{}, err
		}
		return models.DeadLetter{}, fmt.Errorf("scan dead letter: %w", err)
	}
	dl.ExecutionID = textPtr(execID)
	dl.PreviewJobID = textPtr(previewID)
	dl.AIJobID = textPtr(aiID)
	if err := unmarshalMap(payloadJSON, &dl.Payload); err != nil {
		return models.DeadLetter{}, err
	}
	return dl, nil
}
