package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hivesync-jobs/internal/models"
)

// UpsertHeartbeat records liveness for a worker identity. A missing row is
// inserted; an existing row gets its last_heartbeat_at bumped, replacing
// metadata only when the caller supplied one. Staleness is never judged here,
// keeping the heartbeat write path branch-free.
func (s *Store) UpsertHeartbeat(ctx context.Context, workerID, kind string, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal worker metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, worker_id, kind, last_heartbeat_at, metadata)
		VALUES ($1, $2, $3, NOW(), COALESCE($4::jsonb, '{}'::jsonb))
		ON CONFLICT (worker_id) DO UPDATE SET
			last_heartbeat_at = NOW(),
			kind = EXCLUDED.kind,
			metadata = COALESCE($4::jsonb, workers.metadata)
	`, uuid.New().String(), workerID, kind, metaJSON)
	if err != nil {
		return fmt.Errorf("upsert heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// ListWorkers returns all worker records ordered by most recent heartbeat.
func (s *Store) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, worker_id, kind, last_heartbeat_at, metadata
		FROM workers ORDER BY last_heartbeat_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []models.Worker
	for rows.Next() {
		var w models.Worker
		var metaJSON []byte
		if err := rows.Scan(&w.ID, &w.WorkerID, &w.Kind, &w.LastHeartbeatAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if err := unmarshalMap(metaJSON, &w.Metadata); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkStaleWorkers merges stale=true into the metadata of every worker whose
// heartbeat is older than the cutoff. Existing metadata keys are preserved and
// the row is never deleted.
func (s *Store) MarkStaleWorkers(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers
		SET metadata = COALESCE(metadata, '{}'::jsonb) || '{"stale": true}'::jsonb
		WHERE last_heartbeat_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("mark stale workers: %w", err)
	}
	return tag.RowsAffected(), nil
}
