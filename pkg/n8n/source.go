package n8n

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SourceStore reads the workflow engine's database. It never writes.
type SourceStore struct {
	pool *pgxpool.Pool
}

// NewSourceStore creates a read-only store over the engine's database pool.
func NewSourceStore(pool *pgxpool.Pool) *SourceStore {
	return &SourceStore{pool: pool}
}

// FetchExecutionData batch-fetches the compressed blobs for the given
// execution ids in a single round-trip. Executions with no execution_data
// row are simply absent from the result map; the caller decides whether
// that is a retryable condition.
func (s *SourceStore) FetchExecutionData(ctx context.Context, ids []int64) (map[int64][]any, error) {
	if len(ids) == 0 {
		return map[int64][]any{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT "executionId", data FROM execution_data WHERE "executionId" = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution data: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][]any, len(ids))
	for rows.Next() {
		var execID int64
		var raw string
		if err := rows.Scan(&execID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan execution data row: %w", err)
		}

		var arr []any
		if err := json.Unmarshal([]byte(raw), &arr); err != nil {
			// A malformed blob is still a present blob: hand back an empty
			// array so the extractor degrades instead of retrying forever.
			arr = []any{}
		}
		result[execID] = arr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read execution data rows: %w", err)
	}
	return result, nil
}

// GetExecution returns one execution_entity row, or nil when it does not
// exist (or is soft-deleted).
func (s *SourceStore) GetExecution(ctx context.Context, id int64) (*SourceExecution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, "workflowId", "startedAt", "stoppedAt", status, mode
		 FROM execution_entity
		 WHERE id = $1 AND "deletedAt" IS NULL`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch execution %d: %w", id, err)
	}
	return exec, nil
}

// RecentExecutions lists finished executions that started after since,
// newest first. Used by the Stage-1 catch-up scan.
func (s *SourceStore) RecentExecutions(ctx context.Context, since time.Time, limit int) ([]SourceExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, "workflowId", "startedAt", "stoppedAt", status, mode
		 FROM execution_entity
		 WHERE "startedAt" > $1 AND "stoppedAt" IS NOT NULL AND "deletedAt" IS NULL
		 ORDER BY id DESC
		 LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent executions: %w", err)
	}
	defer rows.Close()

	var executions []SourceExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		executions = append(executions, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read execution rows: %w", err)
	}
	return executions, nil
}

func scanExecution(row pgx.Row) (*SourceExecution, error) {
	var exec SourceExecution
	var workflowID, status, mode *string
	if err := row.Scan(&exec.ID, &workflowID, &exec.StartedAt, &exec.StoppedAt, &status, &mode); err != nil {
		return nil, err
	}
	if workflowID != nil {
		exec.WorkflowID = *workflowID
	}
	if status != nil {
		exec.Status = *status
	}
	if mode != nil {
		exec.Mode = *mode
	}
	return &exec, nil
}
