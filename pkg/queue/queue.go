package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the Go side of the claim protocol. Every mutation goes through
// an etl_* database function so the claim/retry semantics live in one
// place, next to the schema.
type Queue struct {
	pool *pgxpool.Pool
}

// NewQueue creates a queue over the target database pool.
func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue adds Stage-2 work for an execution. Duplicate enqueue is a no-op;
// the stage2_queue NOTIFY fires either way.
func (q *Queue) Enqueue(ctx context.Context, execID int64, priority int) error {
	if _, err := q.pool.Exec(ctx, `SELECT etl_enqueue($1, $2)`, execID, priority); err != nil {
		return fmt.Errorf("failed to enqueue execution %d: %w", execID, err)
	}
	return nil
}

// ClaimBatch atomically claims up to size pending rows for workerID and
// returns their execution ids in priority-then-FIFO order. A row is never
// claimed by two workers concurrently (SKIP LOCKED inside etl_claim_batch).
func (q *Queue) ClaimBatch(ctx context.Context, workerID string, size int) ([]int64, error) {
	rows, err := q.pool.Query(ctx, `SELECT etl_claim_batch($1, $2)`, workerID, size)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan claimed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed ids: %w", err)
	}
	return ids, nil
}

// MarkCompleted records a successful Stage-2 run. Idempotent.
func (q *Queue) MarkCompleted(ctx context.Context, execID int64, processingMs int64) error {
	if _, err := q.pool.Exec(ctx, `SELECT etl_mark_completed($1, $2)`, execID, int32(processingMs)); err != nil {
		return fmt.Errorf("failed to mark execution %d completed: %w", execID, err)
	}
	return nil
}

// MarkFailed records a failed attempt. The row returns to pending while
// attempts remain, else becomes permanently failed. Never deletes.
func (q *Queue) MarkFailed(ctx context.Context, execID int64, errMsg string) error {
	if _, err := q.pool.Exec(ctx, `SELECT etl_mark_failed($1, $2)`, execID, errMsg); err != nil {
		return fmt.Errorf("failed to mark execution %d failed: %w", execID, err)
	}
	return nil
}

// RecoverStale returns processing rows whose claim is older than threshold
// to pending, preserving attempts. Returns the number of recovered rows.
func (q *Queue) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	var recovered int
	err := q.pool.QueryRow(ctx,
		`SELECT etl_cleanup_stale_workers(make_interval(secs => $1))`,
		threshold.Seconds()).Scan(&recovered)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale claims: %w", err)
	}
	return recovered, nil
}

// Attempts returns the attempt counter for an execution's Stage-2 row.
func (q *Queue) Attempts(ctx context.Context, execID int64) (int, error) {
	var attempts int
	err := q.pool.QueryRow(ctx,
		`SELECT attempts FROM processing_queue WHERE execution_id = $1 AND stage = 'stage2'`,
		execID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts for execution %d: %w", execID, err)
	}
	return attempts, nil
}

// Stats returns per-status counts and the age of the oldest pending row.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{CollectedAt: time.Now()}

	rows, err := q.pool.Query(ctx,
		`SELECT status, count(*) FROM processing_queue WHERE stage = 'stage2' GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch status {
		case "pending":
			stats.Pending = count
		case "processing":
			stats.Processing = count
		case "completed":
			stats.Completed = count
		case "failed":
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to read queue stats: %w", err)
	}

	var oldestAge *float64
	err = q.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM now() - min(queued_at))
		 FROM processing_queue WHERE stage = 'stage2' AND status = 'pending'`).Scan(&oldestAge)
	if err == nil {
		stats.OldestPendingAge = oldestAge
	}

	return stats, nil
}
