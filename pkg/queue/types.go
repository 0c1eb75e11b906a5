// Package queue implements the Stage-2 processing queue: the claim
// protocol over the etl_* database functions, the worker loop, the worker
// pool, and Stage-1 ingest.
package queue

import (
	"time"
)

// DefaultPriority is the priority Stage 1 enqueues at. Lower is more urgent.
const DefaultPriority = 100

// Stats are the per-status queue counts surfaced for back-pressure
// observability.
type Stats struct {
	Pending          int       `json:"pending"`
	Processing       int       `json:"processing"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	OldestPendingAge *float64  `json:"oldest_pending_age_seconds,omitempty"`
	CollectedAt      time.Time `json:"collected_at"`
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                 string       `json:"id"`
	Status             WorkerStatus `json:"status"`
	CurrentExecutionID int64        `json:"current_execution_id,omitempty"`
	ItemsProcessed     int          `json:"items_processed"`
	ItemsFailed        int          `json:"items_failed"`
	LastActivity       time.Time    `json:"last_activity"`
}

// PoolHealth contains health information for the worker pool.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	DBReachable     bool           `json:"db_reachable"`
	DBError         string         `json:"db_error,omitempty"`
	WorkerID        string         `json:"worker_id"`
	TotalWorkers    int            `json:"total_workers"`
	ActiveWorkers   int            `json:"active_workers"`
	Queue           Stats          `json:"queue"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
	LastCleanupScan time.Time      `json:"last_cleanup_scan"`
	ClaimsRecovered int            `json:"claims_recovered"`
}
