package config

import (
	"fmt"
	"time"
)

// QueueConfig controls how Stage-2 work is claimed and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per process.
	// Each worker independently claims and processes batches.
	WorkerCount int

	// BatchSize is the maximum number of queue rows claimed per cycle.
	BatchSize int

	// PollInterval is the fallback wake-up period when no NOTIFY arrives.
	PollInterval time.Duration

	// CleanupInterval is how often stale claims are scanned for.
	CleanupInterval time.Duration

	// StaleThreshold is how long a claim may sit in processing before a
	// surviving worker returns it to pending.
	StaleThreshold time.Duration

	// StatementTimeout bounds every statement on the target database.
	StatementTimeout time.Duration

	// MaxAttempts is the number of claims before a row is permanently failed.
	MaxAttempts int

	// CatchupInterval is how often Stage 1 scans the source engine for
	// executions that were missed by NOTIFY.
	CatchupInterval time.Duration

	// CatchupLookback bounds the catch-up scan window.
	CatchupLookback time.Duration

	// ShutdownTimeout is the max time to wait for in-flight batches
	// to drain during shutdown.
	ShutdownTimeout time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:      1,
		BatchSize:        10,
		PollInterval:     30 * time.Second,
		CleanupInterval:  60 * time.Second,
		StaleThreshold:   5 * time.Minute,
		StatementTimeout: 30 * time.Second,
		MaxAttempts:      5,
		CatchupInterval:  5 * time.Minute,
		CatchupLookback:  24 * time.Hour,
		ShutdownTimeout:  30 * time.Second,
	}
}

func loadQueueConfig() (*QueueConfig, error) {
	cfg := DefaultQueueConfig()

	var err error
	if cfg.WorkerCount, err = getEnvInt("ETL_WORKER_COUNT", cfg.WorkerCount); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getEnvInt("ETL_BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvMillis("ETL_POLL_INTERVAL_MS", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = getEnvMillis("ETL_CLEANUP_INTERVAL_MS", cfg.CleanupInterval); err != nil {
		return nil, err
	}
	if cfg.StaleThreshold, err = getEnvDuration("ETL_STALE_THRESHOLD", cfg.StaleThreshold); err != nil {
		return nil, err
	}
	if cfg.StatementTimeout, err = getEnvMillis("ETL_STATEMENT_TIMEOUT_MS", cfg.StatementTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getEnvInt("ETL_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.CatchupInterval, err = getEnvMillis("ETL_CATCHUP_INTERVAL_MS", cfg.CatchupInterval); err != nil {
		return nil, err
	}
	if cfg.CatchupLookback, err = getEnvDuration("ETL_CATCHUP_LOOKBACK", cfg.CatchupLookback); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("ETL_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks queue configuration bounds.
func (q *QueueConfig) Validate() error {
	if q == nil {
		return fmt.Errorf("queue configuration is nil")
	}
	if q.WorkerCount < 1 || q.WorkerCount > 50 {
		return fmt.Errorf("ETL_WORKER_COUNT must be between 1 and 50, got %d", q.WorkerCount)
	}
	if q.BatchSize < 1 || q.BatchSize > 1000 {
		return fmt.Errorf("ETL_BATCH_SIZE must be between 1 and 1000, got %d", q.BatchSize)
	}
	if q.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("ETL_POLL_INTERVAL_MS must be at least 100ms, got %v", q.PollInterval)
	}
	if q.CleanupInterval < time.Second {
		return fmt.Errorf("ETL_CLEANUP_INTERVAL_MS must be at least 1s, got %v", q.CleanupInterval)
	}
	if q.StaleThreshold < q.StatementTimeout {
		return fmt.Errorf("ETL_STALE_THRESHOLD (%v) must not be shorter than the statement timeout (%v)",
			q.StaleThreshold, q.StatementTimeout)
	}
	if q.MaxAttempts < 1 {
		return fmt.Errorf("ETL_MAX_ATTEMPTS must be at least 1, got %d", q.MaxAttempts)
	}
	return nil
}
