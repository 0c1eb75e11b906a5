package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/firewatch-ai/firewatch/pkg/config"
	"github.com/firewatch-ai/firewatch/pkg/etl"
	"github.com/firewatch-ai/firewatch/pkg/events"
	"github.com/firewatch-ai/firewatch/pkg/n8n"
)

// WorkerPool manages the Stage-2 workers plus the two background tickers:
// stale-claim cleanup and the Stage-1 catch-up scan.
type WorkerPool struct {
	workerID string
	cfg      *config.QueueConfig
	queue    *Queue
	stage1   *Stage1
	workers  []*Worker
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	// Cleanup tracking
	mu              sync.Mutex
	lastCleanupScan time.Time
	claimsRecovered int
}

// NewWorkerPool creates a worker pool. workerID identifies this process in
// claims (one pool per process).
func NewWorkerPool(workerID string, cfg *config.QueueConfig, queue *Queue, stage1 *Stage1,
	source *n8n.SourceStore, processor *etl.Processor, publisher *events.Publisher) *WorkerPool {
	p := &WorkerPool{
		workerID: workerID,
		cfg:      cfg,
		queue:    queue,
		stage1:   stage1,
		wakeCh:   make(chan struct{}, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		id := fmt.Sprintf("%s-worker-%d", workerID, i)
		p.workers = append(p.workers, NewWorker(id, cfg, queue, source, processor, publisher, p.wakeCh))
	}
	return p
}

// Start recovers claims left over from a previous crash of any worker,
// spawns the workers and the background tickers. Safe to call once;
// subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "worker_id", p.workerID)
		return nil
	}
	p.started = true

	// Startup pass: a previous process of ours (or a dead peer) may have
	// left rows in processing past the threshold.
	if recovered, err := p.queue.RecoverStale(ctx, p.cfg.StaleThreshold); err != nil {
		slog.Error("Startup stale-claim recovery failed", "error", err)
	} else if recovered > 0 {
		slog.Warn("Recovered stale claims at startup", "count", recovered)
		p.recordCleanup(recovered)
	}

	slog.Info("Starting worker pool",
		"worker_id", p.workerID,
		"worker_count", p.cfg.WorkerCount,
		"batch_size", p.cfg.BatchSize)

	for _, worker := range p.workers {
		worker.Start(ctx)
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.runCleanup(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.runCatchup(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for in-flight batches to
// finish. Unfinished claimed rows age into stale recovery.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// HandleNotification is the listener dispatch point. stage2_queue wakes a
// worker; sai_execution_ready feeds Stage 1. Runs on the listener's receive
// goroutine, so Stage-1 work is handed off.
func (p *WorkerPool) HandleNotification(channel, payload string) {
	switch channel {
	case events.ChannelStage2Queue:
		p.Wake()
	case events.ChannelExecutionReady:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StatementTimeout)
			defer cancel()
			p.stage1.HandleExecutionReady(ctx, payload)
		}()
	}
}

// Wake nudges one idle worker. Non-blocking: a full wake channel means the
// workers are already busy and will self-kick through the backlog.
func (p *WorkerPool) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// runCleanup periodically returns stale claims to pending. Every process
// runs this independently — the operation is idempotent.
func (p *WorkerPool) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			recovered, err := p.queue.RecoverStale(ctx, p.cfg.StaleThreshold)
			if err != nil {
				slog.Error("Stale-claim recovery failed", "error", err)
				continue
			}
			if recovered > 0 {
				slog.Warn("Recovered stale claims", "count", recovered)
				p.Wake()
			}
			p.recordCleanup(recovered)
		}
	}
}

// runCatchup periodically scans for source executions that were missed by
// NOTIFY. An immediate pass runs at startup.
func (p *WorkerPool) runCatchup(ctx context.Context) {
	if err := p.stage1.CatchUp(ctx); err != nil {
		slog.Error("Startup catch-up scan failed", "error", err)
	}

	ticker := time.NewTicker(p.cfg.CatchupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.stage1.CatchUp(ctx); err != nil {
				slog.Error("Catch-up scan failed", "error", err)
			}
		}
	}
}

func (p *WorkerPool) recordCleanup(recovered int) {
	p.mu.Lock()
	p.lastCleanupScan = time.Now()
	p.claimsRecovered += recovered
	p.mu.Unlock()
}

// Health returns the pool health snapshot, including queue depth for
// back-pressure observability.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	stats, err := p.queue.Stats(ctx)

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		workerStats[i] = worker.Health()
		if workerStats[i].Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	p.mu.Lock()
	lastScan := p.lastCleanupScan
	recovered := p.claimsRecovered
	p.mu.Unlock()

	health := &PoolHealth{
		IsHealthy:       err == nil && len(p.workers) > 0,
		DBReachable:     err == nil,
		WorkerID:        p.workerID,
		TotalWorkers:    len(p.workers),
		ActiveWorkers:   activeWorkers,
		Queue:           stats,
		WorkerStats:     workerStats,
		LastCleanupScan: lastScan,
		ClaimsRecovered: recovered,
	}
	if err != nil {
		health.DBError = fmt.Sprintf("queue stats query failed: %v", err)
	}
	return health
}
