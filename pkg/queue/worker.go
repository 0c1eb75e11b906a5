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

// Worker claims and processes Stage-2 batches. It wakes on NOTIFY (via the
// shared wake channel), falls back to periodic polling, and self-kicks
// after a non-empty batch so a backlog drains without waiting for ticks.
type Worker struct {
	id        string
	cfg       *config.QueueConfig
	queue     *Queue
	source    *n8n.SourceStore
	processor *etl.Processor
	publisher *events.Publisher

	wakeCh   <-chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentExecID  int64
	itemsProcessed int
	itemsFailed    int
	lastActivity   time.Time
}

// NewWorker creates a worker. publisher may be nil (events disabled).
func NewWorker(id string, cfg *config.QueueConfig, queue *Queue, source *n8n.SourceStore,
	processor *etl.Processor, publisher *events.Publisher, wakeCh <-chan struct{}) *Worker {
	return &Worker{
		id:           id,
		cfg:          cfg,
		queue:        queue,
		source:       source,
		processor:    processor,
		publisher:    publisher,
		wakeCh:       wakeCh,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the in-flight batch to
// finish. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                 w.id,
		Status:             w.status,
		CurrentExecutionID: w.currentExecID,
		ItemsProcessed:     w.itemsProcessed,
		ItemsFailed:        w.itemsFailed,
		LastActivity:       w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
		}

		processed, err := w.runBatchCycle(ctx)
		if err != nil {
			log.Error("Batch cycle failed", "error", err)
			w.sleep(time.Second) // Brief backoff on cycle-level errors
			continue
		}
		if processed > 0 {
			// Backlog may remain: go straight into the next cycle.
			continue
		}

		// Idle: wait for a NOTIFY wake-up or the poll tick.
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			return
		case <-w.wakeCh:
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// runBatchCycle claims one batch, batch-fetches the source blobs, and
// processes the items sequentially in claim order. Item-level failures are
// converted to MarkFailed; an error return means the cycle itself aborted
// and any claimed-but-unprocessed rows will age into stale recovery.
func (w *Worker) runBatchCycle(ctx context.Context) (int, error) {
	ids, err := w.queue.ClaimBatch(ctx, w.id, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	log := slog.With("worker_id", w.id)
	log.Debug("Batch claimed", "count", len(ids))

	blobs, err := w.source.FetchExecutionData(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("batch fetch failed: %w", err)
	}

	processed := 0
	for _, execID := range ids {
		// Cooperative cancellation between items: the current item always
		// finishes, the rest of the batch ages into stale recovery.
		select {
		case <-w.stopCh:
			log.Info("Stop requested mid-batch", "remaining", len(ids)-processed)
			return processed, nil
		case <-ctx.Done():
			return processed, nil
		default:
		}

		w.setStatus(WorkerStatusWorking, execID)
		w.processItem(ctx, execID, blobs)
		w.setStatus(WorkerStatusIdle, 0)
		processed++
	}

	return processed, nil
}

// processItem runs one execution through the pipeline and records the
// terminal queue state. All failures funnel into markFailed.
func (w *Worker) processItem(ctx context.Context, execID int64, blobs map[int64][]any) {
	log := slog.With("worker_id", w.id, "execution_id", execID)
	start := time.Now()

	arr, ok := blobs[execID]
	if !ok {
		// Enqueued before the engine flushed execution_data, or the row was
		// pruned. Retryable until attempts run out.
		w.markFailed(ctx, execID, fmt.Errorf("execution_data row not found"))
		return
	}

	outcome, err := w.processor.Process(ctx, execID, arr)
	if err != nil {
		w.markFailed(ctx, execID, err)
		return
	}

	processingMs := time.Since(start).Milliseconds()
	if err := w.queue.MarkCompleted(ctx, execID, processingMs); err != nil {
		log.Error("Failed to mark execution completed", "error", err)
		return
	}

	w.mu.Lock()
	w.itemsProcessed++
	w.mu.Unlock()

	log.Info("Execution processed",
		"has_smoke", outcome.HasSmoke,
		"detection_count", outcome.DetectionCount,
		"alert_level", outcome.AlertLevel,
		"image", outcome.ImageMaterialized,
		"duration_ms", processingMs)

	if w.publisher != nil {
		if err := w.publisher.PublishCompleted(ctx, outcome, processingMs); err != nil {
			log.Warn("Failed to publish completion event", "error", err)
		}
	}
}

// markFailed records a failed attempt and publishes the failure event.
func (w *Worker) markFailed(ctx context.Context, execID int64, procErr error) {
	log := slog.With("worker_id", w.id, "execution_id", execID)
	log.Warn("Execution processing failed", "error", procErr)

	if err := w.queue.MarkFailed(ctx, execID, procErr.Error()); err != nil {
		log.Error("Failed to mark execution failed", "error", err)
		return
	}

	w.mu.Lock()
	w.itemsFailed++
	w.mu.Unlock()

	if w.publisher != nil {
		attempts, err := w.queue.Attempts(ctx, execID)
		if err != nil {
			attempts = 0
		}
		if err := w.publisher.PublishFailed(ctx, execID, procErr, attempts); err != nil {
			log.Warn("Failed to publish failure event", "error", err)
		}
	}
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, execID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentExecID = execID
	w.lastActivity = time.Now()
}
