//go:build integration

// End-to-end pipeline tests against real PostgreSQL (testcontainers).
// Run with: go test -tags=integration ./test/e2e/...
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firewatch-ai/firewatch/pkg/config"
	"github.com/firewatch-ai/firewatch/pkg/etl"
	"github.com/firewatch-ai/firewatch/pkg/extract"
	"github.com/firewatch-ai/firewatch/pkg/images"
	"github.com/firewatch-ai/firewatch/pkg/n8n"
	"github.com/firewatch-ai/firewatch/pkg/queue"
	"github.com/firewatch-ai/firewatch/test/util"
)

// harness wires the full pipeline against throwaway target and source
// databases.
type harness struct {
	target *pgxpool.Pool
	source *pgxpool.Pool

	queue        *queue.Queue
	writer       *etl.Writer
	sourceStore  *n8n.SourceStore
	materializer *images.Materializer
	processor    *etl.Processor
	stage1       *queue.Stage1
	cfg          *config.QueueConfig

	binaryRoot string
	cacheRoot  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	target, _ := util.SetupTargetDB(t)
	source, _ := util.SetupSourceDB(t)

	cfg := config.DefaultQueueConfig()
	cfg.PollInterval = 200 * time.Millisecond

	h := &harness{
		target:      target,
		source:      source,
		cfg:         cfg,
		binaryRoot:  t.TempDir(),
		cacheRoot:   t.TempDir(),
		queue:       queue.NewQueue(target),
		writer:      etl.NewWriter(target),
		sourceStore: n8n.NewSourceStore(source),
	}
	h.materializer = images.NewMaterializer(h.binaryRoot, h.cacheRoot, 320, 70, 80)
	h.processor = etl.NewProcessor(h.writer, h.materializer)
	h.stage1 = queue.NewStage1(cfg, h.writer, h.queue, h.sourceStore)
	return h
}

// insertSourceExecution writes an execution_entity row plus its compressed
// blob into the fake engine database.
func (h *harness) insertSourceExecution(t *testing.T, execID int64, blob []any) {
	t.Helper()
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	stopped := time.Now()
	_, err := h.source.Exec(ctx,
		`INSERT INTO execution_entity (id, "workflowId", "startedAt", "stoppedAt", status, mode)
		 VALUES ($1, 'wf-fire', $2, $3, 'success', 'webhook')`,
		execID, started, stopped)
	require.NoError(t, err)

	if blob != nil {
		data, err := json.Marshal(blob)
		require.NoError(t, err)
		_, err = h.source.Exec(ctx,
			`INSERT INTO execution_data ("executionId", data) VALUES ($1, $2)`,
			execID, string(data))
		require.NoError(t, err)
	}
}

// ingest runs Stage 1 for one execution: skeleton row plus queue entry.
func (h *harness) ingest(t *testing.T, execID int64) {
	t.Helper()
	ctx := context.Background()

	exec, err := h.sourceStore.GetExecution(ctx, execID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	require.NoError(t, h.writer.InsertSkeleton(ctx, *exec))
	require.NoError(t, h.queue.Enqueue(ctx, execID, queue.DefaultPriority))
}

func (h *harness) queueRow(t *testing.T, execID int64) (status string, attempts int) {
	t.Helper()
	err := h.target.QueryRow(context.Background(),
		`SELECT status, attempts FROM processing_queue WHERE execution_id = $1 AND stage = 'stage2'`,
		execID).Scan(&status, &attempts)
	require.NoError(t, err)
	return status, attempts
}

// fireBlob is a realistic compressed execution blob with the YOLO and
// Metadata outputs stored behind index references.
func fireBlob(withImage bool, storage string) []any {
	yoloJSON := map[string]any{
		"request_id":     "req-1",
		"version":        "yolov8n-fire-2.1",
		"has_smoke":      true,
		"alert_level":    "high",
		"detection_mode": "continuous",
		"image_size":     map[string]any{"width": float64(800), "height": float64(600)},
		"detections": []any{
			map[string]any{
				"class_name": "fire",
				"confidence": 0.83,
				"bbox":       map[string]any{"x1": float64(10), "y1": float64(20), "x2": float64(100), "y2": float64(200)},
			},
		},
	}
	metaJSON := map[string]any{
		"device_id":   "station-7",
		"camera_id":   "station-7:cam2",
		"location":    "ridge-north",
		"camera_type": "ptz",
		"timestamp":   "2026-01-15_14-30-05",
	}

	yoloItem := map[string]any{"json": "3"}
	webhookItem := map[string]any{"json": map[string]any{}}
	if withImage {
		webhookItem["binary"] = map[string]any{
			"image": map[string]any{"storage": storage, "mimeType": "image/jpeg"},
		}
	}

	return []any{
		map[string]any{ // 0: runData
			"YOLO Inference": "1",
			"Metadata":       "2",
			"Webhook": []any{
				map[string]any{"data": map[string]any{"main": []any{[]any{webhookItem}}}},
			},
		},
		[]any{ // 1: YOLO runs
			map[string]any{"data": map[string]any{"main": []any{[]any{yoloItem}}}},
		},
		[]any{ // 2: Metadata runs
			map[string]any{"data": map[string]any{"main": []any{[]any{map[string]any{"json": "4"}}}}},
		},
		yoloJSON, // 3
		metaJSON, // 4
	}
}

func writeSourceImage(t *testing.T, binaryRoot, relPath string) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.RGBA{R: 220, G: 60, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	absPath := filepath.Join(binaryRoot, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(absPath), 0o755))
	require.NoError(t, os.WriteFile(absPath, buf.Bytes(), 0o644))
}

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	writeSourceImage(t, h.binaryRoot, "hash/img-42")
	h.insertSourceExecution(t, 42, fireBlob(true, "filesystem-v2:hash/img-42"))
	h.ingest(t, 42)

	worker := queue.NewWorker("e2e-worker-0", h.cfg, h.queue, h.sourceStore, h.processor, nil,
		make(chan struct{}))
	worker.Start(ctx)
	defer worker.Stop()

	require.Eventually(t, func() bool {
		status, _ := h.queueRow(t, 42)
		return status == "completed"
	}, 10*time.Second, 100*time.Millisecond, "queue row should reach completed")

	// Dimensions landed on the executions row.
	var deviceID, location, alertLevel string
	var hasSmoke bool
	var detectionCount int
	err := h.target.QueryRow(ctx, `SELECT device_id, location FROM executions WHERE id = 42`).
		Scan(&deviceID, &location)
	require.NoError(t, err)
	assert.Equal(t, "station-7", deviceID)
	assert.Equal(t, "ridge-north", location)

	err = h.target.QueryRow(ctx,
		`SELECT has_smoke, alert_level, detection_count FROM execution_analysis WHERE execution_id = 42`).
		Scan(&hasSmoke, &alertLevel, &detectionCount)
	require.NoError(t, err)
	assert.True(t, hasSmoke)
	assert.Equal(t, "high", alertLevel)
	assert.Equal(t, 1, detectionCount)

	// Notification row exists, untouched.
	var telegramSent bool
	err = h.target.QueryRow(ctx,
		`SELECT telegram_sent FROM execution_notifications WHERE execution_id = 42`).Scan(&telegramSent)
	require.NoError(t, err)
	assert.False(t, telegramSent)

	// All three image variants on disk and recorded.
	var originalPath, webpPath, thumbPath string
	err = h.target.QueryRow(ctx,
		`SELECT original_path, webp_path, thumbnail_path FROM execution_images WHERE execution_id = 42`).
		Scan(&originalPath, &webpPath, &thumbPath)
	require.NoError(t, err)
	for _, rel := range []string{originalPath, webpPath, thumbPath} {
		_, err := os.Stat(filepath.Join(h.cacheRoot, filepath.FromSlash(rel)))
		assert.NoError(t, err, "variant %s should exist", rel)
	}
}

func TestPipeline_MissingImageIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Descriptor points at a file that does not exist.
	h.insertSourceExecution(t, 50, fireBlob(true, "filesystem-v2:gone/missing"))
	h.ingest(t, 50)

	ids, err := h.queue.ClaimBatch(ctx, "w1", 10)
	require.NoError(t, err)
	require.Equal(t, []int64{50}, ids)

	blobs, err := h.sourceStore.FetchExecutionData(ctx, ids)
	require.NoError(t, err)
	outcome, err := h.processor.Process(ctx, 50, blobs[50])
	require.NoError(t, err, "a missing image must not fail the execution")
	assert.False(t, outcome.ImageMaterialized)

	// Analysis row written, image row absent.
	var count int
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM execution_analysis WHERE execution_id = 50`).Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM execution_images WHERE execution_id = 50`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestPipeline_ClaimExclusivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const total = 40
	for i := int64(1); i <= total; i++ {
		h.insertSourceExecution(t, i, fireBlob(false, ""))
		h.ingest(t, i)
	}

	// Two workers claim concurrently until the queue drains; no id may be
	// claimed twice.
	var mu sync.Mutex
	claimed := make(map[int64]string)
	var wg sync.WaitGroup
	for _, workerID := range []string{"claimer-a", "claimer-b"} {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				ids, err := h.queue.ClaimBatch(ctx, workerID, 5)
				require.NoError(t, err)
				if len(ids) == 0 {
					return
				}
				mu.Lock()
				for _, id := range ids {
					prev, dup := claimed[id]
					assert.False(t, dup, "execution %d claimed by both %s and %s", id, prev, workerID)
					claimed[id] = workerID
				}
				mu.Unlock()
			}
		}(workerID)
	}
	wg.Wait()

	assert.Len(t, claimed, total)
}

func TestPipeline_ReprocessingIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.insertSourceExecution(t, 60, fireBlob(false, ""))
	h.ingest(t, 60)

	blobs, err := h.sourceStore.FetchExecutionData(ctx, []int64{60})
	require.NoError(t, err)

	_, err = h.processor.Process(ctx, 60, blobs[60])
	require.NoError(t, err)

	// Simulate downstream state written between runs.
	_, err = h.target.Exec(ctx,
		`UPDATE execution_notifications SET telegram_sent = TRUE, telegram_message_id = 'msg-1'
		 WHERE execution_id = 60`)
	require.NoError(t, err)
	_, err = h.target.Exec(ctx,
		`UPDATE execution_analysis SET is_false_positive = TRUE, false_positive_reason = 'cloud glare'
		 WHERE execution_id = 60`)
	require.NoError(t, err)

	// Second run: single rows, downstream state intact.
	_, err = h.processor.Process(ctx, 60, blobs[60])
	require.NoError(t, err)

	var analysisRows, notifRows int
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM execution_analysis WHERE execution_id = 60`).Scan(&analysisRows))
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM execution_notifications WHERE execution_id = 60`).Scan(&notifRows))
	assert.Equal(t, 1, analysisRows)
	assert.Equal(t, 1, notifRows)

	var telegramSent, isFalsePositive bool
	var reason string
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT telegram_sent FROM execution_notifications WHERE execution_id = 60`).Scan(&telegramSent))
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT is_false_positive, false_positive_reason FROM execution_analysis WHERE execution_id = 60`).
		Scan(&isFalsePositive, &reason))
	assert.True(t, telegramSent, "re-processing must not reset notification state")
	assert.True(t, isFalsePositive, "re-processing must not clobber manual labels")
	assert.Equal(t, "cloud glare", reason)
}

func TestPipeline_PartialRerunPreservesDimensions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.insertSourceExecution(t, 70, fireBlob(false, ""))
	h.ingest(t, 70)

	blobs, err := h.sourceStore.FetchExecutionData(ctx, []int64{70})
	require.NoError(t, err)
	_, err = h.processor.Process(ctx, 70, blobs[70])
	require.NoError(t, err)

	// A later run whose metadata kept the device id but lost location and
	// camera type: the known values must survive the COALESCE update.
	degraded := fireBlob(false, "")
	degraded[4] = map[string]any{"device_id": "station-7"}
	_, err = h.processor.Process(ctx, 70, degraded)
	require.NoError(t, err)

	var location, cameraType string
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT location, camera_type FROM executions WHERE id = 70`).Scan(&location, &cameraType))
	assert.Equal(t, "ridge-north", location)
	assert.Equal(t, "ptz", cameraType)
}

func TestPipeline_StaleClaimRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.insertSourceExecution(t, 80, fireBlob(false, ""))
	h.insertSourceExecution(t, 81, fireBlob(false, ""))
	h.ingest(t, 80)
	h.ingest(t, 81)

	ids, err := h.queue.ClaimBatch(ctx, "crashed-worker", 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{80, 81}, ids)

	// Age one claim past the threshold; the other stays fresh.
	_, err = h.target.Exec(ctx,
		`UPDATE processing_queue SET claimed_at = now() - interval '10 minutes' WHERE execution_id = 80`)
	require.NoError(t, err)

	recovered, err := h.queue.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	status, attempts := h.queueRow(t, 80)
	assert.Equal(t, "pending", status)
	assert.Equal(t, 1, attempts, "recovery preserves the attempt counter")

	// The fresh claim is untouched.
	status, _ = h.queueRow(t, 81)
	assert.Equal(t, "processing", status)

	// The row is claimable again by a healthy worker.
	ids, err = h.queue.ClaimBatch(ctx, "healthy-worker", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{80}, ids)
}

func TestPipeline_RetryBackoffAndExhaustion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.insertSourceExecution(t, 90, fireBlob(false, ""))
	h.ingest(t, 90)

	maxAttempts := h.cfg.MaxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Clear the backoff window left by the previous failure.
		_, err := h.target.Exec(ctx,
			`UPDATE processing_queue SET failed_at = failed_at - interval '1 hour'
			 WHERE execution_id = 90 AND failed_at IS NOT NULL`)
		require.NoError(t, err)

		ids, err := h.queue.ClaimBatch(ctx, "w1", 10)
		require.NoError(t, err)
		require.Equal(t, []int64{90}, ids, "attempt %d should claim the row", attempt)

		require.NoError(t, h.queue.MarkFailed(ctx, 90, fmt.Sprintf("attempt %d boom", attempt)))

		status, attempts := h.queueRow(t, 90)
		assert.Equal(t, attempt, attempts)
		if attempt < maxAttempts {
			assert.Equal(t, "pending", status)

			// Backoff: immediately after a failure the row is not claimable.
			ids, err := h.queue.ClaimBatch(ctx, "w1", 10)
			require.NoError(t, err)
			assert.Empty(t, ids, "row must back off after failure %d", attempt)
		} else {
			assert.Equal(t, "failed", status, "attempts exhausted, row is terminal")
		}
	}

	var lastError string
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT last_error FROM processing_queue WHERE execution_id = 90`).Scan(&lastError))
	assert.Contains(t, lastError, "boom")

	// Terminal rows never come back.
	ids, err := h.queue.ClaimBatch(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPipeline_WriteIsAtomic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.insertSourceExecution(t, 120, fireBlob(false, ""))
	h.ingest(t, 120)

	// Force the images upsert — the last statement of the transaction — to
	// fail after the dimensions update and analysis upsert have succeeded.
	_, err := h.target.Exec(ctx,
		`ALTER TABLE execution_images ADD CONSTRAINT images_unwritable CHECK (byte_size IS NULL)`)
	require.NoError(t, err)

	ex := extract.Extract(fireBlob(false, ""))
	img := &images.Result{
		OriginalPath: "original/0/120.jpg",
		WebPPath:     "webp/0/120.webp",
		ThumbPath:    "thumb/0/120.webp",
		ByteSize:     1234,
		Width:        800,
		Height:       600,
		Format:       "jpeg",
	}
	require.Error(t, h.writer.Write(ctx, 120, ex, img))

	// The aborted transaction left nothing behind in any table.
	var analysisRows, imageRows, notifRows int
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM execution_analysis WHERE execution_id = 120`).Scan(&analysisRows))
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM execution_images WHERE execution_id = 120`).Scan(&imageRows))
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM execution_notifications WHERE execution_id = 120`).Scan(&notifRows))
	assert.Equal(t, 0, analysisRows)
	assert.Equal(t, 0, imageRows)
	assert.Equal(t, 0, notifRows)

	var deviceID *string
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT device_id FROM executions WHERE id = 120`).Scan(&deviceID))
	assert.Nil(t, deviceID, "the dimensions update must roll back with the rest")

	// With the fault removed the identical write commits whole.
	_, err = h.target.Exec(ctx, `ALTER TABLE execution_images DROP CONSTRAINT images_unwritable`)
	require.NoError(t, err)
	require.NoError(t, h.writer.Write(ctx, 120, ex, img))

	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM execution_analysis WHERE execution_id = 120`).Scan(&analysisRows))
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM execution_images WHERE execution_id = 120`).Scan(&imageRows))
	assert.Equal(t, 1, analysisRows)
	assert.Equal(t, 1, imageRows)
}

func TestPipeline_DuplicateEnqueueIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.insertSourceExecution(t, 100, fireBlob(false, ""))
	h.ingest(t, 100)
	require.NoError(t, h.queue.Enqueue(ctx, 100, queue.DefaultPriority))

	var rows int
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM processing_queue WHERE execution_id = 100 AND stage = 'stage2'`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestPipeline_MissingBlobIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Entity row exists but the engine has not flushed execution_data yet.
	h.insertSourceExecution(t, 110, nil)
	h.ingest(t, 110)

	worker := queue.NewWorker("e2e-worker-1", h.cfg, h.queue, h.sourceStore, h.processor, nil,
		make(chan struct{}))
	worker.Start(ctx)
	defer worker.Stop()

	require.Eventually(t, func() bool {
		status, attempts := h.queueRow(t, 110)
		return status == "pending" && attempts >= 1
	}, 10*time.Second, 100*time.Millisecond, "missing blob should fail but stay retryable")

	var lastError string
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT last_error FROM processing_queue WHERE execution_id = 110`).Scan(&lastError))
	assert.Contains(t, lastError, "execution_data row not found")
}

func TestPipeline_Stage1CatchUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := int64(200); i < 205; i++ {
		h.insertSourceExecution(t, i, fireBlob(false, ""))
	}
	// One already ingested: catch-up must not duplicate it.
	h.ingest(t, 200)

	require.NoError(t, h.stage1.CatchUp(ctx))

	var skeletons, queued int
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM executions WHERE id BETWEEN 200 AND 204`).Scan(&skeletons))
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM processing_queue WHERE execution_id BETWEEN 200 AND 204`).Scan(&queued))
	assert.Equal(t, 5, skeletons)
	assert.Equal(t, 5, queued)

	// Second pass is a no-op.
	require.NoError(t, h.stage1.CatchUp(ctx))
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT count(*) FROM processing_queue WHERE execution_id BETWEEN 200 AND 204`).Scan(&queued))
	assert.Equal(t, 5, queued)
}

func TestPipeline_Stage1HandlesNotifyPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.insertSourceExecution(t, 300, fireBlob(false, ""))

	payload := `{"execution_id": 300, "workflow_id": "wf-fire", "status": "success",
		"started_at": "2026-01-15T14:30:00Z", "stopped_at": "2026-01-15T14:30:02Z"}`
	h.stage1.HandleExecutionReady(ctx, payload)

	status, attempts := h.queueRow(t, 300)
	assert.Equal(t, "pending", status)
	assert.Equal(t, 0, attempts)

	var durationMs int64
	require.NoError(t, h.target.QueryRow(ctx,
		`SELECT duration_ms FROM executions WHERE id = 300`).Scan(&durationMs))
	assert.Equal(t, int64(2000), durationMs)

	// Malformed payloads are dropped, never panic.
	h.stage1.HandleExecutionReady(ctx, "{")
	h.stage1.HandleExecutionReady(ctx, `{"workflow_id": "no-id"}`)
}
