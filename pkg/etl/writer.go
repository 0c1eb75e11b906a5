// Package etl commits extracted analytics for one source execution: the
// skeleton row, the four-table Stage-2 transaction, and the per-execution
// processing pipeline that feeds it.
package etl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firewatch-ai/firewatch/pkg/extract"
	"github.com/firewatch-ai/firewatch/pkg/images"
	"github.com/firewatch-ai/firewatch/pkg/n8n"
)

// Writer owns all writes to the analytics tables.
type Writer struct {
	pool *pgxpool.Pool
}

// NewWriter creates a writer over the target database pool.
func NewWriter(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool}
}

// InsertSkeleton writes the minimal Stage-1 execution row. Late-bound
// dimensions stay NULL until Stage 2 fills them. Re-insertion is a no-op.
func (w *Writer) InsertSkeleton(ctx context.Context, exec n8n.SourceExecution) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO executions
		     (id, workflow_id, execution_timestamp, completion_timestamp, duration_ms, status, mode)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		exec.ID, nullIfEmpty(exec.WorkflowID), exec.StartedAt, exec.StoppedAt,
		exec.DurationMs(), nullIfEmpty(exec.Status), nullIfEmpty(exec.Mode))
	if err != nil {
		return fmt.Errorf("failed to insert execution skeleton %d: %w", exec.ID, err)
	}
	return nil
}

// Write commits the Stage-2 results for one execution in a single
// transaction. Either every table reflects this run or none does.
func (w *Writer) Write(ctx context.Context, execID int64, ex *extract.Extracted, img *images.Result) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin write transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Late-bound dimensions. COALESCE(new, existing) so a re-run with
	// partial data never erases earlier non-null values.
	if ex.HasDimensions() {
		_, err = tx.Exec(ctx,
			`UPDATE executions
			 SET device_id         = COALESCE($2, device_id),
			     camera_id         = COALESCE($3, camera_id),
			     location          = COALESCE($4, location),
			     camera_type       = COALESCE($5, camera_type),
			     capture_timestamp = COALESCE($6, capture_timestamp),
			     node_id           = COALESCE($2, node_id),
			     updated_at        = now()
			 WHERE id = $1`,
			execID, ex.DeviceID, ex.CameraID, ex.Location, ex.CameraType, ex.CapturedAt)
		if err != nil {
			return fmt.Errorf("failed to update execution dimensions: %w", err)
		}
	}

	// 2. Analysis upsert. Re-processing overwrites every extracted column;
	// the manual false-positive labels are owned out-of-band and are not
	// listed here, so a re-run never clobbers them.
	detectionsJSON, err := marshalOrNull(ex.Detections)
	if err != nil {
		return fmt.Errorf("failed to marshal detections: %w", err)
	}
	activeClassesJSON, err := marshalOrNull(ex.ActiveClasses)
	if err != nil {
		return fmt.Errorf("failed to marshal active classes: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO execution_analysis
		     (execution_id, request_id, model_version, detection_count, has_smoke,
		      alert_level, detection_mode, active_classes, detections,
		      confidence_score, smoke_confidence, image_width, image_height,
		      yolo_processing_time_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (execution_id) DO UPDATE SET
		     request_id              = EXCLUDED.request_id,
		     model_version           = EXCLUDED.model_version,
		     detection_count         = EXCLUDED.detection_count,
		     has_smoke               = EXCLUDED.has_smoke,
		     alert_level             = EXCLUDED.alert_level,
		     detection_mode          = EXCLUDED.detection_mode,
		     active_classes          = EXCLUDED.active_classes,
		     detections              = EXCLUDED.detections,
		     confidence_score        = EXCLUDED.confidence_score,
		     smoke_confidence        = EXCLUDED.smoke_confidence,
		     image_width             = EXCLUDED.image_width,
		     image_height            = EXCLUDED.image_height,
		     yolo_processing_time_ms = EXCLUDED.yolo_processing_time_ms,
		     updated_at              = now()`,
		execID, ex.RequestID, ex.ModelVersion, ex.DetectionCount, ex.HasSmoke,
		ex.AlertLevel, ex.DetectionMode, activeClassesJSON, detectionsJSON,
		ex.MaxConfidence, ex.SmokeConfidence, ex.ImageWidth, ex.ImageHeight,
		ex.ProcessingTimeMs)
	if err != nil {
		return fmt.Errorf("failed to upsert execution analysis: %w", err)
	}

	// 3. Notification row. State is owned by downstream senders, so a
	// re-run must never reset an already-sent notification.
	_, err = tx.Exec(ctx,
		`INSERT INTO execution_notifications (execution_id)
		 VALUES ($1)
		 ON CONFLICT (execution_id) DO NOTHING`, execID)
	if err != nil {
		return fmt.Errorf("failed to insert notification row: %w", err)
	}

	// 4. Image variants, when any were materialized.
	if img != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO execution_images
			     (execution_id, original_path, thumbnail_path, webp_path,
			      byte_size, width, height, format, extracted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			 ON CONFLICT (execution_id) DO UPDATE SET
			     original_path  = EXCLUDED.original_path,
			     thumbnail_path = EXCLUDED.thumbnail_path,
			     webp_path      = EXCLUDED.webp_path,
			     byte_size      = EXCLUDED.byte_size,
			     width          = EXCLUDED.width,
			     height         = EXCLUDED.height,
			     format         = EXCLUDED.format,
			     extracted_at   = now()`,
			execID, img.OriginalPath, img.ThumbPath, img.WebPPath,
			img.ByteSize, img.Width, img.Height, img.Format)
		if err != nil {
			return fmt.Errorf("failed to upsert execution images: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit execution %d: %w", execID, err)
	}
	return nil
}

// KnownExecutionIDs reports which of the given ids already have an
// executions row. Used by the Stage-1 catch-up scan.
func (w *Writer) KnownExecutionIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	known := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}

	rows, err := w.pool.Query(ctx, `SELECT id FROM executions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query known execution ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read execution ids: %w", err)
	}
	return known, nil
}

func marshalOrNull(v any) (any, error) {
	switch val := v.(type) {
	case []extract.Detection:
		if val == nil {
			return nil, nil
		}
	case []string:
		if val == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
