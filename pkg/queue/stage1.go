package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/firewatch-ai/firewatch/pkg/config"
	"github.com/firewatch-ai/firewatch/pkg/etl"
	"github.com/firewatch-ai/firewatch/pkg/events"
	"github.com/firewatch-ai/firewatch/pkg/n8n"
)

// catchupBatchLimit caps how many source executions one catch-up scan
// inspects.
const catchupBatchLimit = 500

// Stage1 turns "a fresh execution landed in the source engine" into a
// skeleton row plus a Stage-2 queue entry. It is intentionally trivial so
// Stage 2's slower work proceeds asynchronously.
type Stage1 struct {
	cfg    *config.QueueConfig
	writer *etl.Writer
	queue  *Queue
	source *n8n.SourceStore
}

// NewStage1 creates the Stage-1 ingester.
func NewStage1(cfg *config.QueueConfig, writer *etl.Writer, queue *Queue, source *n8n.SourceStore) *Stage1 {
	return &Stage1{cfg: cfg, writer: writer, queue: queue, source: source}
}

// HandleExecutionReady ingests one sai_execution_ready notification.
func (s *Stage1) HandleExecutionReady(ctx context.Context, payload string) {
	var ready events.ExecutionReadyPayload
	if err := json.Unmarshal([]byte(payload), &ready); err != nil {
		slog.Warn("Malformed execution_ready payload", "payload", payload, "error", err)
		return
	}
	if ready.ExecutionID == 0 {
		slog.Warn("execution_ready payload without execution_id", "payload", payload)
		return
	}

	exec := n8n.SourceExecution{
		ID:         ready.ExecutionID,
		WorkflowID: ready.WorkflowID,
		Status:     ready.Status,
		StartedAt:  parseNotifyTime(ready.StartedAt),
		StoppedAt:  parseNotifyTime(ready.StoppedAt),
	}

	if err := s.ingest(ctx, exec); err != nil {
		slog.Error("Stage-1 ingest failed", "execution_id", exec.ID, "error", err)
	}
}

// CatchUp scans the source engine for finished executions missing from the
// analytics side and ingests them. This heals missed NOTIFYs after
// downtime; duplicate ingest is harmless (skeleton insert and enqueue are
// both conflict-tolerant).
func (s *Stage1) CatchUp(ctx context.Context) error {
	since := time.Now().Add(-s.cfg.CatchupLookback)
	executions, err := s.source.RecentExecutions(ctx, since, catchupBatchLimit)
	if err != nil {
		return fmt.Errorf("catch-up scan failed: %w", err)
	}
	if len(executions) == 0 {
		return nil
	}

	ids := make([]int64, len(executions))
	for i, exec := range executions {
		ids[i] = exec.ID
	}
	known, err := s.writer.KnownExecutionIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("catch-up known-id lookup failed: %w", err)
	}

	ingested := 0
	for _, exec := range executions {
		if known[exec.ID] {
			continue
		}
		if err := s.ingest(ctx, exec); err != nil {
			slog.Error("Catch-up ingest failed", "execution_id", exec.ID, "error", err)
			continue
		}
		ingested++
	}
	if ingested > 0 {
		slog.Info("Catch-up ingested missed executions", "count", ingested)
	}
	return nil
}

// ingest writes the skeleton row and enqueues Stage-2 work.
func (s *Stage1) ingest(ctx context.Context, exec n8n.SourceExecution) error {
	if err := s.writer.InsertSkeleton(ctx, exec); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, exec.ID, DefaultPriority)
}

func parseNotifyTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999-07", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
