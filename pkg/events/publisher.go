package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firewatch-ai/firewatch/pkg/etl"
)

// notifyLimit keeps payloads under PostgreSQL's 8000-byte NOTIFY cap.
// ETL payloads are tiny; this guard exists so a pathological error string
// can never make pg_notify reject the event.
const notifyLimit = 7900

// Publisher emits completion/failure events for the SSE broadcaster via
// pg_notify. Delivery is best-effort: callers log publish errors at warn
// and never fail the ETL over them.
type Publisher struct {
	pool *pgxpool.Pool
}

// NewPublisher creates a publisher over the target database pool.
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// PublishCompleted announces a successful Stage-2 commit.
func (p *Publisher) PublishCompleted(ctx context.Context, outcome *etl.Outcome, processingMs int64) error {
	return p.notify(ctx, CompletedPayload{
		Type:              EventTypeExecutionCompleted,
		ExecutionID:       outcome.ExecutionID,
		Stage:             "stage2",
		HasSmoke:          outcome.HasSmoke,
		AlertLevel:        outcome.AlertLevel,
		DetectionCount:    outcome.DetectionCount,
		ProcessingTimeMs:  processingMs,
		ImageMaterialized: outcome.ImageMaterialized,
		Timestamp:         time.Now().Format(time.RFC3339Nano),
	})
}

// PublishFailed announces a failed processing attempt.
func (p *Publisher) PublishFailed(ctx context.Context, execID int64, procErr error, retryCount int) error {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return p.notify(ctx, FailedPayload{
		Type:        EventTypeExecutionFailed,
		ExecutionID: execID,
		Error:       msg,
		RetryCount:  retryCount,
		Timestamp:   time.Now().Format(time.RFC3339Nano),
	})
}

func (p *Publisher) notify(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if len(data) > notifyLimit {
		return fmt.Errorf("event payload exceeds NOTIFY limit (%d bytes)", len(data))
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelETLEvents, string(data)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}
