package n8n

import "time"

// SourceExecution is one row of the engine's execution_entity table.
type SourceExecution struct {
	ID         int64
	WorkflowID string
	StartedAt  *time.Time
	StoppedAt  *time.Time
	Status     string
	Mode       string
}

// DurationMs returns the execution duration in milliseconds, or nil when
// either endpoint is unknown.
func (e SourceExecution) DurationMs() *int64 {
	if e.StartedAt == nil || e.StoppedAt == nil {
		return nil
	}
	ms := e.StoppedAt.Sub(*e.StartedAt).Milliseconds()
	return &ms
}
