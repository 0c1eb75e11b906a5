// Package events handles PostgreSQL NOTIFY traffic: the dedicated LISTEN
// connection that wakes the ETL, and the publisher that hands completion
// events to the SSE fan-out.
package events

// Notify channels the ETL participates in.
const (
	// ChannelExecutionReady is fired by the source-engine trigger when a
	// fresh execution lands. Payload: JSON (see ExecutionReadyPayload).
	ChannelExecutionReady = "sai_execution_ready"

	// ChannelStage2Queue is fired per enqueue by etl_enqueue.
	// Payload: execution id as a string.
	ChannelStage2Queue = "stage2_queue"

	// ChannelETLEvents carries completion/failure events for the SSE
	// broadcaster. Delivery is best-effort.
	ChannelETLEvents = "etl_events"
)

// Event types on ChannelETLEvents.
const (
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
)

// ExecutionReadyPayload is the JSON payload of ChannelExecutionReady.
type ExecutionReadyPayload struct {
	ExecutionID      int64  `json:"execution_id"`
	WorkflowID       string `json:"workflow_id"`
	Status           string `json:"status"`
	StartedAt        string `json:"started_at"`
	StoppedAt        string `json:"stopped_at"`
	ProcessingTimeMs *int64 `json:"processing_time_ms"`
}

// CompletedPayload is published after a successful Stage-2 commit.
type CompletedPayload struct {
	Type              string `json:"type"` // always EventTypeExecutionCompleted
	ExecutionID       int64  `json:"exec_id"`
	Stage             string `json:"stage"` // always "stage2"
	HasSmoke          bool   `json:"hasSmoke"`
	AlertLevel        string `json:"alertLevel,omitempty"`
	DetectionCount    int    `json:"detectionCount"`
	ProcessingTimeMs  int64  `json:"processingTimeMs"`
	ImageMaterialized bool   `json:"imageMaterialized"`
	Timestamp         string `json:"timestamp"` // RFC3339Nano
}

// FailedPayload is published after MarkFailed.
type FailedPayload struct {
	Type        string `json:"type"` // always EventTypeExecutionFailed
	ExecutionID int64  `json:"exec_id"`
	Error       string `json:"error"`
	RetryCount  int    `json:"retryCount"`
	Timestamp   string `json:"timestamp"` // RFC3339Nano
}
