package etl

import (
	"context"
	"log/slog"

	"github.com/firewatch-ai/firewatch/pkg/extract"
	"github.com/firewatch-ai/firewatch/pkg/images"
	"github.com/firewatch-ai/firewatch/pkg/n8n"
)

// Outcome summarizes one processed execution for the completion event.
type Outcome struct {
	ExecutionID       int64
	HasSmoke          bool
	AlertLevel        string
	DetectionCount    int
	ImageMaterialized bool
}

// Processor runs the per-execution Stage-2 path: resolve references,
// extract fields, materialize image variants, commit the transaction.
type Processor struct {
	writer       *Writer
	materializer *images.Materializer
}

// NewProcessor creates a processor.
func NewProcessor(writer *Writer, materializer *images.Materializer) *Processor {
	return &Processor{writer: writer, materializer: materializer}
}

// Process handles one execution blob. Extraction degrades field-by-field
// and a missing or unreadable image is logged, not fatal; only the final
// database transaction can fail the execution.
func (p *Processor) Process(ctx context.Context, execID int64, arr []any) (*Outcome, error) {
	ex := extract.Extract(arr)

	var imgResult *images.Result
	if p.materializer.Enabled() {
		desc := images.DescriptorFromBinary(n8n.NodeBinary(arr, extract.NodeWebhook, ""))
		if desc != nil {
			result, err := p.materializer.Materialize(execID, desc)
			if err != nil {
				slog.Warn("Image materialization failed, continuing without image",
					"execution_id", execID, "error", err)
			} else {
				imgResult = result
			}
		}
	}

	if err := p.writer.Write(ctx, execID, ex, imgResult); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		ExecutionID:       execID,
		HasSmoke:          ex.HasSmoke,
		DetectionCount:    ex.DetectionCount,
		ImageMaterialized: imgResult != nil,
	}
	if ex.AlertLevel != nil {
		outcome.AlertLevel = *ex.AlertLevel
	}
	return outcome, nil
}
