// Package extract derives typed analytics fields from a resolved execution
// blob. Its contract is "never fail, only degrade": malformed subtrees null
// out field-by-field and extraction always returns a usable record.
package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/firewatch-ai/firewatch/pkg/n8n"
)

// Node names inside the source workflow.
const (
	NodeYOLO     = "YOLO Inference"
	NodeWebhook  = "Webhook"
	NodeMetadata = "Metadata"
)

// alertLevels is the closed set the analytics schema accepts. Anything else
// from the source is recorded as unknown (nil), never coerced.
var alertLevels = map[string]bool{
	"none": true, "low": true, "medium": true, "high": true, "critical": true,
}

var imageHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// BoundingBox is a detection box in pixel coordinates, xywh form.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is a single normalized YOLO prediction.
type Detection struct {
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// Extracted holds every field Stage 2 derives from one execution blob.
// Nil means "unknown" — the writer stores it as SQL NULL. Only
// DetectionCount and HasSmoke carry defaults, because zero detections and
// no smoke are legitimate results, not missing data.
type Extracted struct {
	// YOLO inference output
	RequestID        *string
	ModelVersion     *string
	DetectionCount   int
	HasSmoke         bool
	AlertLevel       *string
	DetectionMode    *string
	ActiveClasses    []string
	Detections       []Detection
	MaxConfidence    *float64
	SmokeConfidence  *float64
	ImageWidth       *int
	ImageHeight      *int
	ProcessingTimeMs *float64

	// Metadata node (with YOLO fallbacks)
	DeviceID   *string
	CameraID   *string
	Location   *string
	CameraType *string
	CapturedAt *time.Time

	// ImageHash is the 64-hex content hash of the ingress image, if any.
	ImageHash *string
}

// HasDimensions reports whether any late-bound execution dimension is known.
func (e *Extracted) HasDimensions() bool {
	return e.DeviceID != nil || e.CameraID != nil || e.Location != nil ||
		e.CameraType != nil || e.CapturedAt != nil
}

// Extract pulls all analytics fields from a resolved source blob.
func Extract(arr []any) *Extracted {
	ex := &Extracted{}

	yolo := asMap(n8n.NodeOutput(arr, NodeYOLO))
	meta := asMap(n8n.NodeOutput(arr, NodeMetadata))

	extractYOLO(ex, yolo)
	extractMetadata(ex, meta, yolo)

	return ex
}

func extractYOLO(ex *Extracted, yolo map[string]any) {
	if yolo == nil {
		return
	}

	ex.RequestID = getString(yolo, "request_id")
	ex.ModelVersion = getString(yolo, "version", "model_version")
	ex.DetectionMode = getString(yolo, "detection_mode", "mode")
	ex.SmokeConfidence = getFloat(yolo, "smoke_confidence")
	ex.ProcessingTimeMs = getFloat(yolo, "processing_time_ms", "yolo_processing_time_ms")
	ex.ActiveClasses = getStringSlice(yolo, "active_classes")

	if level := getString(yolo, "alert_level"); level != nil {
		normalized := strings.ToLower(strings.TrimSpace(*level))
		if alertLevels[normalized] {
			ex.AlertLevel = &normalized
		}
	}

	if smoke := getBool(yolo, "has_smoke"); smoke != nil {
		ex.HasSmoke = *smoke
	}

	if size := asMap(yolo["image_size"]); size != nil {
		ex.ImageWidth = getInt(size, "width")
		ex.ImageHeight = getInt(size, "height")
	} else {
		ex.ImageWidth = getInt(yolo, "image_width")
		ex.ImageHeight = getInt(yolo, "image_height")
	}

	ex.Detections = extractDetections(yolo["detections"])
	if len(ex.Detections) > 0 {
		maxConf := ex.Detections[0].Confidence
		for _, d := range ex.Detections[1:] {
			if d.Confidence > maxConf {
				maxConf = d.Confidence
			}
		}
		ex.MaxConfidence = &maxConf
	}

	if count := getInt(yolo, "detection_count"); count != nil {
		ex.DetectionCount = *count
	} else {
		ex.DetectionCount = len(ex.Detections)
	}

	if hash := getString(yolo, "image_hash", "image_id"); hash != nil && imageHashPattern.MatchString(*hash) {
		ex.ImageHash = hash
	}
}

// extractDetections normalizes the detections array. An absent or empty
// array yields nil, which the writer stores as NULL — distinguishable from
// "zero detections with no list supplied".
func extractDetections(raw any) []Detection {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil
	}

	detections := make([]Detection, 0, len(items))
	for _, item := range items {
		m := asMap(item)
		if m == nil {
			continue
		}

		det := Detection{ClassName: "unknown"}
		if class := getString(m, "class_name", "class"); class != nil {
			det.ClassName = *class
		}
		if conf := getFloat(m, "confidence"); conf != nil {
			det.Confidence = *conf
		}
		det.BBox = extractBBox(m)
		detections = append(detections, det)
	}

	if len(detections) == 0 {
		return nil
	}
	return detections
}

// extractBBox normalizes a bounding box to xywh. Corner form (x1,y1,x2,y2)
// takes precedence; legacy xywh (width/height or w/h) is the fallback, with
// 0 per missing field.
func extractBBox(m map[string]any) BoundingBox {
	box := asMap(m["bbox"])
	if box == nil {
		box = m
	}

	x1 := getFloat(box, "x1")
	y1 := getFloat(box, "y1")
	x2 := getFloat(box, "x2")
	y2 := getFloat(box, "y2")
	if x1 != nil && y1 != nil && x2 != nil && y2 != nil {
		return BoundingBox{X: *x1, Y: *y1, Width: *x2 - *x1, Height: *y2 - *y1}
	}

	return BoundingBox{
		X:      floatOrZero(box, "x"),
		Y:      floatOrZero(box, "y"),
		Width:  floatOrZero(box, "width", "w"),
		Height: floatOrZero(box, "height", "h"),
	}
}

func extractMetadata(ex *Extracted, meta, yolo map[string]any) {
	var yoloCameraID *string
	if yolo != nil {
		yoloCameraID = getString(yolo, "camera_id")
	}

	if meta != nil {
		ex.DeviceID = getString(meta, "device_id")
		ex.CameraID = getString(meta, "camera_id")
		ex.Location = getString(meta, "location")
		ex.CameraType = getString(meta, "camera_type")
		if ts := getString(meta, "timestamp"); ts != nil {
			ex.CapturedAt = NormalizeTimestamp(*ts)
		}
	}

	// Fallbacks from the YOLO-supplied camera id: the device is its
	// colon-separated prefix, the camera id is the raw value.
	if ex.DeviceID == nil && yoloCameraID != nil {
		if prefix, _, found := strings.Cut(*yoloCameraID, ":"); found && prefix != "" {
			ex.DeviceID = &prefix
		}
	}
	if ex.CameraID == nil {
		ex.CameraID = yoloCameraID
	}
}

// NormalizeTimestamp converts the capture timestamp to a time value. The
// device format "YYYY-MM-DD_HH-MM-SS" is rewritten to ISO 8601 (the first
// underscore becomes T, the two trailing dashes become colons); plain ISO
// inputs are accepted as-is. Returns nil when nothing parses — never a
// synthetic timestamp.
func NormalizeTimestamp(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}

	if datePart, timePart, found := strings.Cut(s, "_"); found {
		s = datePart + "T" + strings.Replace(timePart, "-", ":", 2)
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// --- dynamic JSON helpers ---

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func getString(m map[string]any, keys ...string) *string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return &s
		}
	}
	return nil
}

func getFloat(m map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			f := v
			return &f
		case int:
			f := float64(v)
			return &f
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func floatOrZero(m map[string]any, keys ...string) float64 {
	if f := getFloat(m, keys...); f != nil {
		return *f
	}
	return 0
}

func getInt(m map[string]any, keys ...string) *int {
	if f := getFloat(m, keys...); f != nil {
		n := int(*f)
		return &n
	}
	return nil
}

func getBool(m map[string]any, keys ...string) *bool {
	for _, key := range keys {
		if b, ok := m[key].(bool); ok {
			return &b
		}
	}
	return nil
}

func getStringSlice(m map[string]any, keys ...string) []string {
	for _, key := range keys {
		items, ok := m[key].([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
