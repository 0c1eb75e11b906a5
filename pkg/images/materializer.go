// Package images materializes ingress webhook images into the partitioned
// three-variant cache layout the dashboard serves from.
package images

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoders for the formats cameras actually send
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// StorageScheme is the only binary storage scheme the materializer supports.
const StorageScheme = "filesystem-v2:"

// Sentinel errors. All of them mean "no image row" to the caller, never a
// failed execution — images are optional.
var (
	ErrUnsupportedScheme = errors.New("unsupported binary storage scheme")
	ErrNoDescriptor      = errors.New("no binary descriptor")
)

// Descriptor is the webhook node's binary attachment descriptor.
type Descriptor struct {
	Storage  string
	MimeType string
}

// DescriptorFromBinary builds a Descriptor from a resolved binary map.
// Returns nil when the map carries no storage reference.
func DescriptorFromBinary(binary map[string]any) *Descriptor {
	if binary == nil {
		return nil
	}
	storage, _ := binary["storage"].(string)
	if storage == "" {
		// Some engine versions nest the storage id under "id".
		storage, _ = binary["id"].(string)
	}
	if storage == "" {
		return nil
	}
	mimeType, _ := binary["mimeType"].(string)
	return &Descriptor{Storage: storage, MimeType: mimeType}
}

// Result describes one materialized image. Paths are relative to the cache
// root so the root can be rebased without touching the database.
type Result struct {
	OriginalPath string
	WebPPath     string
	ThumbPath    string
	ByteSize     int
	Width        int
	Height       int
	Format       string
}

// Materializer reads source images from the engine's binary-data filesystem
// and writes the original/webp/thumb variants under the cache root.
type Materializer struct {
	binaryRoot   string
	cacheRoot    string
	thumbWidth   int
	thumbQuality int
	webpQuality  int
}

// NewMaterializer creates a materializer. Empty roots are allowed; Enabled
// reports whether materialization can actually run.
func NewMaterializer(binaryRoot, cacheRoot string, thumbWidth, thumbQuality, webpQuality int) *Materializer {
	return &Materializer{
		binaryRoot:   binaryRoot,
		cacheRoot:    cacheRoot,
		thumbWidth:   thumbWidth,
		thumbQuality: thumbQuality,
		webpQuality:  webpQuality,
	}
}

// Enabled reports whether both filesystem roots are configured.
func (m *Materializer) Enabled() bool {
	return m.binaryRoot != "" && m.cacheRoot != ""
}

// Partition returns the directory shard for an execution id.
func Partition(execID int64) int64 {
	return execID / 1000
}

// Materialize reads the descriptor's source file and writes the three
// variants. Concurrent calls are safe: execution ids are partitioned by
// queue claim, so two workers never race for the same output files.
func (m *Materializer) Materialize(execID int64, desc *Descriptor) (*Result, error) {
	if desc == nil {
		return nil, ErrNoDescriptor
	}
	if !m.Enabled() {
		return nil, fmt.Errorf("image materialization disabled: binary or cache root not configured")
	}

	relPath, ok := strings.CutPrefix(desc.Storage, StorageScheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, desc.Storage)
	}

	sourcePath := filepath.Join(m.binaryRoot, filepath.FromSlash(relPath))
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read source image %s: %w", sourcePath, err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode source image %s: %w", sourcePath, err)
	}
	bounds := img.Bounds()

	partition := Partition(execID)
	originalRel := filepath.Join("original", fmt.Sprintf("%d", partition), fmt.Sprintf("%d.jpg", execID))
	webpRel := filepath.Join("webp", fmt.Sprintf("%d", partition), fmt.Sprintf("%d.webp", execID))
	thumbRel := filepath.Join("thumb", fmt.Sprintf("%d", partition), fmt.Sprintf("%d.webp", execID))

	// Original bytes are written verbatim — no re-encode.
	if err := m.writeFile(originalRel, data); err != nil {
		return nil, err
	}

	webpBytes, err := webp.EncodeRGB(img, float32(m.webpQuality))
	if err != nil {
		return nil, fmt.Errorf("failed to encode webp variant: %w", err)
	}
	if err := m.writeFile(webpRel, webpBytes); err != nil {
		return nil, err
	}

	thumb := img
	if bounds.Dx() > m.thumbWidth {
		// Height 0 preserves aspect ratio; never upscale.
		thumb = imaging.Resize(img, m.thumbWidth, 0, imaging.Lanczos)
	}
	thumbBytes, err := webp.EncodeRGB(thumb, float32(m.thumbQuality))
	if err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail variant: %w", err)
	}
	if err := m.writeFile(thumbRel, thumbBytes); err != nil {
		return nil, err
	}

	return &Result{
		OriginalPath: filepath.ToSlash(originalRel),
		WebPPath:     filepath.ToSlash(webpRel),
		ThumbPath:    filepath.ToSlash(thumbRel),
		ByteSize:     len(data),
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		Format:       format,
	}, nil
}

func (m *Materializer) writeFile(relPath string, data []byte) error {
	absPath := filepath.Join(m.cacheRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}
	if err := os.WriteFile(absPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	return nil
}
