package config

import "fmt"

// ImageConfig controls image materialization (spec: three variants under a
// partitioned cache layout).
type ImageConfig struct {
	// BinaryDataRoot is the workflow engine's binary-data directory, the
	// base for filesystem-v2 descriptors.
	BinaryDataRoot string

	// CacheRoot is where the original/webp/thumb variants are written.
	// All database paths are stored relative to this root.
	CacheRoot string

	// ThumbnailMaxWidth caps thumbnail width in pixels. Images narrower
	// than this are never upscaled.
	ThumbnailMaxWidth int

	// ThumbnailQuality is the WebP quality for thumbnails (1-100).
	ThumbnailQuality int

	// WebPQuality is the WebP quality for the main web variant (1-100).
	WebPQuality int
}

// DefaultImageConfig returns the built-in image defaults.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		ThumbnailMaxWidth: 320,
		ThumbnailQuality:  70,
		WebPQuality:       80,
	}
}

func loadImageConfig() (*ImageConfig, error) {
	cfg := DefaultImageConfig()
	cfg.BinaryDataRoot = getEnv("N8N_BINARY_DATA_ROOT", "")
	cfg.CacheRoot = getEnv("IMAGE_CACHE_ROOT", "")

	var err error
	if cfg.ThumbnailMaxWidth, err = getEnvInt("THUMBNAIL_MAX_WIDTH", cfg.ThumbnailMaxWidth); err != nil {
		return nil, err
	}
	if cfg.ThumbnailQuality, err = getEnvInt("THUMBNAIL_QUALITY", cfg.ThumbnailQuality); err != nil {
		return nil, err
	}
	if cfg.WebPQuality, err = getEnvInt("WEBP_QUALITY", cfg.WebPQuality); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks image configuration bounds. Empty roots are allowed:
// image materialization is optional and disables itself when unconfigured.
func (i *ImageConfig) Validate() error {
	if i == nil {
		return fmt.Errorf("image configuration is nil")
	}
	if i.ThumbnailMaxWidth < 16 || i.ThumbnailMaxWidth > 4096 {
		return fmt.Errorf("THUMBNAIL_MAX_WIDTH must be between 16 and 4096, got %d", i.ThumbnailMaxWidth)
	}
	if i.ThumbnailQuality < 1 || i.ThumbnailQuality > 100 {
		return fmt.Errorf("THUMBNAIL_QUALITY must be between 1 and 100, got %d", i.ThumbnailQuality)
	}
	if i.WebPQuality < 1 || i.WebPQuality > 100 {
		return fmt.Errorf("WEBP_QUALITY must be between 1 and 100, got %d", i.WebPQuality)
	}
	return nil
}
