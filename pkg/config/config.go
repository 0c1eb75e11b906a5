// Package config loads and validates the ETL process configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/firewatch-ai/firewatch/pkg/database"
)

// Config is the umbrella configuration for one ETL process.
type Config struct {
	Queue  *QueueConfig
	Images *ImageConfig

	// TargetDB is the analytics database (read/write, owns migrations).
	TargetDB database.Config

	// SourceDB is the workflow engine's operational database (read-only).
	SourceDB database.Config

	// HTTPPort serves the ops API (health, queue stats).
	HTTPPort string
}

// Load builds a Config from the environment, applying defaults for every
// unset option and validating the result.
func Load() (*Config, error) {
	queue, err := loadQueueConfig()
	if err != nil {
		return nil, err
	}

	images, err := loadImageConfig()
	if err != nil {
		return nil, err
	}

	targetDB, err := database.LoadConfigFromEnv("TARGET_DB", database.Defaults{
		Database: "firewatch", MaxOpenConns: 10, MaxIdleConns: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("target database config: %w", err)
	}

	sourceDB, err := database.LoadConfigFromEnv("SOURCE_DB", database.Defaults{
		Database: "n8n", MaxOpenConns: 5, MaxIdleConns: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("source database config: %w", err)
	}

	cfg := &Config{
		Queue:    queue,
		Images:   images,
		TargetDB: targetDB,
		SourceDB: sourceDB,
		HTTPPort: getEnv("HTTP_PORT", "8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the full configuration tree.
func (c *Config) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if err := c.Images.Validate(); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// getEnvMillis reads an integer number of milliseconds, matching the
// *_MS option names the deployment tooling already uses.
func getEnvMillis(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
