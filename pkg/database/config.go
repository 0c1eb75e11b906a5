package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds connection settings for one PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// StatementTimeout is applied as a runtime parameter on every
	// connection. Zero disables it.
	StatementTimeout time.Duration
}

// Defaults carries the per-database defaults that differ between the
// target (analytics) and source (workflow engine) connections.
type Defaults struct {
	Database     string
	MaxOpenConns int
	MaxIdleConns int
}

// DSN returns a pgx-compatible connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LoadConfigFromEnv loads database configuration from environment variables
// under the given prefix (e.g. TARGET_DB_HOST, SOURCE_DB_PORT).
func LoadConfigFromEnv(prefix string, defaults Defaults) (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault(prefix+"_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s_PORT: %w", prefix, err)
	}

	maxOpen, err := strconv.Atoi(getEnvOrDefault(prefix+"_MAX_OPEN_CONNS", strconv.Itoa(defaults.MaxOpenConns)))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s_MAX_OPEN_CONNS: %w", prefix, err)
	}
	maxIdle, err := strconv.Atoi(getEnvOrDefault(prefix+"_MAX_IDLE_CONNS", strconv.Itoa(defaults.MaxIdleConns)))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s_MAX_IDLE_CONNS: %w", prefix, err)
	}

	return Config{
		Host:            getEnvOrDefault(prefix+"_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault(prefix+"_USER", "firewatch"),
		Password:        os.Getenv(prefix + "_PASSWORD"),
		Database:        getEnvOrDefault(prefix+"_NAME", defaults.Database),
		SSLMode:         getEnvOrDefault(prefix+"_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
