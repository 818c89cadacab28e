// Package config loads runtime settings from the environment, with a
// .env file picked up when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Session   SessionConfig
	Retry     RetryConfig
	Ingestion IngestionConfig
}

type DatabaseConfig struct {
	// Path to the SQLite database file.
	Path string `validate:"required"`
	// BusyTimeout in milliseconds for contended writes.
	BusyTimeout int `validate:"gte=0"`
}

type SessionConfig struct {
	// WindowMS is the temporal bundling window in milliseconds.
	WindowMS float64 `validate:"gt=0"`

	HighMeanThreshold   float64 `validate:"gte=0,lte=1"`
	HighMinThreshold    float64 `validate:"gte=0,lte=1"`
	MediumMeanThreshold float64 `validate:"gte=0,lte=1"`
	MediumMinThreshold  float64 `validate:"gte=0,lte=1"`
}

type RetryConfig struct {
	MaxRetries       int           `validate:"gte=0"`
	BaseDelay        time.Duration `validate:"gt=0"`
	MaxDelay         time.Duration `validate:"gt=0"`
	FailureThreshold uint32        `validate:"gt=0"`
	ResetTimeout     time.Duration `validate:"gt=0"`
}

type IngestionConfig struct {
	// BaseDir confines source log paths; empty disables confinement.
	BaseDir string
	// MaxFileBytes rejects oversized source files; 0 disables the check.
	MaxFileBytes int64 `validate:"gte=0"`
	BatchSize    int   `validate:"gt=0"`
	Concurrency  int   `validate:"gt=0"`
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// Load reads the environment. A missing .env file is not an error;
// explicit environment variables always win over file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Path: getEnvOrDefault("FANOUT_DB_PATH", "fanout.db"),
		},
	}

	var err error
	if cfg.Database.BusyTimeout, err = envInt("FANOUT_DB_BUSY_TIMEOUT_MS", 5000); err != nil {
		return nil, err
	}
	if cfg.Session.WindowMS, err = envFloat("FANOUT_WINDOW_MS", 100); err != nil {
		return nil, err
	}
	if cfg.Session.HighMeanThreshold, err = envFloat("FANOUT_HIGH_MEAN_THRESHOLD", 0.7); err != nil {
		return nil, err
	}
	if cfg.Session.HighMinThreshold, err = envFloat("FANOUT_HIGH_MIN_THRESHOLD", 0.5); err != nil {
		return nil, err
	}
	if cfg.Session.MediumMeanThreshold, err = envFloat("FANOUT_MEDIUM_MEAN_THRESHOLD", 0.5); err != nil {
		return nil, err
	}
	if cfg.Session.MediumMinThreshold, err = envFloat("FANOUT_MEDIUM_MIN_THRESHOLD", 0.3); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxRetries, err = envInt("FANOUT_RETRY_MAX", 3); err != nil {
		return nil, err
	}
	if cfg.Retry.BaseDelay, err = envDuration("FANOUT_RETRY_BASE_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxDelay, err = envDuration("FANOUT_RETRY_MAX_DELAY", 60*time.Second); err != nil {
		return nil, err
	}
	failures, err := envInt("FANOUT_BREAKER_FAILURES", 5)
	if err != nil {
		return nil, err
	}
	cfg.Retry.FailureThreshold = uint32(failures)
	if cfg.Retry.ResetTimeout, err = envDuration("FANOUT_BREAKER_RESET", 30*time.Second); err != nil {
		return nil, err
	}
	cfg.Ingestion.BaseDir = os.Getenv("FANOUT_LOG_BASE_DIR")
	maxMB, err := envInt("FANOUT_MAX_FILE_MB", 1024)
	if err != nil {
		return nil, err
	}
	cfg.Ingestion.MaxFileBytes = int64(maxMB) * 1024 * 1024
	if cfg.Ingestion.BatchSize, err = envInt("FANOUT_INGEST_BATCH_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.Ingestion.Concurrency, err = envInt("FANOUT_INGEST_CONCURRENCY", 4); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
