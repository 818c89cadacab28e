package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "fanout.db", cfg.Database.Path)
	assert.Equal(t, 5000, cfg.Database.BusyTimeout)
	assert.Equal(t, 100.0, cfg.Session.WindowMS)
	assert.Equal(t, 0.7, cfg.Session.HighMeanThreshold)
	assert.Equal(t, 0.5, cfg.Session.HighMinThreshold)
	assert.Equal(t, 0.5, cfg.Session.MediumMeanThreshold)
	assert.Equal(t, 0.3, cfg.Session.MediumMinThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, uint32(5), cfg.Retry.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Retry.ResetTimeout)
	assert.Equal(t, 1000, cfg.Ingestion.BatchSize)
	assert.Equal(t, 4, cfg.Ingestion.Concurrency)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FANOUT_DB_PATH", "/data/analytics.db")
	t.Setenv("FANOUT_WINDOW_MS", "500")
	t.Setenv("FANOUT_RETRY_BASE_DELAY", "250ms")
	t.Setenv("FANOUT_INGEST_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/data/analytics.db", cfg.Database.Path)
	assert.Equal(t, 500.0, cfg.Session.WindowMS)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 8, cfg.Ingestion.Concurrency)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("FANOUT_WINDOW_MS", "fast")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("FANOUT_WINDOW_MS", "-5")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("FANOUT_WINDOW_MS", "100")
	t.Setenv("FANOUT_HIGH_MEAN_THRESHOLD", "1.5")
	_, err = Load()
	assert.Error(t, err)
}
