package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 0.12, cfg.Cost.ElectricityRate)
	assert.Equal(t, 1.3, cfg.Cost.CoolingFactor)
	assert.Equal(t, 0.05, cfg.Cost.CarbonRate)
	assert.Equal(t, "USD", cfg.Cost.Currency)
	assert.Equal(t, 30*time.Second, cfg.Collection.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.Collection.WindowSize)
	assert.Equal(t, 600*time.Second, cfg.Collection.EvictionTTL)
	assert.Equal(t, cfg.Collection.WindowSize, cfg.Collection.LateSampleTolerance)
	assert.Equal(t, 10*time.Second, cfg.Source.ScrapeTimeout)
	assert.Equal(t, []string{DefaultExporterTarget}, cfg.Source.Targets)
	assert.Equal(t, SourceModeExporter, cfg.Source.Mode)
	assert.Equal(t, 5, cfg.Sink.MaxRetryAttempts)
	assert.Equal(t, 3, cfg.Sink.QueueMaxAttempts)
	assert.Equal(t, DefaultRedisListKey, cfg.Sink.Redis.ListKey)
	assert.Equal(t, int64(100000), cfg.Sink.Redis.MaxLen)
	assert.Equal(t, 9100, cfg.Observability.MetricsPort)
	assert.False(t, cfg.Pricing.Enabled)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("ELECTRICITY_RATE", "0.2")
	t.Setenv("COOLING_FACTOR", "1.5")
	t.Setenv("POLL_INTERVAL_SECONDS", "15")
	t.Setenv("WINDOW_SIZE_SECONDS", "60")
	t.Setenv("SCRAPE_TIMEOUT_SECONDS", "2.5")
	t.Setenv("EXPORTER_TARGETS", "http://node-1:8888/metrics, http://node-2:8888/metrics,,")
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("RETRY_BASE_DELAY", "100ms")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 0.2, cfg.Cost.ElectricityRate)
	assert.Equal(t, 1.5, cfg.Cost.CoolingFactor)
	assert.Equal(t, 15*time.Second, cfg.Collection.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Collection.WindowSize)
	assert.Equal(t, 60*time.Second, cfg.Collection.LateSampleTolerance)
	assert.Equal(t, 2500*time.Millisecond, cfg.Source.ScrapeTimeout)
	assert.Equal(t, []string{"http://node-1:8888/metrics", "http://node-2:8888/metrics"}, cfg.Source.Targets)
	assert.Equal(t, 0, cfg.Sink.Redis.DB, "invalid integers fall back to the default")
	assert.Equal(t, 100*time.Millisecond, cfg.Sink.RetryBaseDelay)
}

func TestLoadFromEnvRejectsInvalid(t *testing.T) {
	t.Setenv("COOLING_FACTOR", "0.8")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooling factor")
}

func TestLoadPricingSchedules(t *testing.T) {
	dir := t.TempDir()

	validPath := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(validPath, []byte(`
schedules:
  - dayOfWeek: "1-5"
    startTime: "16:00"
    endTime: "21:00"
    peakRate: 0.30
    offPeakRate: 0.10
  - dayOfWeek: "0,6"
    startTime: "17:00"
    endTime: "20:00"
    peakRate: 0.20
    offPeakRate: 0.10
`), 0644))

	mismatchPath := filepath.Join(dir, "mismatch.yaml")
	require.NoError(t, os.WriteFile(mismatchPath, []byte(`
schedules:
  - dayOfWeek: "12345"
    startTime: "16:00"
    endTime: "21:00"
    peakRate: 0.30
    offPeakRate: 0.10
  - dayOfWeek: "06"
    startTime: "17:00"
    endTime: "20:00"
    peakRate: 0.20
    offPeakRate: 0.12
`), 0644))

	brokenPath := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(brokenPath, []byte("schedules: [not-valid-yaml"), 0644))

	tests := []struct {
		name      string
		path      string
		expectErr bool
		schedules int
	}{
		{name: "valid schedules", path: validPath, schedules: 2},
		{name: "different off-peak rates", path: mismatchPath, expectErr: true},
		{name: "invalid yaml", path: brokenPath, expectErr: true},
		{name: "missing file", path: filepath.Join(dir, "missing.yaml"), expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			err := loadPricingSchedules(cfg, tt.path)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, cfg.Pricing.Schedules, tt.schedules)
		})
	}
}

func TestLoadFromEnvWithPricing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schedules:
  - dayOfWeek: "1-5"
    startTime: "16:00"
    endTime: "21:00"
    peakRate: 0.30
    offPeakRate: 0.10
`), 0644))

	t.Setenv("PRICING_ENABLED", "true")
	t.Setenv("PRICING_SCHEDULES_PATH", path)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	require.Len(t, cfg.Pricing.Schedules, 1)
	assert.Equal(t, 0.30, cfg.Pricing.Schedules[0].PeakRate)
}
