package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
provider:
  base_url: http://provider.test
oauth:
  token_url: http://provider.test/token
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "jetstream", cfg.Queue.Driver)
	assert.Equal(t, "SYNC_JOBS", cfg.Queue.Stream)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.LeaseWait)
	assert.Equal(t, time.Minute, cfg.Credential.RefreshSkew)
	assert.Equal(t, []string{"nats://127.0.0.1:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 3, cfg.Alerts.FailureThreshold)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.True(t, cfg.UsesNATS())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, minimal+`
worker:
  concurrency: 8
scheduler:
  timezone: Europe/Berlin
credential:
  analytics_scopes: [analytics, revenue]
`)
	t.Setenv("CHANSYNC_WORKER_LEASE_WAIT", "5s")
	t.Setenv("CHANSYNC_QUEUE_DRIVER", "memory")
	t.Setenv("CHANSYNC_NOTIFIER_RELAY", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Worker.LeaseWait)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, []string{"analytics", "revenue"}, cfg.Credential.AnalyticsScopes)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	assert.False(t, cfg.UsesNATS())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateSampleIntervalIgnoredWithoutMetrics(t *testing.T) {
	_, err := Load(writeConfig(t, minimal+"metrics:\n  enabled: false\n  sample_interval: 0s\n"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing provider", "oauth:\n  token_url: http://x\n", "provider.base_url"},
		{"unknown queue", minimal + "queue:\n  driver: kafka\n", "queue.driver"},
		{"postgres without dsn", minimal + "lease:\n  driver: postgres\n", "lease.dsn"},
		{"bad timezone", minimal + "scheduler:\n  timezone: Mars/Olympus\n", "scheduler.timezone"},
		{"zero concurrency", minimal + "worker:\n  concurrency: 0\n", "worker.concurrency"},
		{"zero sample interval", minimal + "metrics:\n  sample_interval: 0s\n", "metrics.sample_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
