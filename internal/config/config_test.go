package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AEGIS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Transport.Backend)
	assert.Equal(t, 60*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Monitor.InactivityAfter)
	assert.Equal(t, "high", cfg.HIL.RiskThreshold)
	assert.Equal(t, 24*time.Hour, cfg.HIL.Retention)
	assert.Equal(t, 10000, cfg.Orchestrator.MaxConversations)
	assert.Equal(t, []string{"error_debugging", "onboarding_check_in", "retention_outreach", "upsell_suggestion"}, cfg.Monitor.Priority)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  backend: kafka
  request_timeout: 3s
monitor:
  interval: 5s
  priority: [retention_outreach, error_debugging]
hil:
  action_risk:
    provision_sandbox: high
log_level: debug
`), 0o600))

	t.Setenv("AEGIS_CONFIG", path)
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MONITOR_INTERVAL", "90s")
	t.Setenv("AEGIS_SEED_DEMO", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.Transport.Backend)
	assert.Equal(t, 3*time.Second, cfg.Transport.RequestTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 90*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, []string{"retention_outreach", "error_debugging"}, cfg.Monitor.Priority)
	assert.Equal(t, "high", cfg.HIL.ActionRisk["provision_sandbox"])
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.SeedDemo)
	// untouched sections keep defaults
	assert.Equal(t, 10*time.Second, cfg.Transport.HandlerTimeout)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("AEGIS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("HIL_APPROVAL_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}
