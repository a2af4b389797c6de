package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  format: json
telemetry:
  enabled: true
  service_name: txcore-test
  prometheus_port: 9191
retry:
  max_retries: 5
  base_delay_ms: 250
circuit:
  failure_threshold: 2
  cooldown_s: 30
coordinator:
  coordinator_id: payments
  recovery_probe_rate: 1.5
  staleness_window_s: 120
signatures_file: /etc/txcore/signatures.toml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "json", cfg.Logger.Format)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, "txcore-test", cfg.Telemetry.ServiceName)
	require.Equal(t, 9191, cfg.Telemetry.PrometheusPort)
	require.Equal(t, "/etc/txcore/signatures.toml", cfg.SignaturesFile)

	policy := cfg.Retry.Policy()
	require.Equal(t, 5, policy.MaxRetries)
	require.Equal(t, 250*time.Millisecond, policy.BaseDelay)

	breaker := cfg.Circuit.Breaker()
	require.Equal(t, 2, breaker.FailureThreshold)
	require.Equal(t, 30*time.Second, breaker.Cooldown)

	coord := cfg.Coordinator.Coordinator()
	require.Equal(t, "payments", coord.CoordinatorID)
	require.Equal(t, 1.5, coord.RecoveryProbeRate)
	require.Equal(t, 2*time.Minute, coord.StalenessWindow)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "retry:\n  max_retries: 7\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logger.Level)
	require.Equal(t, "console", cfg.Logger.Format)
	require.Equal(t, 7, cfg.Retry.MaxRetries)
	require.Zero(t, cfg.Retry.BaseDelayMS) // handler default applies downstream
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "retry: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
}

func TestZeroConfigConversionsKeepZeros(t *testing.T) {
	cfg := Default()
	require.Zero(t, cfg.Retry.Policy().MaxRetries)
	require.Zero(t, cfg.Circuit.Breaker().FailureThreshold)
	require.Empty(t, cfg.Coordinator.Coordinator().CoordinatorID)
}
