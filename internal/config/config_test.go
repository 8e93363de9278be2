package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsignal/bulwark/internal/ha"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("file values with defaults filled in", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  port: 9090
primary:
  connection_string: "postgres://localhost/elections"
replicas:
  - connection_string: "postgres://replica-a/elections"
  - connection_string: "postgres://replica-b/elections"
    priority: 10
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "info", cfg.Server.LogLevel)
		assert.Equal(t, 50, cfg.Failover.HistorySize)
		assert.Equal(t, 100, cfg.Failover.EventLogSize)
		assert.NotZero(t, cfg.Monitor.Interval)
		assert.NotZero(t, cfg.Queue.MaxDepth)

		require.Len(t, cfg.Replicas, 2)
		assert.Equal(t, 1, cfg.Replicas[0].Priority, "list order implies priority")
		assert.Equal(t, 10, cfg.Replicas[1].Priority, "explicit priority wins")
	})

	t.Run("missing primary fails validation", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  port: 9090
`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("unreadable file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("BULWARK_PORT", "7070")
		t.Setenv("BULWARK_PRIMARY_DSN", "postgres://env-host/elections")
		t.Setenv("BULWARK_LOG_LEVEL", "debug")

		path := writeConfigFile(t, `
server:
  port: 9090
primary:
  connection_string: "postgres://file-host/elections"
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "postgres://env-host/elections", cfg.Primary.ConnectionString)
		assert.Equal(t, "debug", cfg.Server.LogLevel)
	})

	t.Run("env alone can satisfy validation", func(t *testing.T) {
		t.Setenv("BULWARK_PRIMARY_DSN", "postgres://env-only/elections")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
	})
}

func TestValidReplicas(t *testing.T) {
	cfg := &Config{
		Replicas: []ReplicaConfig{
			{ConnectionString: "postgres://a/db"},
			{},
			{ConnectionString: "postgres://b/db"},
		},
	}

	valid, rejected := cfg.ValidReplicas()
	assert.Len(t, valid, 2)
	assert.Len(t, rejected, 1)
}

func TestLoadRules(t *testing.T) {
	t.Run("empty path yields the builtin set", func(t *testing.T) {
		rules, err := LoadRules("")
		require.NoError(t, err)
		assert.NotEmpty(t, rules)
	})

	t.Run("rules from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: custom-error-rate
    name: error rate spike
    trigger: automatic
    target_mode: memory
    priority: 5
    enabled: true
    condition:
      type: error_rate
      threshold: 40
`), 0o644))

		rules, err := LoadRules(path)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "custom-error-rate", rules[0].ID)
		assert.Equal(t, ha.ModeMemory, rules[0].TargetMode)
		assert.Equal(t, float64(40), rules[0].Condition.Threshold)
	})

	t.Run("invalid rule rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: broken
    name: broken
    target_mode: memory
    condition:
      type: phase_of_moon
      threshold: 1
`), 0o644))

		_, err := LoadRules(path)
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o644))

		_, err := LoadRules(path)
		assert.Error(t, err)
	})
}
