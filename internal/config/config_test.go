package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Execution.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Execution.RetryDelay)
	assert.True(t, cfg.Execution.SimulationMode)
	assert.Equal(t, time.Second, cfg.Agents.PollInterval)
	assert.Equal(t, "create", cfg.Coordinator.UnknownConversation)
	assert.Equal(t, filepath.Join("data", "broker.db"), cfg.Broker.DSN)
	assert.True(t, cfg.Runs("coordinator"))
}

func TestLoadOverlaysYAMLAndExpandsVariables(t *testing.T) {
	t.Setenv("TRADING_SECRET", "s3cret")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
runtime:
  data_dir: state
trading:
  api_secret: ${TRADING_SECRET}
coordinator:
  stall_timeout: 0s
  decision_agents: [signal_agent, risk_agent]
execution:
  simulation_mode: false
  retry_delay: 500ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Trading.APISecret)
	assert.Zero(t, cfg.Coordinator.StallTimeout)
	assert.Equal(t, []string{"signal_agent", "risk_agent"}, cfg.Coordinator.DecisionAgents)
	assert.False(t, cfg.Execution.SimulationMode)
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.RetryDelay)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Execution.MaxRetries)
	assert.Equal(t, filepath.Join(dir, "state", "broker.db"), cfg.Broker.DSN)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "execution:\n  max_retries: 5\n")
	t.Setenv("MCPTRADER_EXECUTION_MAX_RETRIES", "7")
	t.Setenv("MCPTRADER_COORDINATOR_UNKNOWN_CONVERSATION", "reject")
	t.Setenv("MCPTRADER_BROKER_REDIS_KEY_PREFIX", "desk1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Execution.MaxRetries)
	assert.Equal(t, "reject", cfg.Coordinator.UnknownConversation)
	assert.Equal(t, "desk1", cfg.Broker.Redis.KeyPrefix)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "execution:\n  max_retry: 5\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Execution.MaxRetries = 0
	cfg.Coordinator.UnknownConversation = "drop"
	cfg.Coordinator.DataAgents = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retries")
	assert.Contains(t, err.Error(), "unknown_conversation")
	assert.Contains(t, err.Error(), "data_agents")
}

func TestValidateKeepsConfidenceFloor(t *testing.T) {
	cfg := Default()
	cfg.Execution.MinConfidence = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_confidence")

	cfg.Execution.MinConfidence = 0.6
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvFileKeepsExistingVariables(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".env", "MCPTRADER_TEST_FROM_FILE=file\nMCPTRADER_TEST_PRESET=file\n")
	t.Setenv("MCPTRADER_TEST_PRESET", "process")
	t.Setenv("MCPTRADER_TEST_FROM_FILE", "")
	require.NoError(t, os.Unsetenv("MCPTRADER_TEST_FROM_FILE"))

	require.NoError(t, LoadEnvFile(path, true))
	assert.Equal(t, "file", os.Getenv("MCPTRADER_TEST_FROM_FILE"))
	assert.Equal(t, "process", os.Getenv("MCPTRADER_TEST_PRESET"))

	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env"), false))
	assert.Error(t, LoadEnvFile(filepath.Join(dir, "missing.env"), true))
}
