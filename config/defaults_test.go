package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, StreamsConfig{}, cfg.Streams)
	assert.NotEqual(t, ResultsConfig{}, cfg.Results)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, SlackConfig{}, cfg.Slack)
	assert.NotEqual(t, BridgeConfig{}, cfg.Bridge)
	assert.NotEqual(t, RecoveryConfig{}, cfg.Recovery)
	assert.NotEqual(t, WorkspaceConfig{}, cfg.Workspace)
	assert.NotEqual(t, AgentsConfig{}, cfg.Agents)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.Empty(t, cfg.MCP.Servers)
}

func TestDefaultConfig_Validates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, 100, cfg.RateLimitBurst)
	assert.Empty(t, cfg.APIKeys)
}

func TestDefaultStreamsConfig(t *testing.T) {
	cfg := DefaultStreamsConfig()
	assert.Equal(t, "runrelay", cfg.KeyPrefix)
	assert.Equal(t, "runrelay-dispatch", cfg.ConsumerGroup)
	assert.NotEmpty(t, cfg.ConsumerName)
	assert.Equal(t, int64(10), cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.BlockTimeout)
	assert.Equal(t, 2*time.Second, cfg.ReadBackoff)
	assert.Equal(t, 5*time.Minute, cfg.ClaimMinIdle)
}

func TestDefaultConsumerName_StableAcrossCalls(t *testing.T) {
	// 重启后必须拿回同一个名字才能取回自己的挂起条目
	assert.Equal(t, defaultConsumerName(), defaultConsumerName())
	if host, err := os.Hostname(); err == nil && host != "" {
		assert.Equal(t, host, defaultConsumerName())
	}
}

func TestDefaultResultsConfig(t *testing.T) {
	cfg := DefaultResultsConfig()
	assert.Equal(t, 60*time.Second, cfg.PulseTTL)
	assert.Equal(t, 300*time.Second, cfg.WorkspaceTTL)
}

func TestDefaultSlackConfig(t *testing.T) {
	cfg := DefaultSlackConfig()
	assert.True(t, cfg.Streaming)
	assert.True(t, cfg.Feedback)
	assert.Equal(t, time.Second, cfg.UpdateInterval)
	assert.Empty(t, cfg.BotToken)
}

func TestDefaultBridgeConfig(t *testing.T) {
	cfg := DefaultBridgeConfig()
	assert.Equal(t, 2*time.Second, cfg.FlushDelay)
	assert.Equal(t, 30*time.Second, cfg.ThreadTimeout)
}

func TestDefaultRecoveryConfig(t *testing.T) {
	cfg := DefaultRecoveryConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "runrelay-sandbox-", cfg.SandboxPrefix)
	assert.Equal(t, "engine restarted", cfg.RestartReason)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "runrelay", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
}
