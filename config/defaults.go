// =============================================================================
// 📦 RunRelay 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"fmt"
	"os"
	"time"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Redis:      DefaultRedisConfig(),
		Streams:    DefaultStreamsConfig(),
		Results:    DefaultResultsConfig(),
		Database:   DefaultDatabaseConfig(),
		Slack:      DefaultSlackConfig(),
		Bridge:     DefaultBridgeConfig(),
		Recovery:   DefaultRecoveryConfig(),
		Workspace:  DefaultWorkspaceConfig(),
		Agents:     DefaultAgentsConfig(),
		GraphIndex: DefaultGraphIndexConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultStreamsConfig 返回默认事件流配置
func DefaultStreamsConfig() StreamsConfig {
	return StreamsConfig{
		KeyPrefix:     "runrelay",
		ConsumerGroup: "runrelay-dispatch",
		ConsumerName:  defaultConsumerName(),
		BatchSize:     10,
		BlockTimeout:  5 * time.Second,
		ReadBackoff:   2 * time.Second,
		ClaimMinIdle:  5 * time.Minute,
	}
}

// DefaultResultsConfig 返回默认结果槽位 TTL
func DefaultResultsConfig() ResultsConfig {
	return ResultsConfig{
		PulseTTL:     60 * time.Second,
		WorkspaceTTL: 300 * time.Second,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "runrelay",
		Password:        "",
		Name:            "runrelay",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultSlackConfig 返回默认 Slack 配置
func DefaultSlackConfig() SlackConfig {
	return SlackConfig{
		Streaming:      true,
		UpdateInterval: time.Second,
		Feedback:       true,
	}
}

// DefaultBridgeConfig 返回默认路由配置
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		FlushDelay:    2 * time.Second,
		ThreadTimeout: 30 * time.Second,
	}
}

// DefaultRecoveryConfig 返回默认恢复配置
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Enabled:       true,
		SandboxPrefix: "runrelay-sandbox-",
		RestartReason: "engine restarted",
	}
}

// DefaultWorkspaceConfig 返回默认 worktree 配置
func DefaultWorkspaceConfig() WorkspaceConfig {
	return WorkspaceConfig{
		ProjectsRoot:  "/var/lib/runrelay/projects",
		WorktreesRoot: "/var/lib/runrelay/worktrees",
		GitBinary:     "git",
	}
}

// DefaultAgentsConfig 返回默认外部协作方配置
func DefaultAgentsConfig() AgentsConfig {
	return AgentsConfig{
		ExecutorURL: "http://localhost:8090",
		RuntimeURL:  "http://localhost:8091",
		Timeout:     30 * time.Second,
	}
}

// DefaultGraphIndexConfig 返回默认图谱索引配置
func DefaultGraphIndexConfig() GraphIndexConfig {
	return GraphIndexConfig{
		Debounce: 3 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "runrelay",
		SampleRate:   0.1,
	}
}

// defaultConsumerName 使用主机名，重启后保持同一消费者身份以便取回自己的挂起条目
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("runrelay-%d", os.Getpid())
	}
	return host
}
