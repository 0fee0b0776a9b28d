// =============================================================================
// 📦 RunRelay 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("runrelay.yaml").
//	    WithValidator((*config.Config).Validate).
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 RunRelay 的完整配置结构
type Config struct {
	// Server HTTP / Metrics 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 连接配置（事件日志 + 结果槽位）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Streams 工作流与全局流配置
	Streams StreamsConfig `yaml:"streams" env:"STREAMS"`

	// Results 短 TTL 结果键配置
	Results ResultsConfig `yaml:"results" env:"RESULTS"`

	// Database 运行/会话存储配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Slack 消息面配置
	Slack SlackConfig `yaml:"slack" env:"SLACK"`

	// Bridge 线程路由配置
	Bridge BridgeConfig `yaml:"bridge" env:"BRIDGE"`

	// Recovery 启动恢复配置
	Recovery RecoveryConfig `yaml:"recovery" env:"RECOVERY"`

	// Workspace git worktree 配置
	Workspace WorkspaceConfig `yaml:"workspace" env:"WORKSPACE"`

	// Agents 外部执行器 / Agent 运行时地址
	Agents AgentsConfig `yaml:"agents" env:"AGENTS"`

	// GraphIndex 知识图谱索引重建配置
	GraphIndex GraphIndexConfig `yaml:"graph_index" env:"GRAPH_INDEX"`

	// MCP 服务器列表（MCP_RESTART_REQUESTED 时重新加载）
	MCP MCPConfig `yaml:"mcp" env:"-"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 允许访问结果接口的 API Key，为空时不认证
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 每个 IP 的请求速率（每秒）
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求上限
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLSEnabled bool `yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// StreamsConfig 事件流配置
type StreamsConfig struct {
	// 所有 Redis 键的前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 工作流名称（新运行信号），为空时为 {prefix}:stream:work
	WorkStream string `yaml:"work_stream" env:"WORK_STREAM"`
	// 全局流名称（控制事件），为空时为 {prefix}:stream:global
	GlobalStream string `yaml:"global_stream" env:"GLOBAL_STREAM"`
	// 消费组名称
	ConsumerGroup string `yaml:"consumer_group" env:"CONSUMER_GROUP"`
	// 消费者名称，为空时使用主机名
	ConsumerName string `yaml:"consumer_name" env:"CONSUMER_NAME"`
	// 每次拉取的最大条目数
	BatchSize int64 `yaml:"batch_size" env:"BATCH_SIZE"`
	// 阻塞读超时
	BlockTimeout time.Duration `yaml:"block_timeout" env:"BLOCK_TIMEOUT"`
	// 读失败后的固定退避
	ReadBackoff time.Duration `yaml:"read_backoff" env:"READ_BACKOFF"`
	// 认领其它消费者挂起条目的最小空闲时间，0 表示禁用
	ClaimMinIdle time.Duration `yaml:"claim_min_idle" env:"CLAIM_MIN_IDLE"`
}

// ResultsConfig 结果槽位 TTL
type ResultsConfig struct {
	PulseTTL     time.Duration `yaml:"pulse_ttl" env:"PULSE_TTL"`
	WorkspaceTTL time.Duration `yaml:"workspace_ttl" env:"WORKSPACE_TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// SlackConfig Slack 配置
type SlackConfig struct {
	// xoxb- token
	BotToken string `yaml:"bot_token" env:"BOT_TOKEN"`
	// 运行线程所在频道
	ChannelID string `yaml:"channel_id" env:"CHANNEL_ID"`
	// 是否使用可编辑消息进行流式输出
	Streaming bool `yaml:"streaming" env:"STREAMING"`
	// 流式消息两次编辑之间的最小间隔
	UpdateInterval time.Duration `yaml:"update_interval" env:"UPDATE_INTERVAL"`
	// 步骤完成时是否附带反馈按钮
	Feedback bool `yaml:"feedback" env:"FEEDBACK"`
}

// BridgeConfig 线程路由配置
type BridgeConfig struct {
	// 回退路径输出缓冲的空闲刷新延迟
	FlushDelay time.Duration `yaml:"flush_delay" env:"FLUSH_DELAY"`
	// 创建线程的超时
	ThreadTimeout time.Duration `yaml:"thread_timeout" env:"THREAD_TIMEOUT"`
}

// RecoveryConfig 启动恢复配置
type RecoveryConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 沙箱容器名前缀
	SandboxPrefix string `yaml:"sandbox_prefix" env:"SANDBOX_PREFIX"`
	// 标记会话失败时写入的原因
	RestartReason string `yaml:"restart_reason" env:"RESTART_REASON"`
}

// WorkspaceConfig git worktree 配置
type WorkspaceConfig struct {
	// 项目仓库根目录，仓库位于 {projects_root}/{projectId}
	ProjectsRoot string `yaml:"projects_root" env:"PROJECTS_ROOT"`
	// worktree 根目录，worktree 位于 {worktrees_root}/{agentId}/{taskId}
	WorktreesRoot string `yaml:"worktrees_root" env:"WORKTREES_ROOT"`
	// git 可执行文件
	GitBinary string `yaml:"git_binary" env:"GIT_BINARY"`
}

// AgentsConfig 外部协作方地址
type AgentsConfig struct {
	// Pipeline Executor 基础 URL
	ExecutorURL string `yaml:"executor_url" env:"EXECUTOR_URL"`
	// Agent 运行时基础 URL（pulse）
	RuntimeURL string `yaml:"runtime_url" env:"RUNTIME_URL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// GraphIndexConfig 知识图谱索引重建配置
type GraphIndexConfig struct {
	// 重建命令，为空时禁用
	Command string `yaml:"command" env:"COMMAND"`
	// 命令参数，{agent} 会被替换为 agentId
	Args []string `yaml:"args" env:"ARGS"`
	// 防抖窗口
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// MCPConfig MCP 服务器配置
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig 单个 MCP 服务器
type MCPServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RUNRELAY",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration 按 ParseDuration 解析
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}
	if c.Streams.KeyPrefix == "" {
		errs = append(errs, "streams.key_prefix is required")
	}
	if c.Streams.ConsumerGroup == "" {
		errs = append(errs, "streams.consumer_group is required")
	}
	if c.Streams.BatchSize <= 0 {
		errs = append(errs, "streams.batch_size must be positive")
	}
	if c.Streams.BlockTimeout <= 0 {
		errs = append(errs, "streams.block_timeout must be positive")
	}
	if c.Bridge.FlushDelay <= 0 {
		errs = append(errs, "bridge.flush_delay must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	for i, s := range c.MCP.Servers {
		if s.Name == "" || s.Command == "" {
			errs = append(errs, fmt.Sprintf("mcp.servers[%d] requires name and command", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// WorkStreamKey 返回工作流键名
func (s StreamsConfig) WorkStreamKey() string {
	if s.WorkStream != "" {
		return s.WorkStream
	}
	return s.KeyPrefix + ":stream:work"
}

// GlobalStreamKey 返回全局流键名
func (s StreamsConfig) GlobalStreamKey() string {
	if s.GlobalStream != "" {
		return s.GlobalStream
	}
	return s.KeyPrefix + ":stream:global"
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
