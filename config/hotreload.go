// 配置热重载管理器实现。
//
// 文件变更与 MCP_RESTART_REQUESTED 共用同一个非重入的重载入口，
// 同一时刻最多只有一次重载在进行。
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrReloadInProgress 表示已有重载正在进行
var ErrReloadInProgress = errors.New("config reload already in progress")

// --- 热重载类型定义 ---

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config         *Config
	previousConfig *Config
	configPath     string
	version        int

	validateFunc ValidateFunc
	watcher      *FileWatcher

	changeCallbacks []ChangeCallback
	reloadCallbacks []ReloadCallback

	changeLog []ConfigChange
	logger    *zap.Logger

	// reloading 保证重载不可重入
	reloading atomic.Bool

	running bool
	cancel  context.CancelFunc
}

// ChangeCallback 配置字段变更时调用
type ChangeCallback func(change ConfigChange)

// ReloadCallback 重新加载配置后调用，返回错误会触发回滚
type ReloadCallback func(oldConfig, newConfig *Config) error

// ValidateFunc 应用前的校验钩子
type ValidateFunc func(newConfig *Config) error

// ConfigChange 代表一次字段变更
type ConfigChange struct {
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
	Applied         bool      `json:"applied"`
	Error           string    `json:"error,omitempty"`
}

// HotReloadableField 描述一个可热重载的字段
type HotReloadableField struct {
	Path        string
	Description string
	Sensitive   bool
}

// hotReloadableFields 列出不需要重启即可生效的字段，其余字段的变更都标记为需要重启
var hotReloadableFields = map[string]HotReloadableField{
	"Log.Level":            {Path: "Log.Level", Description: "Log level (debug, info, warn, error)"},
	"Bridge.FlushDelay":    {Path: "Bridge.FlushDelay", Description: "Idle flush delay for buffered step output"},
	"Slack.UpdateInterval": {Path: "Slack.UpdateInterval", Description: "Minimum interval between streamer edits"},
	"Slack.Feedback":       {Path: "Slack.Feedback", Description: "Attach feedback buttons on step completion"},
	"MCP.Servers":          {Path: "MCP.Servers", Description: "MCP server definitions"},
	"GraphIndex.Debounce":  {Path: "GraphIndex.Debounce", Description: "Debounce window for knowledge graph rebuilds"},
}

var sensitiveFields = map[string]bool{
	"Redis.Password":    true,
	"Database.Password": true,
	"Slack.BotToken":    true,
	"Server.APIKeys":    true,
}

// --- 热重载管理器选项 ---

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置记录器
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		m.logger = logger
	}
}

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.configPath = path
	}
}

// WithValidateFunc 设置配置验证钩子
func WithValidateFunc(fn ValidateFunc) HotReloadOption {
	return func(m *HotReloadManager) {
		m.validateFunc = fn
	}
}

// --- 热重载管理器实现 ---

// NewHotReloadManager 创建一个新的热重载管理器
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:    config,
		version:   1,
		changeLog: make([]ConfigChange, 0, 64),
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "hot_reload"))

	return m
}

// Start 启动热重载管理器（如设置了配置路径则开始监听文件）
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hot reload manager already running")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.configPath != "" {
		watcher, err := NewFileWatcher(
			[]string{m.configPath},
			WithWatcherLogger(m.logger),
			WithDebounceDelay(500*time.Millisecond),
		)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create file watcher: %w", err)
		}

		watcher.OnChange(m.handleFileChange)

		if err := watcher.Start(watchCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		m.watcher = watcher
	}

	m.running = true
	m.logger.Info("hot reload manager started", zap.String("config_path", m.configPath))
	return nil
}

// Stop 停止热重载管理器
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if m.cancel != nil {
		m.cancel()
	}
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			m.logger.Error("failed to stop file watcher", zap.Error(err))
		}
	}

	m.running = false
	m.logger.Info("hot reload manager stopped")
	return nil
}

// handleFileChange 处理文件更改事件
func (m *HotReloadManager) handleFileChange(event FileEvent) {
	m.logger.Info("configuration file changed",
		zap.String("path", event.Path),
		zap.String("op", event.Op.String()))

	if event.Op != FileOpWrite && event.Op != FileOpCreate {
		return
	}
	if err := m.ReloadFromFile("file"); err != nil {
		if errors.Is(err, ErrReloadInProgress) {
			m.logger.Info("file change ignored, reload already running")
			return
		}
		m.logger.Error("failed to reload configuration", zap.Error(err))
	}
}

// ReloadFromFile 从文件重新加载配置。
// 已有重载在进行时立即返回 ErrReloadInProgress。
func (m *HotReloadManager) ReloadFromFile(source string) error {
	if !m.reloading.CompareAndSwap(false, true) {
		return ErrReloadInProgress
	}
	defer m.reloading.Store(false)

	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	newConfig, err := NewLoader().WithConfigPath(m.configPath).Load()
	if err != nil {
		m.logger.Error("failed to load config from file, keeping current config",
			zap.Error(err), zap.String("path", m.configPath))
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		m.logger.Error("invalid config from file, keeping current config",
			zap.Error(err), zap.String("path", m.configPath))
		return fmt.Errorf("invalid config: %w", err)
	}

	return m.ApplyConfig(newConfig, source)
}

// Reloading 返回当前是否有重载在进行
func (m *HotReloadManager) Reloading() bool {
	return m.reloading.Load()
}

// ApplyConfig 应用新配置。
// validate、apply 和变更日志在同一把锁内完成；回调在锁外执行，失败时回滚。
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	m.mu.Lock()

	oldConfig := m.config

	if m.validateFunc != nil {
		if err := m.validateFunc(newConfig); err != nil {
			m.changeLog = append(m.changeLog, ConfigChange{
				Timestamp: time.Now(),
				Source:    source,
				Path:      "(validation_hook)",
				Error:     fmt.Sprintf("validation hook failed: %v", err),
			})
			m.mu.Unlock()
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	changes := detectChanges(oldConfig, newConfig)
	requiresRestart := false
	for i := range changes {
		changes[i].Source = source
		changes[i].Timestamp = time.Now()
		_, reloadable := hotReloadableFields[changes[i].Path]
		changes[i].RequiresRestart = !reloadable
		if sensitiveFields[changes[i].Path] {
			changes[i].OldValue = "[REDACTED]"
			changes[i].NewValue = "[REDACTED]"
		}
		changes[i].Applied = true
		requiresRestart = requiresRestart || changes[i].RequiresRestart
		m.logChange(changes[i])
	}

	m.previousConfig = deepCopyConfig(oldConfig)
	m.config = newConfig
	m.version++
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > 1000 {
		m.changeLog = m.changeLog[len(m.changeLog)-1000:]
	}

	changeCallbacks := append([]ChangeCallback(nil), m.changeCallbacks...)
	reloadCallbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	m.mu.Unlock()

	if err := notifyCallbacksSafe(changeCallbacks, reloadCallbacks, oldConfig, newConfig, changes); err != nil {
		m.mu.Lock()
		if m.config == newConfig {
			m.logger.Error("reload callback failed, rolling back", zap.Error(err))
			m.config = m.previousConfig
			m.changeLog = append(m.changeLog, ConfigChange{
				Timestamp: time.Now(),
				Source:    "rollback",
				Path:      "(rollback)",
				Applied:   true,
				Error:     err.Error(),
			})
		}
		m.mu.Unlock()
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	if requiresRestart {
		m.logger.Warn("some configuration changes require restart to take effect")
	}
	m.logger.Info("configuration reloaded",
		zap.String("source", source),
		zap.Int("changes", len(changes)),
		zap.Bool("requires_restart", requiresRestart))
	return nil
}

// notifyCallbacksSafe 通知回调并捕获 panic
func notifyCallbacksSafe(changeCallbacks []ChangeCallback, reloadCallbacks []ReloadCallback, oldConfig, newConfig *Config, changes []ConfigChange) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range changeCallbacks {
		for _, change := range changes {
			cb(change)
		}
	}
	for _, cb := range reloadCallbacks {
		if err := cb(oldConfig, newConfig); err != nil {
			return err
		}
	}
	return nil
}

// detectChanges 检测新旧配置之间的变化
func detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	return changes
}

// compareStructs 递归比较结构体字段
func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldPath := field.Name
		if prefix != "" {
			fieldPath = prefix + "." + field.Name
		}

		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		if oldField.Kind() == reflect.Struct && oldField.Type() != reflect.TypeOf(time.Time{}) {
			compareStructs(fieldPath, oldField, newField, changes)
			continue
		}
		if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			*changes = append(*changes, ConfigChange{
				Path:     fieldPath,
				OldValue: oldField.Interface(),
				NewValue: newField.Interface(),
			})
		}
	}
}

// logChange 记录配置更改
func (m *HotReloadManager) logChange(change ConfigChange) {
	fields := []zap.Field{
		zap.String("path", change.Path),
		zap.String("source", change.Source),
		zap.Bool("requires_restart", change.RequiresRestart),
	}
	if !sensitiveFields[change.Path] {
		fields = append(fields,
			zap.Any("old_value", change.OldValue),
			zap.Any("new_value", change.NewValue))
	}
	m.logger.Info("configuration field changed", fields...)
}

// deepCopyConfig 通过 JSON 往返深拷贝配置
func deepCopyConfig(config *Config) *Config {
	data, err := json.Marshal(config)
	if err != nil {
		return config
	}
	var copied Config
	if err := json.Unmarshal(data, &copied); err != nil {
		return config
	}
	return &copied
}

// OnChange 注册字段变更回调
func (m *HotReloadManager) OnChange(callback ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeCallbacks = append(m.changeCallbacks, callback)
}

// OnReload 注册重载回调
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// Version 返回当前配置版本号（每次成功应用加一）
func (m *HotReloadManager) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// GetChangeLog 返回最近 limit 条变更（limit <= 0 返回全部）
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.changeLog) {
		limit = len(m.changeLog)
	}
	out := make([]ConfigChange, limit)
	copy(out, m.changeLog[len(m.changeLog)-limit:])
	return out
}

// IsHotReloadable 检查字段是否可以热重载
func IsHotReloadable(path string) bool {
	_, ok := hotReloadableFields[path]
	return ok
}
