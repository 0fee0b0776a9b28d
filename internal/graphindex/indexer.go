// Package graphindex 在 Agent 知识链接变化后重建其知识图谱索引。
// 编辑往往成批出现，重建按 Agent 防抖。
package graphindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/runrelay/internal/cmdexec"
	"github.com/BaSui01/runrelay/internal/debounce"
	"github.com/BaSui01/runrelay/internal/metrics"
	"go.uber.org/zap"
)

// ErrDisabled 未配置重建命令
var ErrDisabled = errors.New("graph index rebuild disabled")

// agentPlaceholder 参数中被替换为 agentId 的占位符
const agentPlaceholder = "{agent}"

// Config 重建配置
type Config struct {
	Command  string
	Args     []string
	Debounce time.Duration
	// Timeout 单次重建的超时
	Timeout time.Duration
}

// Indexer 防抖的索引重建器
type Indexer struct {
	config    Config
	runner    cmdexec.Runner
	scheduler *debounce.Scheduler[string]
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// Option 重建器选项
type Option func(*Indexer)

// WithRunner 设置命令执行器
func WithRunner(r cmdexec.Runner) Option {
	return func(i *Indexer) { i.runner = r }
}

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(i *Indexer) { i.metrics = c }
}

// New 创建重建器
func New(cfg Config, logger *zap.Logger, opts ...Option) *Indexer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	i := &Indexer{
		config: cfg,
		runner: cmdexec.ExecRunner{},
		logger: logger.With(zap.String("component", "graph_index")),
	}
	for _, opt := range opts {
		opt(i)
	}

	i.scheduler = debounce.New(cfg.Debounce,
		func(_ string, agentID string) { i.rebuildInBackground(agentID) },
		debounce.WithLogger[string](i.logger),
		debounce.WithFireHook[string](func(string) {
			if i.metrics != nil {
				i.metrics.RecordDebounceExecution("graph_index")
			}
		}),
	)
	return i
}

// Enabled 是否配置了重建命令
func (i *Indexer) Enabled() bool {
	return i.config.Command != ""
}

// Schedule 请求重建 agentID 的索引，同一 Agent 在防抖窗口内的多次请求合并为一次
func (i *Indexer) Schedule(agentID string) error {
	if !i.Enabled() {
		return ErrDisabled
	}
	if agentID == "" {
		return errors.New("schedule graph index: empty agent id")
	}
	i.scheduler.Schedule(agentID, agentID)
	return nil
}

// Pending agentID 是否有挂起的重建
func (i *Indexer) Pending(agentID string) bool {
	return i.scheduler.Pending(agentID)
}

// Rebuild 立即重建 agentID 的索引
func (i *Indexer) Rebuild(ctx context.Context, agentID string) error {
	if !i.Enabled() {
		return ErrDisabled
	}

	args := make([]string, len(i.config.Args))
	for n, a := range i.config.Args {
		args[n] = strings.ReplaceAll(a, agentPlaceholder, agentID)
	}

	start := time.Now()
	if _, err := i.runner.Run(ctx, "", i.config.Command, args...); err != nil {
		return fmt.Errorf("rebuild graph index for %s: %w", agentID, err)
	}
	i.logger.Info("graph index rebuilt",
		zap.String("agent_id", agentID),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// rebuildInBackground best-effort：失败只记录，下一次链接变化会再次触发
func (i *Indexer) rebuildInBackground(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), i.config.Timeout)
	defer cancel()
	if err := i.Rebuild(ctx, agentID); err != nil {
		i.logger.Warn("best-effort graph index rebuild failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// SetDebounce 调整防抖窗口
func (i *Indexer) SetDebounce(d time.Duration) {
	if d > 0 {
		i.scheduler.SetDelay(d)
	}
}

// Stop 丢弃挂起的重建并等待执行中的重建结束
func (i *Indexer) Stop() {
	i.scheduler.Stop()
}
