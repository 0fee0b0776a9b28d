// Package dispatch 以消费组方式读取工作流，把每个新运行信号交给执行器。
//
// 条目只在处理函数返回之后确认（无论成功、出错还是 panic）。
// 处理中途进程崩溃时条目保持未确认，重启后由同组消费者重新投递。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/runrelay/internal/eventlog"
	"github.com/BaSui01/runrelay/internal/events"
	"github.com/BaSui01/runrelay/internal/metrics"
	"github.com/BaSui01/runrelay/internal/store"
	"github.com/BaSui01/runrelay/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// 条目处理结果
const (
	OutcomeDispatched = "dispatched"
	OutcomeMalformed  = "malformed"
	OutcomeError      = "error"
)

// ackTimeout 单次确认的超时
const ackTimeout = 5 * time.Second

// RunStore 读取运行记录
type RunStore interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
}

// RunLauncher 执行或恢复运行
type RunLauncher interface {
	Launch(ctx context.Context, run *store.Run) error
}

// Config 消费者配置
type Config struct {
	Stream       string
	Group        string
	Consumer     string
	BatchSize    int64
	BlockTimeout time.Duration
	ReadBackoff  time.Duration
	// ClaimMinIdle 认领其它消费者空闲超过该时长的条目，0 表示不认领
	ClaimMinIdle time.Duration
}

// Consumer 工作流消费者
type Consumer struct {
	config   Config
	log      *eventlog.Client
	runs     RunStore
	launcher RunLauncher
	metrics  *metrics.Collector
	logger   *zap.Logger

	lastClaim time.Time
}

// Option 消费者选项
type Option func(*Consumer)

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(cs *Consumer) { cs.metrics = c }
}

// NewConsumer 创建工作流消费者
func NewConsumer(cfg Config, log *eventlog.Client, runs RunStore, launcher RunLauncher, logger *zap.Logger, opts ...Option) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = 2 * time.Second
	}

	c := &Consumer{
		config:   cfg,
		log:      log,
		runs:     runs,
		launcher: launcher,
		logger: logger.With(
			zap.String("component", "dispatch"),
			zap.String("stream", cfg.Stream),
			zap.String("group", cfg.Group),
			zap.String("consumer", cfg.Consumer)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// 🔄 读循环
// =============================================================================

// Run 创建消费组、重新处理本消费者遗留的挂起条目，然后持续读取新条目直到 ctx 取消。
// 只有消费组无法创建时返回错误。
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.log.EnsureGroup(ctx, c.config.Stream, c.config.Group); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	if err := c.DrainPending(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("draining own pending entries failed", zap.Error(err))
	}

	c.logger.Info("work stream consumer started")
	for ctx.Err() == nil {
		c.maybeClaim(ctx)

		entries, err := c.log.ReadGroup(ctx, eventlog.ReadGroupArgs{
			Stream:   c.config.Stream,
			Group:    c.config.Group,
			Consumer: c.config.Consumer,
			ID:       eventlog.NewEntriesID,
			Count:    c.config.BatchSize,
			Block:    c.config.BlockTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("work stream read failed, backing off",
				zap.Error(err), zap.Duration("backoff", c.config.ReadBackoff))
			if c.metrics != nil {
				c.metrics.RecordStreamReadError(c.config.Stream)
			}
			if !sleep(ctx, c.config.ReadBackoff) {
				break
			}
			continue
		}

		c.handleBatch(ctx, entries)
	}

	c.logger.Info("work stream consumer stopped")
	return nil
}

// DrainPending 重新处理已投递给本消费者但未确认的条目
func (c *Consumer) DrainPending(ctx context.Context) error {
	cursor := eventlog.StartID
	total := 0
	for ctx.Err() == nil {
		entries, err := c.log.ReadGroup(ctx, eventlog.ReadGroupArgs{
			Stream:   c.config.Stream,
			Group:    c.config.Group,
			Consumer: c.config.Consumer,
			ID:       cursor,
			Count:    c.config.BatchSize,
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		n := c.handleBatch(ctx, entries)
		total += n
		if n < len(entries) {
			break
		}
		cursor = entries[len(entries)-1].ID
	}
	if total > 0 {
		c.logger.Info("re-processed pending entries", zap.Int("count", total))
	}
	return nil
}

// ClaimIdle 认领其它消费者空闲过久的条目并处理，返回处理的条目数
func (c *Consumer) ClaimIdle(ctx context.Context) (int, error) {
	if c.config.ClaimMinIdle <= 0 {
		return 0, nil
	}

	cursor := eventlog.EmptyTailID
	total := 0
	for {
		entries, next, err := c.log.AutoClaim(ctx, c.config.Stream, c.config.Group, c.config.Consumer,
			c.config.ClaimMinIdle, cursor, c.config.BatchSize)
		if err != nil {
			return total, err
		}
		n := c.handleBatch(ctx, entries)
		total += n
		if n < len(entries) || next == "" || next == eventlog.EmptyTailID || next == cursor {
			break
		}
		cursor = next
	}
	if total > 0 {
		c.logger.Info("claimed idle entries from other consumers", zap.Int("count", total))
	}
	return total, nil
}

func (c *Consumer) maybeClaim(ctx context.Context) {
	if c.config.ClaimMinIdle <= 0 || time.Since(c.lastClaim) < c.config.ClaimMinIdle {
		return
	}
	c.lastClaim = time.Now()
	if _, err := c.ClaimIdle(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("auto-claim failed", zap.Error(err))
	}
}

// handleBatch 依次处理条目，返回已处理数。ctx 取消后剩余条目保持未确认，由下次启动重新投递。
func (c *Consumer) handleBatch(ctx context.Context, entries []eventlog.Entry) int {
	for i, entry := range entries {
		if ctx.Err() != nil {
			c.logger.Info("stopping mid-batch, leaving entries pending",
				zap.Int("pending", len(entries)-i), zap.String("first_entry_id", entry.ID))
			return i
		}
		c.HandleEntry(ctx, entry)
	}
	return len(entries)
}

// =============================================================================
// 📨 单条处理
// =============================================================================

// HandleEntry 处理一条工作流条目并确认，返回处理结果
func (c *Consumer) HandleEntry(ctx context.Context, entry eventlog.Entry) (outcome string) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch", "handle_entry",
		attribute.String("stream", c.config.Stream),
		attribute.String("entry_id", entry.ID))
	log := c.logger.With(zap.String("entry_id", entry.ID))

	var handleErr error
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("work entry handler panicked", zap.Any("panic", rec), zap.Stack("stack"))
			outcome = OutcomeError
			handleErr = fmt.Errorf("handler panic: %v", rec)
		}
		c.ack(ctx, entry.ID, log)
		if c.metrics != nil {
			c.metrics.RecordStreamEntry(c.config.Stream, outcome)
		}
		telemetry.EndSpan(span, handleErr)
	}()

	sig, err := events.ParseRunSignal(entry.Values)
	if err != nil {
		log.Warn("skipping malformed work entry", zap.Error(err), zap.Any("values", entry.Values))
		return OutcomeMalformed
	}
	span.SetAttributes(attribute.String("run_id", sig.RunID), attribute.String("event", sig.Event))
	log = log.With(zap.String("run_id", sig.RunID), zap.String("event", sig.Event))

	run, err := c.runs.GetRun(ctx, sig.RunID)
	if err != nil {
		handleErr = err
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("run signal for unknown run")
		} else {
			log.Error("load run failed", zap.Error(err))
		}
		return OutcomeError
	}

	if err := c.launcher.Launch(ctx, run); err != nil {
		handleErr = err
		log.Error("dispatch run failed", zap.Error(err))
		return OutcomeError
	}
	return OutcomeDispatched
}

// ack 确认条目。ctx 已取消时仍然确认：处理函数已经返回。
func (c *Consumer) ack(ctx context.Context, id string, log *zap.Logger) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	err := c.log.Ack(ackCtx, c.config.Stream, c.config.Group, id)
	if err != nil {
		log.Error("ack failed, entry will be redelivered", zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.RecordAck(c.config.Stream, err)
	}
}

// sleep 等待 d 或 ctx 取消，返回是否完整等待
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
