// Package listener 从全局流的实时尾部读取控制事件并触发对应的副作用。
//
// 全局流只有一个逻辑读者，因此不使用消费组：监听器记住最后读到的条目 ID，
// 每次从该 ID 之后继续读取。副作用交给后台协程池执行，读循环不会被慢调用阻塞。
package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/runrelay/internal/eventlog"
	"github.com/BaSui01/runrelay/internal/events"
	"github.com/BaSui01/runrelay/internal/metrics"
	"github.com/BaSui01/runrelay/internal/pool"
	"github.com/BaSui01/runrelay/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DataField 全局流条目中承载 JSON 事件的字段
const DataField = "data"

// 事件处理结果
const (
	OutcomeHandled   = "handled"
	OutcomeIgnored   = "ignored"
	OutcomeUnknown   = "unknown"
	OutcomeMalformed = "malformed"
	OutcomeRejected  = "rejected"
)

// Submitter 后台执行副作用
type Submitter interface {
	Submit(name string, task pool.Task) error
}

// Config 监听器配置
type Config struct {
	Stream       string
	BatchSize    int64
	BlockTimeout time.Duration
	ReadBackoff  time.Duration
	// EffectTimeout 单个副作用的超时
	EffectTimeout time.Duration
}

// Listener 全局事件监听器
type Listener struct {
	config   Config
	log      *eventlog.Client
	handlers Handlers
	workers  Submitter
	metrics  *metrics.Collector
	logger   *zap.Logger

	lastID string
}

// Option 监听器选项
type Option func(*Listener)

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Listener) { l.metrics = c }
}

// New 创建全局事件监听器
func New(cfg Config, log *eventlog.Client, handlers Handlers, workers Submitter, logger *zap.Logger, opts ...Option) *Listener {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = 2 * time.Second
	}
	if cfg.EffectTimeout <= 0 {
		cfg.EffectTimeout = 2 * time.Minute
	}

	l := &Listener{
		config:   cfg,
		log:      log,
		handlers: handlers,
		workers:  workers,
		logger: logger.With(
			zap.String("component", "listener"),
			zap.String("stream", cfg.Stream)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// 🔄 读循环
// =============================================================================

// Run 从当前尾部开始读取全局流，直到 ctx 取消。
// 已处理过条目的监听器再次运行时从上次的位置继续。
func (l *Listener) Run(ctx context.Context) error {
	if l.lastID == "" {
		if err := l.resolveTail(ctx); err != nil {
			return nil
		}
	}

	l.logger.Info("global event listener started", zap.String("from_id", l.lastID))
	for ctx.Err() == nil {
		entries, err := l.log.ReadAfter(ctx, l.config.Stream, l.lastID, l.config.BatchSize, l.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.logger.Warn("global stream read failed, backing off",
				zap.Error(err), zap.Duration("backoff", l.config.ReadBackoff))
			if l.metrics != nil {
				l.metrics.RecordStreamReadError(l.config.Stream)
			}
			if !sleep(ctx, l.config.ReadBackoff) {
				break
			}
			continue
		}

		for _, entry := range entries {
			l.lastID = entry.ID
			l.HandleEntry(ctx, entry)
		}
	}

	l.logger.Info("global event listener stopped")
	return nil
}

// LastID 返回最后处理的条目 ID
func (l *Listener) LastID() string {
	return l.lastID
}

// resolveTail 解析启动时的流尾部，失败时按固定退避重试。只有 ctx 取消时返回错误。
func (l *Listener) resolveTail(ctx context.Context) error {
	for {
		id, err := l.log.TailID(ctx, l.config.Stream)
		if err == nil {
			l.lastID = id
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("resolve global stream tail failed, backing off", zap.Error(err))
		if l.metrics != nil {
			l.metrics.RecordStreamReadError(l.config.Stream)
		}
		if !sleep(ctx, l.config.ReadBackoff) {
			return ctx.Err()
		}
	}
}

// =============================================================================
// 📨 事件分派
// =============================================================================

// HandleEntry 解析一条全局流条目并分派，返回处理结果
func (l *Listener) HandleEntry(ctx context.Context, entry eventlog.Entry) string {
	raw, ok := dataBytes(entry.Values[DataField])
	if !ok {
		l.logger.Warn("skipping global entry without data field", zap.String("entry_id", entry.ID))
		l.record("", OutcomeMalformed)
		return OutcomeMalformed
	}

	ev, err := events.DecodeGlobal(raw)
	if err != nil {
		l.logger.Warn("skipping unparseable global entry",
			zap.String("entry_id", entry.ID), zap.Error(err))
		l.record("", OutcomeMalformed)
		return OutcomeMalformed
	}

	return l.Dispatch(ctx, ev)
}

// Dispatch 按事件类型触发副作用。控制事件交给后台协程池，信息类事件忽略，未知类型告警。
func (l *Listener) Dispatch(ctx context.Context, ev events.GlobalEvent) (outcome string) {
	kind := ev.Kind()
	_, span := telemetry.StartSpan(ctx, "listener", "dispatch", attribute.String("event_type", kind))
	defer func() {
		// 未知类型不作为标签值，避免指标基数失控
		label := kind
		if outcome == OutcomeUnknown {
			label = "unknown"
		}
		l.record(label, outcome)
		span.SetAttributes(attribute.String("outcome", outcome))
		telemetry.EndSpan(span, nil)
	}()

	log := l.logger.With(zap.String("event_type", kind))

	switch e := ev.(type) {
	case events.PulseTriggered:
		return l.submit(log, "pulse:"+e.AgentID, func(ctx context.Context) error {
			return l.handlers.pulse(ctx, e)
		})

	case events.TaskWorkspaceRequested:
		return l.submit(log, "workspace:create:"+e.TaskID, func(ctx context.Context) error {
			return l.handlers.createWorkspace(ctx, e)
		})

	case events.TaskWorkspaceRemoveRequested:
		return l.submit(log, "workspace:remove:"+e.TaskID, func(ctx context.Context) error {
			return l.handlers.removeWorkspace(ctx, e)
		})

	case events.McpRestartRequested:
		return l.submit(log, "mcp:reload", func(ctx context.Context) error {
			return l.handlers.reloadConfig()
		})

	case events.KnowledgeLinksUpdated:
		// Schedule 只登记定时器，不阻塞读循环
		if err := l.handlers.scheduleReindex(e); err != nil {
			log.Warn("graph reindex not scheduled", zap.String("agent_id", e.AgentID), zap.Error(err))
			return OutcomeRejected
		}
		return OutcomeHandled

	case events.Informational:
		return OutcomeIgnored

	case events.Unknown:
		log.Warn("unknown global event type", zap.ByteString("raw", e.Raw))
		return OutcomeUnknown

	default:
		log.Warn("unhandled global event variant", zap.String("go_type", fmt.Sprintf("%T", ev)))
		return OutcomeUnknown
	}
}

// submit 把副作用交给后台协程池。副作用是尽力而为的：失败只记录日志。
func (l *Listener) submit(log *zap.Logger, name string, effect func(ctx context.Context) error) string {
	task := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, l.config.EffectTimeout)
		defer cancel()

		ctx, span := telemetry.StartSpan(ctx, "listener", "effect", attribute.String("task", name))
		err := effect(ctx)
		telemetry.EndSpan(span, err)
		if err != nil {
			log.Warn("best-effort global side effect failed", zap.String("task", name), zap.Error(err))
		}
		return err
	}

	if err := l.workers.Submit(name, task); err != nil {
		log.Error("global side effect dropped", zap.String("task", name), zap.Error(err))
		return OutcomeRejected
	}
	return OutcomeHandled
}

func (l *Listener) record(kind, outcome string) {
	if l.metrics == nil {
		return
	}
	if kind == "" {
		kind = "invalid"
	}
	l.metrics.RecordGlobalEvent(kind, outcome)
}

func dataBytes(v any) ([]byte, bool) {
	switch d := v.(type) {
	case string:
		return []byte(d), d != ""
	case []byte:
		return d, len(d) > 0
	default:
		return nil, false
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
