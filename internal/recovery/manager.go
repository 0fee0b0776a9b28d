// Package recovery 在进程启动、任何读循环开始之前修复上一次进程留下的状态：
// 恢复未结束的运行，把重启前遗留的会话标记为失败，清理无人跟踪的沙箱容器。
package recovery

import (
	"context"
	"fmt"

	"github.com/BaSui01/runrelay/internal/metrics"
	"github.com/BaSui01/runrelay/internal/sandbox"
	"github.com/BaSui01/runrelay/internal/store"
	"github.com/BaSui01/runrelay/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 恢复阶段
const (
	PhaseRuns      = "runs"
	PhaseSessions  = "sessions"
	PhaseSandboxes = "sandboxes"
)

// 默认配置
const (
	DefaultSandboxPrefix = "runrelay-sandbox-"
	DefaultRestartReason = "engine restarted, please retry"
)

// RunStore 列出运行
type RunStore interface {
	ListRunsByStatus(ctx context.Context, statuses ...store.RunStatus) ([]store.Run, error)
}

// RunLauncher 执行或恢复运行
type RunLauncher interface {
	Launch(ctx context.Context, run *store.Run) error
}

// SessionStore 读取和标记会话
type SessionStore interface {
	ListSessionsByStatus(ctx context.Context, statuses ...store.SessionStatus) ([]store.Session, error)
	MarkSessionFailed(ctx context.Context, id, reason string) error
}

// ActiveSessions 内存中仍然活跃的会话
type ActiveSessions interface {
	IsActive(id string) bool
}

// SandboxTracker 本进程跟踪的容器
type SandboxTracker interface {
	IsTracked(name string) bool
}

// Config 恢复配置
type Config struct {
	SandboxPrefix string
	RestartReason string
}

// Deps 各阶段依赖。某阶段的依赖缺失时该阶段被跳过。
type Deps struct {
	Runs     RunStore
	Launcher RunLauncher

	Sessions SessionStore
	Active   ActiveSessions

	Runtime sandbox.Runtime
	// Tracker 可选。RunRelay 自身不启动沙箱，为 nil 时前缀匹配的容器全部视为遗留。
	Tracker SandboxTracker
}

// PhaseReport 单个阶段的结果
type PhaseReport struct {
	Phase     string `json:"phase"`
	Skipped   bool   `json:"skipped,omitempty"`
	Found     int    `json:"found"`
	Recovered int    `json:"recovered"`
	Ignored   int    `json:"ignored"`
	Failed    int    `json:"failed"`
	// Err 阶段整体失败（例如无法列出记录）
	Err error `json:"-"`
}

// Report 一次恢复的结果
type Report struct {
	Runs      PhaseReport `json:"runs"`
	Sessions  PhaseReport `json:"sessions"`
	Sandboxes PhaseReport `json:"sandboxes"`
}

// Failed 是否有阶段整体失败或存在单项失败
func (r Report) Failed() bool {
	for _, p := range []PhaseReport{r.Runs, r.Sessions, r.Sandboxes} {
		if p.Err != nil || p.Failed > 0 {
			return true
		}
	}
	return false
}

// Manager 启动恢复管理器
type Manager struct {
	config  Config
	deps    Deps
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewManager 创建恢复管理器；collector 可为 nil
func NewManager(cfg Config, deps Deps, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if cfg.SandboxPrefix == "" {
		cfg.SandboxPrefix = DefaultSandboxPrefix
	}
	if cfg.RestartReason == "" {
		cfg.RestartReason = DefaultRestartReason
	}
	return &Manager{
		config:  cfg,
		deps:    deps,
		metrics: collector,
		logger:  logger.With(zap.String("component", "recovery")),
	}
}

// Recover 并发执行三个相互独立的阶段。任一阶段失败不影响其它阶段，结果汇总在 Report 中。
func (m *Manager) Recover(ctx context.Context) Report {
	ctx, span := telemetry.StartSpan(ctx, "recovery", "recover")

	var report Report
	var g errgroup.Group
	g.Go(func() error {
		report.Runs = m.guard(PhaseRuns, func() PhaseReport { return m.RecoverRuns(ctx) })
		return nil
	})
	g.Go(func() error {
		report.Sessions = m.guard(PhaseSessions, func() PhaseReport { return m.RecoverSessions(ctx) })
		return nil
	})
	g.Go(func() error {
		report.Sandboxes = m.guard(PhaseSandboxes, func() PhaseReport { return m.ReapSandboxes(ctx) })
		return nil
	})
	_ = g.Wait()

	m.logger.Info("startup recovery finished",
		zap.Int("runs_recovered", report.Runs.Recovered),
		zap.Int("runs_failed", report.Runs.Failed),
		zap.Int("sessions_failed_over", report.Sessions.Recovered),
		zap.Int("sandboxes_killed", report.Sandboxes.Recovered))

	var err error
	if report.Failed() {
		err = fmt.Errorf("recovery finished with failures")
	}
	telemetry.EndSpan(span, err)
	return report
}

// =============================================================================
// 🏃 运行
// =============================================================================

// RecoverRuns 恢复所有 pending / running 的运行。单个运行失败只记录日志。
func (m *Manager) RecoverRuns(ctx context.Context) (rep PhaseReport) {
	rep.Phase = PhaseRuns
	if m.deps.Runs == nil || m.deps.Launcher == nil {
		rep.Skipped = true
		return rep
	}
	ctx, span := telemetry.StartSpan(ctx, "recovery", PhaseRuns)
	defer func() { m.endPhase(span, rep) }()

	runs, err := m.deps.Runs.ListRunsByStatus(ctx, store.RunRunning, store.RunPending)
	if err != nil {
		rep.Err = fmt.Errorf("list active runs: %w", err)
		m.logger.Error("run recovery skipped", zap.Error(err))
		m.record(PhaseRuns, "error")
		return rep
	}
	rep.Found = len(runs)

	for i := range runs {
		run := &runs[i]
		if err := m.deps.Launcher.Launch(ctx, run); err != nil {
			rep.Failed++
			m.logger.Warn("resume run failed, continuing",
				zap.String("run_id", run.ID), zap.String("status", string(run.Status)), zap.Error(err))
			m.record(PhaseRuns, "failed")
			continue
		}
		rep.Recovered++
		m.record(PhaseRuns, "resumed")
	}
	return rep
}

// =============================================================================
// 💬 会话
// =============================================================================

// RecoverSessions 把仍为 starting / running 但内存中已不存在的会话标记为失败
func (m *Manager) RecoverSessions(ctx context.Context) (rep PhaseReport) {
	rep.Phase = PhaseSessions
	if m.deps.Sessions == nil {
		rep.Skipped = true
		return rep
	}
	ctx, span := telemetry.StartSpan(ctx, "recovery", PhaseSessions)
	defer func() { m.endPhase(span, rep) }()

	sessions, err := m.deps.Sessions.ListSessionsByStatus(ctx, store.SessionStarting, store.SessionRunning)
	if err != nil {
		rep.Err = fmt.Errorf("list open sessions: %w", err)
		m.logger.Error("session recovery skipped", zap.Error(err))
		m.record(PhaseSessions, "error")
		return rep
	}
	rep.Found = len(sessions)

	for _, s := range sessions {
		// 进程内重载后仍存活的会话保持原状
		if m.deps.Active != nil && m.deps.Active.IsActive(s.ID) {
			rep.Ignored++
			m.record(PhaseSessions, "active")
			continue
		}
		if err := m.deps.Sessions.MarkSessionFailed(ctx, s.ID, m.config.RestartReason); err != nil {
			rep.Failed++
			m.logger.Warn("mark orphaned session failed", zap.String("session_id", s.ID), zap.Error(err))
			m.record(PhaseSessions, "failed")
			continue
		}
		rep.Recovered++
		m.record(PhaseSessions, "marked_failed")
	}
	return rep
}

// =============================================================================
// 🐳 沙箱
// =============================================================================

// ReapSandboxes 强制终止匹配前缀但不被本进程跟踪的容器
func (m *Manager) ReapSandboxes(ctx context.Context) (rep PhaseReport) {
	rep.Phase = PhaseSandboxes
	if m.deps.Runtime == nil {
		rep.Skipped = true
		return rep
	}
	ctx, span := telemetry.StartSpan(ctx, "recovery", PhaseSandboxes,
		attribute.String("prefix", m.config.SandboxPrefix))
	defer func() { m.endPhase(span, rep) }()

	containers, err := m.deps.Runtime.ListByPrefix(ctx, m.config.SandboxPrefix)
	if err != nil {
		rep.Err = fmt.Errorf("list sandboxes: %w", err)
		m.logger.Error("sandbox reaping skipped", zap.Error(err))
		m.record(PhaseSandboxes, "error")
		return rep
	}
	rep.Found = len(containers)

	for _, c := range containers {
		if m.deps.Tracker != nil && m.deps.Tracker.IsTracked(c.Name) {
			rep.Ignored++
			m.record(PhaseSandboxes, "tracked")
			continue
		}
		if err := m.deps.Runtime.Kill(ctx, c.ID); err != nil {
			rep.Failed++
			m.logger.Warn("kill orphaned sandbox failed",
				zap.String("container_id", c.ID), zap.String("name", c.Name), zap.Error(err))
			m.record(PhaseSandboxes, "failed")
			continue
		}
		rep.Recovered++
		m.logger.Info("orphaned sandbox killed", zap.String("container_id", c.ID), zap.String("name", c.Name))
		m.record(PhaseSandboxes, "killed")
	}
	return rep
}

// guard 把阶段内的 panic 转为阶段错误
func (m *Manager) guard(phase string, fn func() PhaseReport) (rep PhaseReport) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("recovery phase panicked",
				zap.String("phase", phase), zap.Any("panic", r), zap.Stack("stack"))
			rep.Phase = phase
			rep.Err = fmt.Errorf("%s phase panic: %v", phase, r)
			m.record(phase, "error")
		}
	}()
	return fn()
}

func (m *Manager) record(phase, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordRecoveryAction(phase, outcome)
	}
}

func (m *Manager) endPhase(span trace.Span, rep PhaseReport) {
	span.SetAttributes(
		attribute.Int("found", rep.Found),
		attribute.Int("recovered", rep.Recovered),
		attribute.Int("failed", rep.Failed))
	telemetry.EndSpan(span, rep.Err)
}
