package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/runrelay/internal/bridge"
	"github.com/BaSui01/runrelay/internal/metrics"
	"github.com/BaSui01/runrelay/internal/store"
	"go.uber.org/zap"
)

// Executor Pipeline Executor 的运行控制接口
type Executor interface {
	Execute(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
}

// RunSubscriber 订阅运行事件并投递到外部界面
type RunSubscriber interface {
	SubscribeToRun(ctx context.Context, rt bridge.RunThread) error
}

// 启动方式
const (
	ModeExecute = "execute"
	ModeResume  = "resume"
	ModeSkip    = "skip"
)

// Launcher 启动或恢复一个运行：先订阅运行频道，再交给执行器。
// 订阅先于执行，保证执行器发布的第一个事件也能被投递。
type Launcher struct {
	router   RunSubscriber
	executor Executor
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewLauncher 创建启动器；metrics 可为 nil
func NewLauncher(router RunSubscriber, executor Executor, collector *metrics.Collector, logger *zap.Logger) *Launcher {
	return &Launcher{
		router:   router,
		executor: executor,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "launcher")),
	}
}

// Mode 返回运行对应的启动方式：pending 执行，running 恢复，其它状态跳过
func Mode(run *store.Run) string {
	switch run.Status {
	case store.RunPending:
		return ModeExecute
	case store.RunRunning:
		return ModeResume
	default:
		return ModeSkip
	}
}

// Launch 按运行状态执行或恢复。已结束的运行直接跳过，重复投递的信号因此是幂等的。
func (l *Launcher) Launch(ctx context.Context, run *store.Run) error {
	log := l.logger.With(zap.String("run_id", run.ID), zap.String("status", string(run.Status)))

	mode := Mode(run)
	if mode == ModeSkip {
		log.Info("run already finished, skipping")
		return nil
	}

	// 订阅失败不阻止执行：运行仍会推进，只是这次不投递到外部界面
	if err := l.router.SubscribeToRun(ctx, bridge.ThreadFromRun(run)); err != nil {
		log.Warn("subscribe to run failed, executing without delivery", zap.Error(err))
	}

	start := time.Now()
	var err error
	if mode == ModeExecute {
		err = l.executor.Execute(ctx, run.ID)
	} else {
		err = l.executor.Resume(ctx, run.ID)
	}
	if l.metrics != nil {
		l.metrics.RecordDispatch(mode, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("%s run %s: %w", mode, run.ID, err)
	}

	log.Info("run dispatched", zap.String("mode", mode), zap.Duration("duration", time.Since(start)))
	return nil
}
