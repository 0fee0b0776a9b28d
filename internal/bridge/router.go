package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/runrelay/internal/debounce"
	"github.com/BaSui01/runrelay/internal/eventlog"
	"github.com/BaSui01/runrelay/internal/metrics"
	"github.com/BaSui01/runrelay/internal/sessions"
	"github.com/BaSui01/runrelay/internal/store"
	"github.com/BaSui01/runrelay/internal/surface"
	"go.uber.org/zap"
)

// ErrRouterStopped 路由已停止
var ErrRouterStopped = errors.New("router stopped")

// =============================================================================
// 🧵 配置与依赖
// =============================================================================

// Config 路由配置
type Config struct {
	// KeyPrefix 运行事件频道前缀 {prefix}:run:{runId}:events
	KeyPrefix string
	// ChannelID 新线程的默认频道
	ChannelID string
	// FlushDelay 缓冲输出的空闲刷新延迟
	FlushDelay time.Duration
	// ThreadTimeout 创建线程的超时
	ThreadTimeout time.Duration
	// OperationTimeout 单次外部界面调用的超时
	OperationTimeout time.Duration
}

// DefaultConfig 默认路由配置
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "runrelay",
		FlushDelay:       2 * time.Second,
		ThreadTimeout:    30 * time.Second,
		OperationTimeout: 15 * time.Second,
	}
}

// ThreadStore 持久化新建线程的位置，以便恢复时复用
type ThreadStore interface {
	UpdateRunThread(ctx context.Context, runID, channelID, threadTS string) error
}

// SessionStore 持久化会话状态
type SessionStore interface {
	SaveSession(ctx context.Context, session *store.Session) error
	UpdateSessionStatus(ctx context.Context, id string, status store.SessionStatus) error
	MarkSessionFailed(ctx context.Context, id, reason string) error
}

// RunThread 一个运行在外部界面上的线程信息。ThreadTS 非空表示复用已有线程。
type RunThread struct {
	RunID           string
	PipelineID      string
	ChannelID       string
	ThreadTS        string
	TaskDescription string
	AssignedAgents  []string
}

// ThreadFromRun 从存储记录构造线程信息
func ThreadFromRun(run *store.Run) RunThread {
	return RunThread{
		RunID:           run.ID,
		PipelineID:      run.PipelineID,
		ChannelID:       run.ChannelID,
		ThreadTS:        run.ThreadTS,
		TaskDescription: run.TaskDescription,
		AssignedAgents:  run.AssignedAgents,
	}
}

// Option 路由选项
type Option func(*Router)

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

// WithSessionStore 设置会话持久化
func WithSessionStore(s SessionStore) Option {
	return func(r *Router) { r.sessionStore = s }
}

// =============================================================================
// 🎯 Router
// =============================================================================

// Router 把每个运行的流水线事件投递到外部界面线程。
// 每个运行由独立的 actor 协程处理，运行之间互不阻塞。
type Router struct {
	config       Config
	events       *eventlog.Client
	surface      surface.Surface
	threads      ThreadStore
	sessionStore SessionStore
	pool         *sessions.Pool
	metrics      *metrics.Collector
	logger       *zap.Logger

	flushes *debounce.Scheduler[*runActor]

	mu      sync.Mutex
	runs    map[string]*runActor
	stopped bool
	wg      sync.WaitGroup

	sessMu     sync.Mutex
	streamers  map[string]surface.Streamer // sessionID -> 会话流式消息
	mailboxes  map[string]*sessionMailbox
	sessClosed bool
	sessWG     sync.WaitGroup
	done       chan struct{}
}

// New 创建路由
func New(cfg Config, log *eventlog.Client, surf surface.Surface, threads ThreadStore, pool *sessions.Pool, logger *zap.Logger, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = def.FlushDelay
	}
	if cfg.ThreadTimeout <= 0 {
		cfg.ThreadTimeout = def.ThreadTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}

	r := &Router{
		config:    cfg,
		events:    log,
		surface:   surf,
		threads:   threads,
		pool:      pool,
		logger:    logger.With(zap.String("component", "bridge")),
		runs:      make(map[string]*runActor),
		streamers: make(map[string]surface.Streamer),
		mailboxes: make(map[string]*sessionMailbox),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.flushes = debounce.New(cfg.FlushDelay,
		func(key string, a *runActor) { a.requestFlush(key) },
		debounce.WithLogger[*runActor](r.logger),
		debounce.WithFireHook[*runActor](func(string) {
			if r.metrics != nil {
				r.metrics.RecordDebounceExecution("output_buffer")
			}
		}),
	)
	return r
}

// SubscribeToRun 订阅运行的事件频道并异步创建线程。
// 返回时订阅已生效，之后发布的事件不会丢失。重复订阅同一运行是空操作。
func (r *Router) SubscribeToRun(ctx context.Context, rt RunThread) error {
	if rt.RunID == "" {
		return errors.New("subscribe: empty run id")
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrRouterStopped
	}
	if _, ok := r.runs[rt.RunID]; ok {
		r.mu.Unlock()
		r.logger.Debug("run already subscribed", zap.String("run_id", rt.RunID))
		return nil
	}
	a := newRunActor(r, rt)
	r.runs[rt.RunID] = a
	r.mu.Unlock()

	sub, err := r.events.Subscribe(ctx, eventlog.RunChannel(r.config.KeyPrefix, rt.RunID))
	if err != nil {
		r.removeRun(rt.RunID, a)
		return fmt.Errorf("subscribe run %s: %w", rt.RunID, err)
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = sub.Close()
		r.removeRun(rt.RunID, a)
		return ErrRouterStopped
	}
	a.sub = sub
	r.wg.Add(2)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.AddActiveRuns(1)
	}

	go a.loop()
	go a.resolveThread()

	r.logger.Info("subscribed to run",
		zap.String("run_id", rt.RunID),
		zap.Bool("reuse_thread", rt.ThreadTS != ""))
	return nil
}

// IsSubscribed 运行是否仍被路由跟踪
func (r *Router) IsSubscribed(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[runID]
	return ok
}

// ActiveRuns 返回正在跟踪的运行 ID（已排序）
func (r *Router) ActiveRuns() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SetFlushDelay 调整缓冲输出的空闲刷新延迟
func (r *Router) SetFlushDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	r.flushes.SetDelay(d)
	r.logger.Info("flush delay updated", zap.Duration("flush_delay", d))
}

// Stop 停止全部运行：刷新缓冲、结束打开的流式消息、取消订阅。可重复调用。
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.done)
	actors := make([]*runActor, 0, len(r.runs))
	for _, a := range r.runs {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.stopOnce.Do(func() { close(a.stopCh) })
	}
	r.wg.Wait()
	r.flushes.Stop()

	r.sessMu.Lock()
	r.sessClosed = true
	r.sessMu.Unlock()
	r.sessWG.Wait()
	r.closeSessionStreamers()

	r.logger.Info("router stopped", zap.Int("runs", len(actors)))
}

func (r *Router) removeRun(runID string, a *runActor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runs[runID]; ok && cur == a {
		delete(r.runs, runID)
	}
}

func (r *Router) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.config.OperationTimeout)
}

func (r *Router) recordDeliveryError(op string) {
	if r.metrics != nil {
		r.metrics.RecordDeliveryError(op)
	}
}
