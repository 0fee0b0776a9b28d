package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/runrelay/config"
	"github.com/BaSui01/runrelay/internal/agentapi"
	"github.com/BaSui01/runrelay/internal/bridge"
	"github.com/BaSui01/runrelay/internal/cache"
	"github.com/BaSui01/runrelay/internal/database"
	"github.com/BaSui01/runrelay/internal/dispatch"
	"github.com/BaSui01/runrelay/internal/eventlog"
	"github.com/BaSui01/runrelay/internal/graphindex"
	"github.com/BaSui01/runrelay/internal/listener"
	"github.com/BaSui01/runrelay/internal/metrics"
	"github.com/BaSui01/runrelay/internal/pool"
	"github.com/BaSui01/runrelay/internal/recovery"
	"github.com/BaSui01/runrelay/internal/sandbox"
	"github.com/BaSui01/runrelay/internal/server"
	"github.com/BaSui01/runrelay/internal/sessions"
	"github.com/BaSui01/runrelay/internal/store"
	"github.com/BaSui01/runrelay/internal/surface"
	"github.com/BaSui01/runrelay/internal/telemetry"
	"github.com/BaSui01/runrelay/internal/workspace"
)

// dbStatsInterval 连接池指标的上报间隔
const dbStatsInterval = 15 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有进程内所有组件，负责装配、运行与按序关闭
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel
	otel       *telemetry.Providers

	registry *prometheus.Registry
	metrics  *metrics.Collector

	cache  *cache.Manager
	events *eventlog.Client
	db     *database.PoolManager
	store  *store.Store

	slack    *surface.Slack
	sessions *sessions.Pool
	router   *bridge.Router
	agents   *agentapi.Client
	launcher *dispatch.Launcher

	consumer  *dispatch.Consumer
	listener  *listener.Listener
	workers   *pool.Workers
	indexer   *graphindex.Indexer
	recovery  *recovery.Manager

	hotReload *config.HotReloadManager

	httpManager    *server.Manager
	metricsManager *server.Manager

	rateLimiterCancel context.CancelFunc
}

// NewServer 创建服务器；组件在 Init 中创建
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
		otel:       otel,
	}
}

// =============================================================================
// 🚀 装配
// =============================================================================

// Init 按依赖顺序创建所有组件。Redis 或数据库不可达时返回错误。
func (s *Server) Init(ctx context.Context) error {
	// 1. 指标
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewCollectorWithRegistry("runrelay", s.registry, s.logger)

	// 2. Redis 与数据库
	if err := s.initStorage(ctx); err != nil {
		return err
	}

	// 3. 热更新管理器（MCP_RESTART_REQUESTED 的重载入口）
	opts := []config.HotReloadOption{config.WithHotReloadLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}
	s.hotReload = config.NewHotReloadManager(s.cfg, opts...)

	// 4. 投递、消费与恢复
	s.initDelivery(ctx)
	s.initConsumers()
	s.initRecovery()

	// 5. 启动热更新
	s.registerReloadCallbacks()
	if err := s.hotReload.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 6. HTTP
	s.initHTTP()

	s.logger.Info("Components initialized",
		zap.String("work_stream", s.cfg.Streams.WorkStreamKey()),
		zap.String("global_stream", s.cfg.Streams.GlobalStreamKey()),
		zap.String("consumer", s.cfg.Streams.ConsumerName),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)
	return nil
}

func (s *Server) initStorage(ctx context.Context) error {
	redisCfg := cache.DefaultConfig()
	redisCfg.Addr = s.cfg.Redis.Addr
	redisCfg.Password = s.cfg.Redis.Password
	redisCfg.DB = s.cfg.Redis.DB
	redisCfg.PoolSize = s.cfg.Redis.PoolSize
	redisCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
	redisCfg.TLSEnabled = s.cfg.Redis.TLSEnabled

	var err error
	s.cache, err = cache.NewManager(redisCfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init redis: %w", err)
	}
	s.events = eventlog.New(s.cache.Client(), s.logger)

	s.db, err = database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	s.store = store.New(s.db.DB(), s.logger, store.WithTransactor(s.db, store.DefaultWriteRetries))
	if err := s.store.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Server) initDelivery(ctx context.Context) {
	if s.cfg.Slack.BotToken == "" {
		s.logger.Warn("slack bot token not configured, thread delivery will fail")
	}
	s.slack = surface.NewSlack(slack.New(s.cfg.Slack.BotToken), surface.SlackConfig{
		ChannelID:      s.cfg.Slack.ChannelID,
		Streaming:      s.cfg.Slack.Streaming,
		UpdateInterval: s.cfg.Slack.UpdateInterval,
		Feedback:       s.cfg.Slack.Feedback,
	}, s.logger)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.slack.Ping(pingCtx); err != nil {
		s.logger.Warn("slack auth check failed", zap.Error(err))
	}

	s.sessions = sessions.NewPool()
	s.router = bridge.New(bridge.Config{
		KeyPrefix:     s.cfg.Streams.KeyPrefix,
		ChannelID:     s.cfg.Slack.ChannelID,
		FlushDelay:    s.cfg.Bridge.FlushDelay,
		ThreadTimeout: s.cfg.Bridge.ThreadTimeout,
	}, s.events, s.slack, s.store, s.sessions, s.logger,
		bridge.WithMetrics(s.metrics),
		bridge.WithSessionStore(s.store),
	)

	s.agents = agentapi.New(agentapi.Config{
		ExecutorURL: s.cfg.Agents.ExecutorURL,
		RuntimeURL:  s.cfg.Agents.RuntimeURL,
		Timeout:     s.cfg.Agents.Timeout,
	}, s.logger)
	s.launcher = dispatch.NewLauncher(s.router, s.agents, s.metrics, s.logger)
}

func (s *Server) initConsumers() {
	streams := s.cfg.Streams

	s.consumer = dispatch.NewConsumer(dispatch.Config{
		Stream:       streams.WorkStreamKey(),
		Group:        streams.ConsumerGroup,
		Consumer:     streams.ConsumerName,
		BatchSize:    streams.BatchSize,
		BlockTimeout: streams.BlockTimeout,
		ReadBackoff:  streams.ReadBackoff,
		ClaimMinIdle: streams.ClaimMinIdle,
	}, s.events, s.store, s.launcher, s.logger, dispatch.WithMetrics(s.metrics))

	s.workers = pool.New(pool.DefaultConfig(), s.logger)
	s.indexer = graphindex.New(graphindex.Config{
		Command:  s.cfg.GraphIndex.Command,
		Args:     s.cfg.GraphIndex.Args,
		Debounce: s.cfg.GraphIndex.Debounce,
	}, s.logger, graphindex.WithMetrics(s.metrics))

	s.listener = listener.New(listener.Config{
		Stream:       streams.GlobalStreamKey(),
		BatchSize:    streams.BatchSize,
		BlockTimeout: streams.BlockTimeout,
		ReadBackoff:  streams.ReadBackoff,
	}, s.events, listener.Handlers{
		Pulse:   s.agents,
		Results: s.resultSlots(),
		Workspaces: workspace.NewManager(workspace.Config{
			ProjectsRoot:  s.cfg.Workspace.ProjectsRoot,
			WorktreesRoot: s.cfg.Workspace.WorktreesRoot,
			GitBinary:     s.cfg.Workspace.GitBinary,
		}, nil, s.logger),
		Reloader: s.hotReload,
		Graph:    s.indexer,
		Logger:   s.logger,
	}, s.workers, s.logger, listener.WithMetrics(s.metrics))
}

func (s *Server) initRecovery() {
	s.recovery = recovery.NewManager(recovery.Config{
		SandboxPrefix: s.cfg.Recovery.SandboxPrefix,
		RestartReason: s.cfg.Recovery.RestartReason,
	}, recovery.Deps{
		Runs:     s.store,
		Launcher: s.launcher,
		Sessions: s.store,
		Active:   s.sessions,
		Runtime:  sandbox.NewDockerRuntime(s.logger),
	}, s.metrics, s.logger)
}

func (s *Server) resultSlots() *cache.ResultSlots {
	return cache.NewResultSlots(s.cache, s.cfg.Streams.KeyPrefix,
		s.cfg.Results.PulseTTL, s.cfg.Results.WorkspaceTTL)
}

// registerReloadCallbacks 把可热重载字段应用到运行中的组件
func (s *Server) registerReloadCallbacks() {
	s.hotReload.OnChange(func(change config.ConfigChange) {
		if change.RequiresRestart {
			s.logger.Warn("configuration change requires restart",
				zap.String("path", change.Path),
				zap.String("source", change.Source))
		}
	})

	s.hotReload.OnReload(func(_, newConfig *config.Config) error {
		s.level.SetLevel(parseLevel(newConfig.Log.Level))
		s.router.SetFlushDelay(newConfig.Bridge.FlushDelay)
		s.slack.SetUpdateInterval(newConfig.Slack.UpdateInterval)
		s.slack.SetFeedback(newConfig.Slack.Feedback)
		s.indexer.SetDebounce(newConfig.GraphIndex.Debounce)

		s.logger.Info("Configuration reloaded",
			zap.String("log_level", newConfig.Log.Level),
			zap.Int("mcp_servers", len(newConfig.MCP.Servers)))
		return nil
	})
}

// =============================================================================
// 🌐 HTTP
// =============================================================================

func (s *Server) initHTTP() {
	health := server.NewHealthHandler(Version, s.logger)
	health.RegisterCheck(server.CheckFunc{CheckName: "database", Fn: s.db.Ping})
	health.RegisterCheck(server.CheckFunc{CheckName: "redis", Fn: s.cache.Ping})

	results := server.NewResultHandler(s.resultSlots(), s.logger)

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		middlewares = append(middlewares, APIKeyAuth(s.cfg.Server.APIKeys, publicPaths, s.logger))
	}
	middlewares = append(middlewares, MetricsMiddleware(s.metrics))

	mux := server.NewAPIMux(health, results)
	server.NewConfigHandler(s.hotReload, s.logger).Register(mux)

	s.httpManager = server.NewManager("api", Chain(mux, middlewares...), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if s.cfg.Server.MetricsPort > 0 {
		s.metricsManager = server.NewManager("metrics", server.NewMetricsMux(s.registry), server.Config{
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.WriteTimeout,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
	}
}

// =============================================================================
// 🔄 运行
// =============================================================================

// Run 先执行启动恢复，再运行所有循环直到 ctx 取消或某个循环失败，最后按序关闭
func (s *Server) Run(ctx context.Context) error {
	defer s.Shutdown()

	if s.cfg.Recovery.Enabled {
		report := s.recovery.Recover(ctx)
		if report.Failed() {
			s.logger.Warn("startup recovery finished with failures")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.consumer.Run(gctx) })
	g.Go(func() error { return s.listener.Run(gctx) })
	g.Go(func() error { return s.router.RunSessionFeed(gctx) })
	g.Go(func() error { return s.httpManager.Run(gctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}
	g.Go(func() error {
		s.reportDBStats(gctx)
		return nil
	})

	s.logger.Info("All loops started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort))

	if err := g.Wait(); err != nil && !isShutdownErr(err) {
		return err
	}
	return nil
}

func (s *Server) reportDBStats(ctx context.Context) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.db.Stats()
			s.metrics.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
		}
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 按依赖逆序关闭组件。可重复调用，未初始化的组件会被跳过。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 停止热更新
	if s.hotReload != nil {
		if err := s.hotReload.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. HTTP 端口（Run 已关闭时为空操作）
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 停止投递与防抖任务，等待副作用完成
	if s.router != nil {
		s.router.Stop()
	}
	if s.indexer != nil {
		s.indexer.Stop()
	}
	if s.workers != nil {
		s.workers.Close(ctx)
	}

	// 4. 存储连接
	if s.events != nil {
		s.events.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Redis shutdown error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}

	// 5. 刷出遥测数据
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}
