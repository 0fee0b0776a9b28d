// =============================================================================
// RunRelay 主入口
// =============================================================================
// 运行事件编排与投递服务：消费工作流、监听全局控制事件、
// 把流水线事件投递到 Slack 线程，并在启动时恢复上次崩溃遗留的状态。
//
// 使用方法:
//
//	runrelay serve                       # 启动服务
//	runrelay serve --config config.yaml  # 指定配置文件
//	runrelay migrate --config config.yaml
//	runrelay recover --config config.yaml  # 清理遗留会话与沙箱容器
//	runrelay version                     # 显示版本信息
//	runrelay health                      # 健康检查
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/runrelay/config"
	"github.com/BaSui01/runrelay/internal/database"
	"github.com/BaSui01/runrelay/internal/recovery"
	"github.com/BaSui01/runrelay/internal/sandbox"
	"github.com/BaSui01/runrelay/internal/store"
	"github.com/BaSui01/runrelay/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "recover":
		runRecover(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting RunRelay",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(cfg, *configPath, logger, level, otelProviders)
	if err := srv.Init(ctx); err != nil {
		srv.Shutdown()
		logger.Fatal("Failed to initialize server", zap.Error(err))
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("RunRelay exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	logger.Info("RunRelay stopped")
}

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	logger, _ := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := store.New(db.DB(), logger).AutoMigrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Schema is up to date (%s)\n", cfg.Database.Driver)
}

// =============================================================================
// 🩹 recover 命令
// =============================================================================

// runRecover 离线执行会话与沙箱两个恢复阶段。运行阶段需要常驻的线程路由，
// 只在 serve 启动时执行。
func runRecover(args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	logger, _ := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runs := store.New(db.DB(), logger, store.WithTransactor(db, store.DefaultWriteRetries))
	report := recovery.NewManager(recovery.Config{
		SandboxPrefix: cfg.Recovery.SandboxPrefix,
		RestartReason: cfg.Recovery.RestartReason,
	}, recovery.Deps{
		Sessions: runs,
		Runtime:  sandbox.NewDockerRuntime(logger),
	}, nil, logger).Recover(ctx)

	for _, phase := range []recovery.PhaseReport{report.Sessions, report.Sandboxes} {
		fmt.Printf("%-10s found=%d recovered=%d ignored=%d failed=%d\n",
			phase.Phase, phase.Found, phase.Recovered, phase.Ignored, phase.Failed)
	}
	if report.Failed() {
		os.Exit(1)
	}
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check readiness instead of liveness")
	_ = fs.Parse(args)

	path := "/health"
	if *ready {
		path = "/ready"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("RunRelay %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`RunRelay - run event orchestration and delivery

Usage:
  runrelay <command> [options]

Commands:
  serve     Start consumers, listeners and the HTTP API
  migrate   Create or update the run/session schema
  recover   Mark orphaned sessions failed and kill orphaned sandboxes
            (only while no serve process is running)
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve', 'migrate' and 'recover':
  --config <path>   Path to configuration file (YAML)

Options for 'health':
  --addr <url>      Server address (default http://localhost:8080)
  --ready           Query /ready instead of /health

Examples:
  runrelay serve --config /etc/runrelay/config.yaml
  runrelay migrate --config /etc/runrelay/config.yaml
  runrelay health --addr http://localhost:8080 --ready
  runrelay version`)
}

// =============================================================================
// 🔧 配置与日志
// =============================================================================

func mustLoadConfig(path string) *config.Config {
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// initLogger 按配置构建 logger。返回的 AtomicLevel 供热重载调整日志级别。
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger, level
}

func parseLevel(s string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// isShutdownErr 区分正常关闭与真正的失败
func isShutdownErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed)
}
