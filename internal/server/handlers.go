package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/runrelay/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查
// =============================================================================

// HealthCheck 就绪检查项
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc 以函数实现的检查项
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	version string
	logger  *zap.Logger
	checks  []HealthCheck
	mu      sync.RWMutex
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		version: version,
		logger:  logger,
	}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth 存活探针，只说明进程在运行
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
	})
}

// HandleReady 就绪探针，逐项执行已注册的检查
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false

			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency))
		}
		status.Checks[check.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion 返回构建版本
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]string{"version": h.version})
}

// =============================================================================
// 📮 结果轮询
// =============================================================================

// ResultReader 读取并删除结果槽位
type ResultReader interface {
	TakePulseResult(ctx context.Context, agentID string) (cache.PulseResult, error)
	TakeWorkspaceResult(ctx context.Context, agentID, taskID string) (cache.WorkspaceResult, error)
}

// ResultHandler 同步 HTTP 调用方轮询全局事件副作用结果的接口。
// 结果只能读取一次；尚未产生时返回 404 NOT_READY，调用方应继续轮询。
type ResultHandler struct {
	results ResultReader
	logger  *zap.Logger
}

// NewResultHandler 创建结果处理器
func NewResultHandler(results ResultReader, logger *zap.Logger) *ResultHandler {
	return &ResultHandler{results: results, logger: logger}
}

// HandlePulseResult GET /api/v1/agents/{agentId}/pulse/result
func (h *ResultHandler) HandlePulseResult(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	if agentID == "" {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, "agentId is required", h.logger)
		return
	}

	result, err := h.results.TakePulseResult(r.Context(), agentID)
	if h.handleTakeError(w, r, err) {
		return
	}
	WriteSuccess(w, result)
}

// HandleWorkspaceResult GET /api/v1/workspaces/{agentId}/{taskId}
func (h *ResultHandler) HandleWorkspaceResult(w http.ResponseWriter, r *http.Request) {
	agentID, taskID := r.PathValue("agentId"), r.PathValue("taskId")
	if agentID == "" || taskID == "" {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, "agentId and taskId are required", h.logger)
		return
	}

	result, err := h.results.TakeWorkspaceResult(r.Context(), agentID, taskID)
	if h.handleTakeError(w, r, err) {
		return
	}
	WriteSuccess(w, result)
}

func (h *ResultHandler) handleTakeError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, cache.ErrCacheMiss):
		WriteError(w, r, http.StatusNotFound, CodeNotReady, "result not ready", h.logger)
	case errors.Is(err, cache.ErrClosed):
		WriteError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "result store unavailable", h.logger)
	default:
		h.logger.Error("read result slot failed", zap.Error(err))
		WriteError(w, r, http.StatusInternalServerError, CodeInternal, "failed to read result", h.logger)
	}
	return true
}

// =============================================================================
// 🛣️ 路由
// =============================================================================

// NewAPIMux 注册 API 端口的路由
func NewAPIMux(health *HealthHandler, results *ResultHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion)
	if results != nil {
		mux.HandleFunc("GET /api/v1/agents/{agentId}/pulse/result", results.HandlePulseResult)
		mux.HandleFunc("GET /api/v1/workspaces/{agentId}/{taskId}", results.HandleWorkspaceResult)
	}
	return mux
}

// NewMetricsMux 指标端口的路由
func NewMetricsMux(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	return mux
}
