// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 工作流消费指标
	streamEntriesTotal *prometheus.CounterVec
	streamReadErrors   *prometheus.CounterVec
	streamAcksTotal    *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec

	// 全局事件指标
	globalEventsTotal *prometheus.CounterVec

	// 路由指标
	routerEventsTotal   *prometheus.CounterVec
	deliveryErrorsTotal *prometheus.CounterVec
	fallbacksTotal      *prometheus.CounterVec
	sessionLossTotal    prometheus.Counter
	activeRuns          prometheus.Gauge
	activeStreamers     prometheus.Gauge

	// 恢复指标
	recoveryActionsTotal *prometheus.CounterVec

	// 防抖指标
	debounceExecutions *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry 创建指标收集器，注册到指定 Registry
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}
	factory := promauto.With(reg)

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 工作流消费指标
	c.streamEntriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_entries_total",
			Help:      "Total number of stream entries processed by outcome",
		},
		[]string{"stream", "outcome"},
	)

	c.streamReadErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_read_errors_total",
			Help:      "Total number of failed stream reads",
		},
		[]string{"stream"},
	)

	c.streamAcksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_acks_total",
			Help:      "Total number of acknowledged stream entries",
		},
		[]string{"stream", "status"},
	)

	c.dispatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent launching a run from a work stream entry",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// 全局事件指标
	c.globalEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "global_events_total",
			Help:      "Total number of global events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// 路由指标
	c.routerEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_events_total",
			Help:      "Total number of pipeline events handled by the router",
		},
		[]string{"type"},
	)

	c.deliveryErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Total number of failed surface operations",
		},
		[]string{"operation"},
	)

	c.fallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_fallbacks_total",
			Help:      "Total number of steps delivered through the buffered fallback path",
		},
		[]string{"reason"},
	)

	c.sessionLossTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_responses_lost_total",
			Help:      "Successful session responses whose streamer never opened",
		},
	)

	c.activeRuns = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of runs currently subscribed by the router",
		},
	)

	c.activeStreamers = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streamers",
			Help:      "Number of open streamers",
		},
	)

	// 恢复指标
	c.recoveryActionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Total number of recovery actions by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	// 防抖指标
	c.debounceExecutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_executions_total",
			Help:      "Total number of debounced actions executed",
		},
		[]string{"scheduler"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📥 事件流指标记录
// =============================================================================

// RecordStreamEntry 记录一条流条目的处理结果（dispatched / malformed / failed / ignored ...）
func (c *Collector) RecordStreamEntry(stream, outcome string) {
	c.streamEntriesTotal.WithLabelValues(stream, outcome).Inc()
}

// RecordStreamReadError 记录一次读取失败
func (c *Collector) RecordStreamReadError(stream string) {
	c.streamReadErrors.WithLabelValues(stream).Inc()
}

// RecordAck 记录确认结果
func (c *Collector) RecordAck(stream string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.streamAcksTotal.WithLabelValues(stream, status).Inc()
}

// RecordDispatch 记录一次 execute/resume 耗时
func (c *Collector) RecordDispatch(mode string, duration time.Duration) {
	c.dispatchDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordGlobalEvent 记录全局事件
func (c *Collector) RecordGlobalEvent(eventType, outcome string) {
	c.globalEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// =============================================================================
// 🧵 路由指标记录
// =============================================================================

// RecordRouterEvent 记录路由处理的流水线事件
func (c *Collector) RecordRouterEvent(eventType string) {
	c.routerEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDeliveryError 记录外部界面调用失败
func (c *Collector) RecordDeliveryError(operation string) {
	c.deliveryErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordFallback 记录一次退回缓冲投递
func (c *Collector) RecordFallback(reason string) {
	c.fallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordSessionLoss 记录一次已知的会话输出丢失
func (c *Collector) RecordSessionLoss() {
	c.sessionLossTotal.Inc()
}

// AddActiveRuns 调整活跃运行数
func (c *Collector) AddActiveRuns(delta float64) {
	c.activeRuns.Add(delta)
}

// AddActiveStreamers 调整打开的流式消息数
func (c *Collector) AddActiveStreamers(delta float64) {
	c.activeStreamers.Add(delta)
}

// =============================================================================
// 🩺 恢复与防抖指标记录
// =============================================================================

// RecordRecoveryAction 记录恢复动作
func (c *Collector) RecordRecoveryAction(phase, outcome string) {
	c.recoveryActionsTotal.WithLabelValues(phase, outcome).Inc()
}

// RecordDebounceExecution 记录防抖动作执行
func (c *Collector) RecordDebounceExecution(scheduler string) {
	c.debounceExecutions.WithLabelValues(scheduler).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
