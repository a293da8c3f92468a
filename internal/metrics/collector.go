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

// Collector 指标收集器。nil *Collector 的所有 Record 方法都是空操作。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 批处理指标
	batchesTotal    *prometheus.CounterVec
	batchSize       prometheus.Histogram
	batchesInflight prometheus.Gauge
	leaseWait       *prometheus.HistogramVec
	requeuesTotal   *prometheus.CounterVec

	// worker 调用指标
	workerRequestsTotal   *prometheus.CounterVec
	workerRequestDuration *prometheus.HistogramVec

	// 结果指标
	resultsTotal   *prometheus.CounterVec
	requestLatency prometheus.Histogram

	// 回收指标
	recoveryTotal *prometheus.CounterVec

	// 深度指标
	queueDepth *prometheus.GaugeVec
	workers    *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 150},
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 批处理指标
	c.batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of assembled batches by outcome",
		},
		[]string{"outcome"},
	)

	c.batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of requests per assembled batch",
			Buckets:   prometheus.LinearBuckets(1, 1, 16),
		},
	)

	c.batchesInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_inflight",
			Help:      "Number of batches currently being processed",
		},
	)

	c.leaseWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_lease_wait_seconds",
			Help:      "Time spent waiting for an idle worker",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	c.requeuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeues_total",
			Help:      "Total number of requests returned to the pending queue",
		},
		[]string{"reason"},
	)

	// worker 调用指标
	c.workerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_requests_total",
			Help:      "Total number of worker completion calls",
		},
		[]string{"status"},
	)

	c.workerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_request_duration_seconds",
			Help:      "Worker completion call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	// 结果指标
	c.resultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total number of stored results",
		},
		[]string{"status"},
	)

	c.requestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Time from enqueue to stored result",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// 回收指标
	c.recoveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_total",
			Help:      "Recovery sweeper actions by outcome",
		},
		[]string{"outcome"},
	)

	// 深度指标
	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current depth of the coordination lists",
		},
		[]string{"queue"},
	)

	c.workers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Registered workers by state",
		},
		[]string{"state"},
	)

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📦 批处理指标记录
// =============================================================================

// RecordBatch 记录一个批次的去向: dispatched, requeued
func (c *Collector) RecordBatch(outcome string, size int) {
	if c == nil {
		return
	}
	c.batchesTotal.WithLabelValues(outcome).Inc()
	c.batchSize.Observe(float64(size))
}

// BatchStarted 在途批次加一
func (c *Collector) BatchStarted() {
	if c == nil {
		return
	}
	c.batchesInflight.Inc()
}

// BatchFinished 在途批次减一
func (c *Collector) BatchFinished() {
	if c == nil {
		return
	}
	c.batchesInflight.Dec()
}

// RecordLeaseWait 记录租用 worker 的等待时间，outcome: leased, timeout, error
func (c *Collector) RecordLeaseWait(outcome string, wait time.Duration) {
	if c == nil {
		return
	}
	c.leaseWait.WithLabelValues(outcome).Observe(wait.Seconds())
}

// RecordRequeue 记录放回待处理队列的请求
func (c *Collector) RecordRequeue(reason string, n int) {
	if c == nil {
		return
	}
	c.requeuesTotal.WithLabelValues(reason).Add(float64(n))
}

// =============================================================================
// 🤖 worker 调用指标记录
// =============================================================================

// RecordWorkerRequest 记录一次 /completion 调用
func (c *Collector) RecordWorkerRequest(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workerRequestsTotal.WithLabelValues(status).Inc()
	c.workerRequestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// =============================================================================
// 📬 结果与回收指标记录
// =============================================================================

// RecordResult 记录结果写入，latency 为入队到写入的时间
func (c *Collector) RecordResult(status string, latency time.Duration) {
	if c == nil {
		return
	}
	c.resultsTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		c.requestLatency.Observe(latency.Seconds())
	}
}

// RecordRecovery 记录回收动作
func (c *Collector) RecordRecovery(outcome string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.recoveryTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordQueueDepth 记录各列表深度
func (c *Collector) RecordQueueDepth(pending, processing, deadLetter int64) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues("pending").Set(float64(pending))
	c.queueDepth.WithLabelValues("processing").Set(float64(processing))
	c.queueDepth.WithLabelValues("dead_letter").Set(float64(deadLetter))
}

// RecordWorkers 记录 worker 数量
func (c *Collector) RecordWorkers(idle, busy int64) {
	if c == nil {
		return
	}
	c.workers.WithLabelValues("idle").Set(float64(idle))
	c.workers.WithLabelValues("busy").Set(float64(busy))
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
