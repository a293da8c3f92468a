package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/batchflow/api"
	"github.com/BaSui01/batchflow/internal/pool"
	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// WorkerCounter 返回 worker 池快照
type WorkerCounter interface {
	Counts(ctx context.Context) (pool.Counts, error)
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	workers WorkerCounter
	logger  *zap.Logger
	checks  []HealthCheck
	mu      sync.RWMutex
}

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(workers WorkerCounter, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		workers: workers,
		logger:  logger,
		checks:  make([]HealthCheck, 0),
	}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求：至少注册一个 worker 时健康
// @Summary 网关健康检查
// @Description 至少有一个已注册 worker（空闲或忙碌）时返回 ok
// @Tags 健康
// @Produce json
// @Success 200 {object} api.HealthResponse "服务正常"
// @Failure 503 {object} api.HealthResponse "没有 worker 或存储不可用"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	counts, err := h.workers.Counts(ctx)
	if err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		WriteJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: api.HealthUnhealthy})
		return
	}

	if counts.Total() == 0 {
		WriteJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: api.HealthNoWorkers})
		return
	}

	WriteJSON(w, http.StatusOK, api.HealthResponse{
		Status:      api.HealthOK,
		IdleWorkers: counts.Idle,
		BusyWorkers: counts.Busy,
	})
}

// HandleHealthz 处理 /healthz 请求（Kubernetes 风格）
// @Summary Kubernetes 活跃度探针
// @Description Kubernetes 的活跃度探针
// @Tags 健康
// @Produce json
// @Success 200 {object} api.ServiceHealthResponse "服务处于活动状态"
// @Router /healthz [get]
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	// Liveness probe - 只检查进程是否运行
	WriteJSON(w, http.StatusOK, api.ServiceHealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 或 /readyz 请求（就绪检查）
// @Summary 准备情况检查
// @Description 检查协调存储等依赖是否可用
// @Tags 健康
// @Produce json
// @Success 200 {object} api.ServiceHealthResponse "服务已准备就绪"
// @Failure 503 {object} api.ServiceHealthResponse "服务尚未准备好"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := api.ServiceHealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]api.CheckResult),
	}

	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := api.CheckResult{
			Status:  "pass",
			Latency: latency.String(),
		}

		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false

			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
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

// HandleVersion 处理 /version 请求
// @Summary 版本信息
// @Description 返回版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		}

		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// RedisHealthCheck Redis 健康检查
type RedisHealthCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewRedisHealthCheck 创建 Redis 健康检查
func NewRedisHealthCheck(name string, ping func(ctx context.Context) error) *RedisHealthCheck {
	return &RedisHealthCheck{
		name: name,
		ping: ping,
	}
}

func (c *RedisHealthCheck) Name() string {
	return c.name
}

func (c *RedisHealthCheck) Check(ctx context.Context) error {
	return c.ping(ctx)
}
