package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/api/handlers"
	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/coord"
	"github.com/BaSui01/batchflow/internal/lifecycle"
	"github.com/BaSui01/batchflow/internal/metrics"
	"github.com/BaSui01/batchflow/internal/pool"
	"github.com/BaSui01/batchflow/internal/queue"
	"github.com/BaSui01/batchflow/internal/recovery"
	"github.com/BaSui01/batchflow/internal/server"
	"github.com/BaSui01/batchflow/internal/telemetry"
	"github.com/BaSui01/batchflow/llm/batch"
	"github.com/BaSui01/batchflow/llm/completion"
)

// gaugeInterval 队列与 worker 深度指标的刷新间隔
const gaugeInterval = 5 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 BatchFlow 网关的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 协调存储与领域组件
	store    *coord.RedisStore
	queue    *queue.Queue
	results  *queue.Results
	pool     *pool.Pool
	engine   *batch.Engine
	sweeper  *recovery.Sweeper
	tasks    *lifecycle.Group
	otel     *telemetry.Providers
	shutdown bool

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler  *handlers.HealthHandler
	predictHandler *handlers.PredictHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	// 1. 遥测与指标
	otelProviders, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.otel = otelProviders
	s.metricsCollector = metrics.NewCollector("batchflow", s.logger)

	// 2. 协调存储与领域组件
	if err := s.initComponents(ctx); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	// 3. Handlers
	s.initHandlers()

	// 4. 后台任务：批处理引擎、回收扫描、深度指标
	if err := s.startTasks(ctx); err != nil {
		return fmt.Errorf("failed to start background tasks: %w", err)
	}

	// 5. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.notify(daemon.SdNotifyReady)

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("batch_max_size", s.cfg.Batch.MaxSize),
		zap.Duration("batch_timeout", s.cfg.Batch.Timeout),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initComponents(ctx context.Context) error {
	store, err := coord.NewRedisStore(s.cfg.Redis, s.logger)
	if err != nil {
		return err
	}
	s.store = store

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.Redis.DialTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return fmt.Errorf("coordination store unreachable at %s: %w", s.cfg.Redis.Addr, err)
	}

	s.queue = queue.New(store, s.logger)
	s.results = queue.NewResults(store, s.queue, s.cfg.Result, s.logger)
	s.pool = pool.New(store, s.logger)

	// 上次运行遗留的 worker 注册不可信，worker 重新注册后才参与租用
	if s.cfg.Pool.ResetOnStart {
		if err := s.pool.Reset(ctx); err != nil {
			return fmt.Errorf("reset worker pool: %w", err)
		}
		s.logger.Info("worker pool reset on startup")
	}

	client := completion.NewClient(s.cfg.Worker, s.cfg.Batch.MaxSize, s.logger)
	dispatcher := batch.NewDispatcher(client, s.results, s.metricsCollector, s.logger)
	s.engine = batch.NewEngine(s.queue, s.pool, dispatcher, s.cfg.Batch, s.metricsCollector, s.logger)
	s.sweeper = recovery.NewSweeper(s.queue, s.results, s.cfg.Recovery, s.logger,
		recovery.WithMetrics(s.metricsCollector))
	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.pool, s.logger)
	s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.store.Ping))

	s.predictHandler = handlers.NewPredictHandler(s.queue, s.results, s.pool, s.cfg.Result.AwaitTimeout, s.logger)

	s.logger.Info("Handlers initialized")
}

func (s *Server) startTasks(ctx context.Context) error {
	s.tasks = lifecycle.NewGroup(ctx, s.logger)

	if err := s.tasks.Go("batch_engine", s.engine.Run); err != nil {
		return err
	}
	if s.cfg.Recovery.Enabled {
		if err := s.tasks.Go("recovery_sweeper", s.sweeper.Run); err != nil {
			return err
		}
	} else {
		s.logger.Warn("recovery sweeper disabled, stale requests will not be reclaimed")
	}
	return s.tasks.Go("depth_gauges", s.recordDepth)
}

// recordDepth 周期性刷新队列与 worker 深度指标
func (s *Server) recordDepth(ctx context.Context) error {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		stats, err := s.queue.Stats(ctx)
		if err != nil {
			s.logger.Debug("failed to read queue depth", zap.Error(err))
			continue
		}
		counts, err := s.pool.Counts(ctx)
		if err != nil {
			s.logger.Debug("failed to read worker counts", zap.Error(err))
			continue
		}
		s.metricsCollector.RecordQueueDepth(stats.Pending, stats.Processing, stats.DeadLetter)
		s.metricsCollector.RecordWorkers(counts.Idle, counts.Busy)
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册 API 路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 推理 API
	mux.HandleFunc("POST /predict", s.predictHandler.HandlePredict)
	mux.HandleFunc("POST /v1/predict", s.predictHandler.HandlePredict)
	mux.HandleFunc("GET /result/{id}", s.predictHandler.HandleResult)
	mux.HandleFunc("GET /queue/stats", s.predictHandler.HandleQueueStats)

	return mux
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, publicPaths, s.logger),
	)

	serverConfig := server.Config{
		Name:            "http",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.String("addr", s.httpManager.Addr()))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.String("addr", s.metricsManager.Addr()))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号、ctx 结束或 HTTP 服务器异常退出，然后优雅关闭
func (s *Server) WaitForShutdown(ctx context.Context) error {
	serveErr := s.httpManager.WaitForShutdown(ctx)
	taskErr := s.Shutdown()
	return errors.Join(serveErr, taskErr)
}

// Shutdown 优雅关闭所有服务，返回后台任务的错误。
// HTTP 排空、后台任务停止、其余资源释放各自拥有一个 ShutdownTimeout 预算，
// 排空超时不会挤占在途批次写回结果的时间。
func (s *Server) Shutdown() error {
	if s.shutdown {
		return nil
	}
	s.shutdown = true

	s.logger.Info("Starting graceful shutdown...")
	s.notify(daemon.SdNotifyStopping)

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 停止接收新请求；排空期间引擎继续运行，等待中的 /predict 仍可拿到结果
	if s.httpManager != nil {
		httpCtx, cancel := s.phaseContext()
		if err := s.httpManager.Shutdown(httpCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		cancel()
	}

	// 2. 停止批处理引擎与回收扫描，等待在途批次写完结果
	var taskErr error
	if s.tasks != nil {
		taskCtx, cancel := s.phaseContext()
		taskErr = s.tasks.Stop(taskCtx)
		cancel()
		if taskErr != nil {
			s.logger.Error("background tasks stopped with error", zap.Error(taskErr))
		}
	}

	ctx, cancel := s.phaseContext()
	defer cancel()

	// 3. 清空 worker 注册
	if s.pool != nil && s.cfg.Pool.ResetOnStop {
		if err := s.pool.Reset(ctx); err != nil {
			s.logger.Error("worker pool reset failed", zap.Error(err))
		}
	}

	// 4. 关闭协调存储连接
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("coordination store close error", zap.Error(err))
		}
	}

	// 5. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 6. 刷新遥测数据
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
	return taskErr
}

func (s *Server) phaseContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
}

// notify 向 systemd 报告状态；不在 systemd 下运行时无操作
func (s *Server) notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		s.logger.Debug("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}
