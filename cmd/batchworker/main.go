// =============================================================================
// BatchFlow worker 代理
// =============================================================================
// 在推理节点上运行：启动 llama-server，就绪后把自己注册到 idle_workers，
// 收到 SIGINT/SIGTERM 或 llama-server 退出时从 worker 池注销。
//
// 使用方法:
//
//	batchworker run --model /models/gemma.gguf --port 8080 --advertise-host 10.0.0.5
//	batchworker run --config config.yaml     # Redis 与日志配置
// =============================================================================

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/coord"
	"github.com/BaSui01/batchflow/internal/pool"
	"github.com/BaSui01/batchflow/internal/telemetry"
	"github.com/BaSui01/batchflow/llm/completion"
	"github.com/BaSui01/batchflow/llm/retry"
)

var (
	configPath    string        // Redis 与日志配置文件
	llamaServer   string        // llama-server 可执行文件
	modelPath     string        // GGUF 模型路径
	port          int           // llama-server 监听端口
	advertiseHost string        // 网关访问本 worker 的主机名
	advertisePort int           // 网关访问本 worker 的端口，默认同 port
	ctxSize       int           // 上下文长度
	threads       int           // 线程数
	batchSize     int           // llama-server 批大小
	readyTimeout  time.Duration // 等待 llama-server 就绪的上限
	redisRetries  int           // 等待 Redis 的重试次数
)

var rootCmd = &cobra.Command{
	Use:           "batchworker",
	Short:         "Run a llama.cpp worker and register it with the BatchFlow pool",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start llama-server and register it as an idle worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&configPath, "config", "", "Path to config file (YAML)")
	f.StringVar(&llamaServer, "llama-server", "llama-server", "llama-server executable")
	f.StringVar(&modelPath, "model", os.Getenv("MODEL_PATH"), "Model path (env MODEL_PATH)")
	f.IntVar(&port, "port", envInt("WORKER_PORT", 8080), "llama-server port (env WORKER_PORT)")
	f.StringVar(&advertiseHost, "advertise-host", os.Getenv("API_ACCESSIBLE_HOSTNAME"), "Hostname the gateway uses to reach this worker (env API_ACCESSIBLE_HOSTNAME)")
	f.IntVar(&advertisePort, "advertise-port", envInt("API_ACCESSIBLE_PORT", 0), "Port the gateway uses to reach this worker, defaults to --port (env API_ACCESSIBLE_PORT)")
	f.IntVar(&ctxSize, "ctx-size", 4096, "Context size")
	f.IntVar(&threads, "threads", 4, "Threads")
	f.IntVar(&batchSize, "batch-size", 512, "llama-server batch size")
	f.DurationVar(&readyTimeout, "ready-timeout", 5*time.Minute, "Time to wait for llama-server /health")
	f.IntVar(&redisRetries, "redis-retries", 30, "Attempts while waiting for Redis")

	rootCmd.AddCommand(runCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(ctx context.Context) error {
	if modelPath == "" || advertiseHost == "" {
		return fmt.Errorf("--model and --advertise-host are required")
	}
	if advertisePort == 0 {
		advertisePort = port
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := telemetry.MustLogger(cfg.Log)
	defer logger.Sync()

	store, err := coord.NewRedisStore(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := waitForRedis(ctx, store, logger); err != nil {
		return err
	}

	a := &agent{
		registry: pool.New(store, logger),
		prober:   completion.NewClient(cfg.Worker, 1, logger),
		command: func(ctx context.Context) *exec.Cmd {
			cmd := exec.CommandContext(ctx, llamaServer, llamaArgs()...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd
		},
		localURL:     fmt.Sprintf("http://127.0.0.1:%d", port),
		advertiseURL: fmt.Sprintf("http://%s:%d", advertiseHost, advertisePort),
		pollInterval: time.Second,
		readyTimeout: readyTimeout,
		onReady: func() {
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		},
		logger: logger.With(zap.String("component", "batchworker")),
	}

	err = a.run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// waitForRedis 按固定间隔 ping Redis，直到成功或重试耗尽
func waitForRedis(ctx context.Context, store *coord.RedisStore, logger *zap.Logger) error {
	policy := retry.Policy{
		MaxRetries:   redisRetries,
		InitialDelay: 2 * time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   1,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Info("waiting for Redis", zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	if err := retry.Do(ctx, policy, logger, func() error { return store.Ping(ctx) }); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	logger.Info("connected to Redis")
	return nil
}

func llamaArgs() []string {
	return []string{
		"-m", modelPath,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(port),
		"-c", strconv.Itoa(ctxSize),
		"--threads", strconv.Itoa(threads),
		"--mlock",
		"--cont-batching",
		"--batch-size", strconv.Itoa(batchSize),
	}
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
