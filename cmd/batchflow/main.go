// =============================================================================
// BatchFlow 网关主入口
// =============================================================================
// 推理批处理网关：HTTP 入队、批次组装分发、滞留回收、Prometheus 指标
//
// 使用方法:
//
//	batchflow serve                       # 启动网关
//	batchflow serve --config config.yaml  # 指定配置文件
//	batchflow health --addr http://localhost:8000
//	batchflow version                     # 显示版本信息
// =============================================================================

// @title BatchFlow API
// @version 1.0.0
// @description BatchFlow batches chat inference requests and dispatches them to a pool of llama.cpp workers.

// @contact.name BatchFlow Team
// @contact.url https://github.com/BaSui01/batchflow

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8000
// @BasePath /
// @schemes http

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/telemetry"
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
// 🎯 命令定义
// =============================================================================

var (
	configPath string // serve --config
	healthAddr string // health --addr
)

var rootCmd = &cobra.Command{
	Use:           "batchflow",
	Short:         "Batching gateway for llama.cpp inference workers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the BatchFlow gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHealthCheck(cmd.Context(), healthAddr)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	healthCmd.Flags().StringVar(&healthAddr, "addr", "http://localhost:8000", "Gateway address")

	rootCmd.AddCommand(serveCmd, healthCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(ctx context.Context) error {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := telemetry.MustLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting BatchFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	server := NewServer(cfg, logger)
	if err := server.Start(ctx); err != nil {
		server.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	err = server.WaitForShutdown(ctx)

	logger.Info("BatchFlow stopped")
	return err
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	fmt.Println("OK")
	return nil
}

// =============================================================================
// 📋 版本
// =============================================================================

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "BatchFlow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}
