package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// registry worker 注册表，由 pool.Pool 实现
type registry interface {
	Register(ctx context.Context, addr string) error
	Deregister(ctx context.Context, addr string) error
}

// prober worker 健康探测，由 completion.Client 实现
type prober interface {
	Health(ctx context.Context, addr string) error
}

// deregisterTimeout 注销时的存储操作超时；父 ctx 此时通常已取消
const deregisterTimeout = 5 * time.Second

// agent 管理一个 llama-server 子进程及其在 worker 池中的注册
type agent struct {
	registry     registry
	prober       prober
	command      func(ctx context.Context) *exec.Cmd
	localURL     string // 本机探测地址
	advertiseURL string // 网关可达地址，写入 idle_workers
	pollInterval time.Duration
	readyTimeout time.Duration
	onReady      func()
	logger       *zap.Logger
}

// errChildExited 子进程在收到停止请求前退出
var errChildExited = errors.New("llama-server exited unexpectedly")

// run 启动子进程，就绪后注册；ctx 结束或子进程退出时注销并返回。
// 子进程意外退出时返回错误，使调用方以非零状态退出。
func (a *agent) run(ctx context.Context) error {
	childCtx, stopChild := context.WithCancel(context.Background())
	defer stopChild()

	cmd := a.command(childCtx)
	// 默认 SIGKILL 会让 llama-server 来不及清理，改发 SIGINT
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llama-server: %w", err)
	}
	a.logger.Info("llama-server started", zap.Int("pid", cmd.Process.Pid), zap.String("local_url", a.localURL))

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	stop := func() {
		stopChild()
		err := <-exited
		a.logger.Info("llama-server stopped", zap.Error(err))
	}

	if err := a.waitReady(ctx, exited); err != nil {
		if errors.Is(err, errChildExited) {
			return err
		}
		stop()
		return err
	}

	if err := a.registry.Register(ctx, a.advertiseURL); err != nil {
		stop()
		return err
	}
	if a.onReady != nil {
		a.onReady()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
		a.deregister()
		stop()
		return nil
	case err := <-exited:
		a.logger.Error("llama-server exited unexpectedly", zap.Error(err))
		a.deregister()
		return fmt.Errorf("%w: %v", errChildExited, err)
	}
}

// waitReady 轮询 /health 直到就绪、子进程退出、超时或 ctx 结束
func (a *agent) waitReady(ctx context.Context, exited <-chan error) error {
	deadline := time.NewTimer(a.readyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, a.pollInterval+time.Second)
		err := a.prober.Health(probeCtx, a.localURL)
		cancel()
		if err == nil {
			a.logger.Info("llama-server ready")
			return nil
		}
		a.logger.Debug("waiting for llama-server", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-exited:
			return fmt.Errorf("%w before becoming ready: %v", errChildExited, err)
		case <-deadline.C:
			return fmt.Errorf("llama-server not ready after %s", a.readyTimeout)
		case <-ticker.C:
		}
	}
}

func (a *agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	if err := a.registry.Deregister(ctx, a.advertiseURL); err != nil {
		a.logger.Error("failed to deregister worker", zap.String("worker", a.advertiseURL), zap.Error(err))
	}
}
