// Package lifecycle supervises the gateway's long-running background tasks.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Go after Stop was called.
var ErrStopped = errors.New("lifecycle group stopped")

// Group runs named tasks under a shared context and stops them together.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	running map[string]struct{}
	errs    []error
}

// NewGroup creates a Group whose tasks inherit values from parent.
func NewGroup(parent context.Context, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("component", "lifecycle")),
		running: make(map[string]struct{}),
	}
}

// Go starts fn in a goroutine. fn must return when its context is done.
func (g *Group) Go(name string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return ErrStopped
	}
	if _, dup := g.running[name]; dup {
		return fmt.Errorf("task %q already running", name)
	}
	g.running[name] = struct{}{}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.finish(name)

		start := time.Now()
		g.logger.Info("task started", zap.String("task", name))

		err := g.run(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("task failed",
				zap.String("task", name),
				zap.Duration("uptime", time.Since(start)),
				zap.Error(err),
			)
			g.record(fmt.Errorf("%s: %w", name, err))
			return
		}
		g.logger.Info("task stopped", zap.String("task", name), zap.Duration("uptime", time.Since(start)))
	}()
	return nil
}

func (g *Group) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", name, r)
		}
	}()
	return fn(g.ctx)
}

func (g *Group) finish(name string) {
	g.mu.Lock()
	delete(g.running, name)
	g.mu.Unlock()
}

func (g *Group) record(err error) {
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

// Running returns the names of tasks that have not returned yet.
func (g *Group) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.running))
	for name := range g.running {
		names = append(names, name)
	}
	return names
}

// Stop cancels every task and waits for them, bounded by ctx. It returns the
// joined task errors, or ctx.Err() if tasks were still running at the deadline.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("tasks still running at shutdown deadline", zap.Strings("tasks", g.Running()))
		return ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}
