package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/metrics"
	"github.com/BaSui01/batchflow/internal/pool"
	"github.com/BaSui01/batchflow/internal/queue"
	"github.com/BaSui01/batchflow/llm/retry"
	"github.com/BaSui01/batchflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// releaseTimeout 归还 worker 的时间上限
const releaseTimeout = 5 * time.Second

// Engine 组批、租用 worker 并分发的主循环
type Engine struct {
	queue      *queue.Queue
	pool       *pool.Pool
	dispatcher *Dispatcher
	cfg        config.BatchConfig
	sem        *semaphore.Weighted
	metrics    *metrics.Collector
	logger     *zap.Logger

	wg sync.WaitGroup

	// 计量
	batches    atomic.Int64
	dispatched atomic.Int64
	requeued   atomic.Int64
	inflight   atomic.Int64
}

// EngineStats 引擎统计
type EngineStats struct {
	Batches    int64 `json:"batches"`
	Dispatched int64 `json:"dispatched"`
	Requeued   int64 `json:"requeued"`
	Inflight   int64 `json:"inflight"`
}

// NewEngine 创建批处理引擎
func NewEngine(q *queue.Queue, p *pool.Pool, d *Dispatcher, cfg config.BatchConfig, m *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = config.DefaultBatchConfig().MaxSize
	}
	if cfg.MaxInflight < 1 {
		cfg.MaxInflight = 1
	}
	return &Engine{
		queue:      q,
		pool:       p,
		dispatcher: d,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxInflight)),
		metrics:    m,
		logger:     logger.With(zap.String("component", "batch_engine")),
	}
}

// Run 持续组批并分发，直到 ctx 结束。
// 存储故障按指数退避重试；返回前等待所有在途批次完成。
func (e *Engine) Run(ctx context.Context) error {
	defer e.wg.Wait()

	backoff := retry.NewBackoff(e.cfg.BackoffInitial, e.cfg.BackoffMax)
	e.logger.Info("batch engine started",
		zap.Int("max_size", e.cfg.MaxSize),
		zap.Duration("timeout", e.cfg.Timeout),
		zap.Int("max_inflight", e.cfg.MaxInflight),
	)

	for {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.logger.Info("batch engine stopping")
			return nil
		}

		batch, err := e.queue.AssembleBatch(ctx, e.cfg.MaxSize, e.cfg.Timeout)
		if err != nil {
			e.sem.Release(1)
			if ctx.Err() != nil {
				e.logger.Info("batch engine stopping")
				return nil
			}
			e.logger.Warn("batch assembly failed, backing off",
				zap.Int("attempt", backoff.Attempt()+1),
				zap.Error(err),
			)
			if err := backoff.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		backoff.Reset()

		if len(batch) == 0 {
			e.sem.Release(1)
			continue
		}

		// 已认领的批次必须处理完，不随 ctx 取消
		bctx := context.WithoutCancel(ctx)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.sem.Release(1)
			e.process(bctx, batch)
		}()
	}
}

// process 租用 worker 并分发一个批次；没有可用 worker 时整批放回队尾
func (e *Engine) process(ctx context.Context, batch []*queue.QueuedRequest) {
	e.batches.Add(1)
	e.inflight.Add(1)
	defer e.inflight.Add(-1)
	e.metrics.BatchStarted()
	defer e.metrics.BatchFinished()

	batchID := uuid.NewString()
	ctx = types.WithBatchID(ctx, batchID)
	logger := e.logger.With(zap.String("batch_id", batchID), zap.Int("size", len(batch)))

	start := time.Now()
	h, err := e.pool.Lease(ctx, e.cfg.LeaseTimeout)
	if err != nil {
		reason := "lease_error"
		if errors.Is(err, pool.ErrNoWorker) {
			reason = "no_worker"
			e.metrics.RecordLeaseWait("timeout", time.Since(start))
			logger.Warn("no worker available, requeueing batch")
		} else {
			e.metrics.RecordLeaseWait("error", time.Since(start))
			logger.Error("worker lease failed, requeueing batch", zap.Error(err))
		}
		e.requeue(ctx, batch, reason, logger)
		e.metrics.RecordBatch("requeued", len(batch))
		return
	}
	e.metrics.RecordLeaseWait("leased", time.Since(start))

	defer func() {
		rctx, cancel := context.WithTimeout(ctx, releaseTimeout)
		defer cancel()
		if err := e.pool.Release(rctx, h); err != nil {
			logger.Error("failed to release worker", zap.String("worker", h.Addr), zap.Error(err))
		}
	}()

	ctx = types.WithWorker(ctx, h.Addr)
	logger = logger.With(zap.String("worker", h.Addr))
	logger.Debug("dispatching batch")

	e.dispatched.Add(1)
	e.metrics.RecordBatch("dispatched", len(batch))
	if err := e.dispatcher.Dispatch(ctx, batch, h); err != nil {
		logger.Warn("batch finished with unstored results", zap.Error(err))
		return
	}
	logger.Debug("batch finished", zap.Duration("elapsed", time.Since(start)))
}

// requeue 原样放回待处理队列尾部，retry_count 不变。
// 放回失败的条目留在已认领集合，由回收扫描处理。
func (e *Engine) requeue(ctx context.Context, batch []*queue.QueuedRequest, reason string, logger *zap.Logger) {
	n := 0
	for _, req := range batch {
		ok, err := e.queue.Requeue(ctx, req)
		if err != nil {
			logger.Error("failed to requeue request", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	e.requeued.Add(int64(n))
	e.metrics.RecordRequeue(reason, n)
}

// Stats 返回引擎统计
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Batches:    e.batches.Load(),
		Dispatched: e.dispatched.Load(),
		Requeued:   e.requeued.Load(),
		Inflight:   e.inflight.Load(),
	}
}
