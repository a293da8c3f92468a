package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/BaSui01/batchflow/internal/metrics"
	"github.com/BaSui01/batchflow/internal/pool"
	"github.com/BaSui01/batchflow/internal/queue"
	"github.com/BaSui01/batchflow/internal/telemetry"
	"github.com/BaSui01/batchflow/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// storeTimeout 单个结果写入的时间上限
const storeTimeout = 5 * time.Second

// Completer 向 worker 发起一次推理
type Completer interface {
	Complete(ctx context.Context, addr string, req *types.ChatRequest) (types.Result, error)
}

// ResultWriter 写入请求的最终结果
type ResultWriter interface {
	Complete(ctx context.Context, req *queue.QueuedRequest, res types.Result) error
}

// Dispatcher 把一个批次并发发送给同一个已租用的 worker
type Dispatcher struct {
	client  Completer
	results ResultWriter
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewDispatcher 创建批次分发器
func NewDispatcher(client Completer, results ResultWriter, m *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client:  client,
		results: results,
		metrics: m,
		logger:  logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch 为批次中每个请求启动一个 goroutine，全部结束后返回。
// 每个请求恰好写入一个结果；推理失败写入错误结果。
// 返回的错误只表示结果写入失败，对应条目留在已认领集合等待回收。
func (d *Dispatcher) Dispatch(ctx context.Context, batch []*queue.QueuedRequest, h pool.Handle) error {
	ctx, span := telemetry.Tracer("batch").Start(ctx, "batch.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("batch.size", len(batch)),
		attribute.String("worker.addr", h.Addr),
	)

	// 不使用 errgroup.WithContext：一个请求失败不能取消同批其他请求
	var g errgroup.Group
	for _, req := range batch {
		g.Go(func() error {
			res := d.invoke(ctx, h.Addr, req)
			return d.store(ctx, req, res)
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "result store failed")
		return err
	}
	return nil
}

// invoke 执行单个请求，panic 与调用失败都转换为错误结果
func (d *Dispatcher) invoke(ctx context.Context, addr string, req *queue.QueuedRequest) (res types.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during completion",
				zap.String("request_id", req.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = failed(fmt.Errorf("panic: %v", r))
		}
	}()

	var chat types.ChatRequest
	if err := json.Unmarshal(req.Payload, &chat); err != nil {
		d.logger.Warn("undecodable payload", zap.String("request_id", req.ID), zap.Error(err))
		return failed(fmt.Errorf("invalid payload: %w", err))
	}

	ctx, span := telemetry.Tracer("batch").Start(ctx, "worker.completion")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.Int("request.retry_count", req.RetryCount),
		attribute.String("worker.addr", addr),
	)

	start := time.Now()
	res, err := d.client.Complete(ctx, addr, &chat)
	if err != nil {
		d.metrics.RecordWorkerRequest("error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		d.logger.Warn("completion failed",
			zap.String("request_id", req.ID),
			zap.String("worker", addr),
			zap.Error(err),
		)
		return failed(err)
	}

	d.metrics.RecordWorkerRequest("success", time.Since(start))
	span.SetAttributes(attribute.Int("completion.tokens_predicted", res.TokensPredicted))
	return res
}

func (d *Dispatcher) store(ctx context.Context, req *queue.QueuedRequest, res types.Result) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := d.results.Complete(ctx, req, res); err != nil {
		d.logger.Error("failed to store result",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return fmt.Errorf("store result %s: %w", req.ID, err)
	}

	status := "ok"
	if res.IsError() {
		status = "error"
	}
	var latency time.Duration
	if !req.EnqueuedAt.IsZero() {
		latency = time.Since(req.EnqueuedAt)
	}
	d.metrics.RecordResult(status, latency)
	return nil
}

// failed 生成 "Worker failed: ..." 错误结果，去掉错误码前缀
func failed(err error) types.Result {
	msg := err.Error()
	var e *types.Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.Cause != nil {
			msg += ": " + e.Cause.Error()
		}
	}
	return types.ErrorResult("Worker failed: %s", msg)
}
