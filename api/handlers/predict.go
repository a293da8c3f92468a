package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/batchflow/api"
	"github.com/BaSui01/batchflow/internal/queue"
	"github.com/BaSui01/batchflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🎯 推理 Handler
// =============================================================================

// Admitter 请求入队与队列统计
type Admitter interface {
	Enqueue(ctx context.Context, id string, payload json.RawMessage) (string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// ResultSource 结果读取
type ResultSource interface {
	Get(ctx context.Context, id string) (*types.Result, error)
	Await(ctx context.Context, id string, maxWait time.Duration) (*types.Result, error)
}

// PredictHandler 推理请求处理器
type PredictHandler struct {
	queue        Admitter
	results      ResultSource
	workers      WorkerCounter
	awaitTimeout time.Duration
	logger       *zap.Logger
}

// NewPredictHandler 创建推理处理器；awaitTimeout 为等待结果的上限
func NewPredictHandler(q Admitter, results ResultSource, workers WorkerCounter, awaitTimeout time.Duration, logger *zap.Logger) *PredictHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictHandler{
		queue:        q,
		results:      results,
		workers:      workers,
		awaitTimeout: awaitTimeout,
		logger:       logger.With(zap.String("handler", "predict")),
	}
}

// HandlePredict 处理 /predict 请求
// @Summary 推理
// @Description 请求入队，等待批处理引擎写入结果后返回
// @Tags 推理
// @Accept json
// @Produce json
// @Param request body api.PredictRequest true "推理请求"
// @Success 200 {object} api.PredictResponse "推理结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 408 {object} Response "等待超时"
// @Failure 503 {object} Response "协调存储不可用"
// @Security ApiKeyAuth
// @Router /predict [post]
func (h *PredictHandler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.PredictRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := req.Validate(); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
		return
	}

	payload, err := json.Marshal(&req)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to encode request").WithCause(err), h.logger)
		return
	}

	ctx := r.Context()
	id, err := h.queue.Enqueue(ctx, req.RequestID, payload)
	if err != nil {
		WriteError(w, storeError("failed to enqueue request", err), h.logger)
		return
	}

	logger := h.logger.With(zap.String("request_id", id))
	if httpID, ok := types.RequestID(ctx); ok {
		logger = logger.With(zap.String("http_request_id", httpID))
	}
	logger.Debug("request enqueued")

	res, err := h.results.Await(ctx, id, h.awaitTimeout)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, api.NewPredictResponse(id, *res))
	case errors.Is(err, queue.ErrResultTimeout):
		logger.Warn("request timed out", zap.Duration("timeout", h.awaitTimeout))
		WriteError(w, types.NewError(types.ErrRequestTimeout, "request timed out").
			WithHTTPStatus(http.StatusRequestTimeout), nil)
	case ctx.Err() != nil:
		// 客户端已断开，没有人接收响应
		logger.Info("client went away before result", zap.Error(ctx.Err()))
	default:
		WriteError(w, storeError("failed to read result", err), h.logger)
	}
}

// HandleResult 处理 /result/{id} 请求
// @Summary 查询结果
// @Description 读取已写入的结果，不等待
// @Tags 推理
// @Produce json
// @Param id path string true "请求 ID"
// @Success 200 {object} api.PredictResponse "推理结果"
// @Failure 404 {object} Response "结果不存在或已过期"
// @Security ApiKeyAuth
// @Router /result/{id} [get]
func (h *PredictHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "request id is required"), h.logger)
		return
	}

	res, err := h.results.Get(r.Context(), id)
	if errors.Is(err, queue.ErrResultNotFound) {
		WriteError(w, types.NewError(types.ErrResultNotFound, "result not found"), nil)
		return
	}
	if err != nil {
		WriteError(w, storeError("failed to read result", err), h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, api.NewPredictResponse(id, *res))
}

// HandleQueueStats 处理 /queue/stats 请求
// @Summary 队列统计
// @Description 返回队列深度与 worker 数量
// @Tags 推理
// @Produce json
// @Success 200 {object} api.QueueStatsResponse "队列统计"
// @Failure 503 {object} Response "协调存储不可用"
// @Security ApiKeyAuth
// @Router /queue/stats [get]
func (h *PredictHandler) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		WriteError(w, storeError("failed to read queue stats", err), h.logger)
		return
	}
	counts, err := h.workers.Counts(ctx)
	if err != nil {
		WriteError(w, storeError("failed to read worker counts", err), h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, api.QueueStatsResponse{
		Pending:     stats.Pending,
		Processing:  stats.Processing,
		DeadLetter:  stats.DeadLetter,
		IdleWorkers: counts.Idle,
		BusyWorkers: counts.Busy,
	})
}

func storeError(msg string, err error) *types.Error {
	return types.NewError(types.ErrStoreUnavailable, msg).
		WithCause(err).
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true)
}
