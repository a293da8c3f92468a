package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/coord"
	"github.com/BaSui01/batchflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📬 结果存储
// =============================================================================

var (
	// ErrResultNotFound 结果不存在或已过期
	ErrResultNotFound = errors.New("result not found")

	// ErrResultTimeout 等待结果超时
	ErrResultTimeout = errors.New("result wait timed out")
)

// clearTimeout 超时或取消后清理已认领条目的时间上限
const clearTimeout = 2 * time.Second

// Results 结果写入与轮询
type Results struct {
	store  coord.Store
	queue  *Queue
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewResults 创建结果存储
func NewResults(store coord.Store, q *Queue, cfg config.ResultConfig, logger *zap.Logger) *Results {
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Results{
		store:  store,
		queue:  q,
		ttl:    cfg.TTL,
		poll:   poll,
		logger: logger.With(zap.String("component", "results")),
	}
}

// Complete 写入结果，同时从已认领集合删除该请求
func (r *Results) Complete(ctx context.Context, req *QueuedRequest, res types.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", req.ID, err)
	}

	return r.store.Complete(ctx, coord.CompleteOp{
		ResultKey:  ResultKey(req.ID),
		Value:      string(data),
		TTL:        r.ttl,
		Processing: ProcessingList,
		Raw:        req.Raw(),
		Claims:     ClaimsHash,
		ID:         req.ID,
	})
}

// Get 读取结果，不存在返回 ErrResultNotFound
func (r *Results) Get(ctx context.Context, id string) (*types.Result, error) {
	raw, err := r.store.Get(ctx, ResultKey(id))
	if errors.Is(err, coord.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}

	var res types.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", id, err)
	}
	return &res, nil
}

// Await 轮询直到结果出现或 maxWait 到期。
// 无论成功还是超时都会尝试清理已认领集合中的对应条目。
func (r *Results) Await(ctx context.Context, id string, maxWait time.Duration) (*types.Result, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		res, err := r.Get(ctx, id)
		switch {
		case err == nil:
			r.clear(ctx, id)
			return res, nil
		case errors.Is(err, ErrResultNotFound):
		default:
			if ctx.Err() == nil {
				r.logger.Warn("result poll failed", zap.String("request_id", id), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			r.clear(ctx, id)
			return nil, ctx.Err()
		case <-timer.C:
			// 截止前最后一次读取，覆盖两次轮询之间写入的结果
			if res, err := r.Get(ctx, id); err == nil {
				r.clear(ctx, id)
				return res, nil
			}
			r.clear(ctx, id)
			return nil, ErrResultTimeout
		case <-ticker.C:
		}
	}
}

func (r *Results) clear(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
	defer cancel()

	if _, err := r.queue.ClearByID(cctx, id); err != nil {
		r.logger.Warn("failed to clear processing entry", zap.String("request_id", id), zap.Error(err))
	}
}
