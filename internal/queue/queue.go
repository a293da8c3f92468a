package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/batchflow/internal/coord"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 📥 请求队列
// =============================================================================

// Queue 待处理队列与已认领集合
type Queue struct {
	store  coord.Store
	logger *zap.Logger
	now    func() time.Time
}

// Stats 队列深度
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
}

// New 创建队列
func New(store coord.Store, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:  store,
		logger: logger.With(zap.String("component", "queue")),
		now:    time.Now,
	}
}

// Enqueue 把请求追加到待处理队列尾部，id 为空时生成 UUID
func (q *Queue) Enqueue(ctx context.Context, id string, payload json.RawMessage) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	req := &QueuedRequest{
		ID:         id,
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
		RetryCount: 0,
	}
	if err := req.encode(); err != nil {
		return "", err
	}

	if err := q.store.Push(ctx, PendingList, req.Raw()); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", id, err)
	}

	q.logger.Debug("request enqueued", zap.String("request_id", id))
	return id, nil
}

// Stats 返回各列表深度
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		s   Stats
		err error
	)
	if s.Pending, err = q.store.Len(ctx, PendingList); err != nil {
		return Stats{}, err
	}
	if s.Processing, err = q.store.Len(ctx, ProcessingList); err != nil {
		return Stats{}, err
	}
	if s.DeadLetter, err = q.store.Len(ctx, DeadLetterList); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// =============================================================================
// 📦 批次组装
// =============================================================================

// AssembleBatch 按“满批或超时”组装一个批次。
//
// 每次从待处理队列头部原子搬移一个请求到已认领集合，阻塞时间为窗口剩余时间。
// 凑满 maxSize 立即返回；窗口结束时已有请求则返回；一个请求都没有则开始新窗口。
// ctx 结束时返回已认领的部分批次，没有请求则返回 ctx.Err()。
func (q *Queue) AssembleBatch(ctx context.Context, maxSize int, window time.Duration) ([]*QueuedRequest, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("assemble batch: max size must be at least 1, got %d", maxSize)
	}

	batch := make([]*QueuedRequest, 0, maxSize)
	for {
		deadline := q.now().Add(window)

		for len(batch) < maxSize {
			remaining := deadline.Sub(q.now())
			if remaining <= 0 {
				break
			}

			raw, err := q.store.Move(ctx, PendingList, ProcessingList, remaining)
			if errors.Is(err, coord.ErrEmpty) {
				continue
			}
			if err != nil {
				// 已认领的请求必须交给调用方，否则只能等回收
				if ctx.Err() != nil {
					if len(batch) > 0 {
						return batch, nil
					}
					return nil, ctx.Err()
				}
				if len(batch) > 0 {
					q.logger.Warn("store error during assembly, returning partial batch",
						zap.Int("size", len(batch)), zap.Error(err))
					return batch, nil
				}
				return nil, fmt.Errorf("assemble batch: %w", err)
			}

			if req := q.claim(ctx, raw); req != nil {
				batch = append(batch, req)
			}
		}

		if len(batch) > 0 {
			return batch, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// claim 解析刚搬入已认领集合的请求并记录认领时间
func (q *Queue) claim(ctx context.Context, raw string) *QueuedRequest {
	req, err := Decode(raw)
	if err != nil {
		q.logger.Error("dropping malformed queue entry", zap.String("raw", raw), zap.Error(err))
		if _, rerr := q.store.Remove(ctx, ProcessingList, raw); rerr != nil {
			q.logger.Warn("failed to remove malformed entry", zap.Error(rerr))
		}
		return nil
	}

	if err := q.store.Stamp(ctx, ClaimsHash, req.ID, q.now()); err != nil {
		// 没有认领时间的条目会在下一轮回收扫描时补记
		q.logger.Warn("failed to stamp claim", zap.String("request_id", req.ID), zap.Error(err))
	}
	return req
}

// =============================================================================
// 🔄 转移与清理
// =============================================================================

// Requeue 把已认领请求原样放回待处理队列尾部，retry_count 不变
func (q *Queue) Requeue(ctx context.Context, req *QueuedRequest) (bool, error) {
	return q.transfer(ctx, PendingList, req, req)
}

// Reclaim 把滞留请求以 retry_count+1 放回待处理队列尾部
func (q *Queue) Reclaim(ctx context.Context, req *QueuedRequest) (*QueuedRequest, bool, error) {
	next, err := req.WithRetry()
	if err != nil {
		return nil, false, err
	}
	ok, err := q.transfer(ctx, PendingList, req, next)
	return next, ok, err
}

// Bury 把回收次数耗尽的请求以 retry_count+1 移入死信队列
func (q *Queue) Bury(ctx context.Context, req *QueuedRequest) (*QueuedRequest, bool, error) {
	next, err := req.WithRetry()
	if err != nil {
		return nil, false, err
	}
	ok, err := q.transfer(ctx, DeadLetterList, req, next)
	return next, ok, err
}

func (q *Queue) transfer(ctx context.Context, dst string, from, to *QueuedRequest) (bool, error) {
	ok, err := q.store.Transfer(ctx, ProcessingList, dst, from.Raw(), to.Raw())
	if err != nil {
		return false, fmt.Errorf("transfer %s to %s: %w", from.ID, dst, err)
	}
	if ok {
		if err := q.store.Unstamp(ctx, ClaimsHash, from.ID); err != nil {
			q.logger.Warn("failed to clear claim", zap.String("request_id", from.ID), zap.Error(err))
		}
	}
	return ok, nil
}

// Processing 返回已认领集合快照；无法解析的原始条目单独返回
func (q *Queue) Processing(ctx context.Context) ([]*QueuedRequest, []string, error) {
	raws, err := q.store.Range(ctx, ProcessingList)
	if err != nil {
		return nil, nil, err
	}

	reqs := make([]*QueuedRequest, 0, len(raws))
	var malformed []string
	for _, raw := range raws {
		req, err := Decode(raw)
		if err != nil {
			malformed = append(malformed, raw)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, malformed, nil
}

// Drop 从已认领集合删除原始条目
func (q *Queue) Drop(ctx context.Context, raw string) error {
	_, err := q.store.Remove(ctx, ProcessingList, raw)
	return err
}

// ClearByID 删除已认领集合中该 id 的全部条目与认领时间，重复调用无副作用
func (q *Queue) ClearByID(ctx context.Context, id string) (int, error) {
	reqs, _, err := q.Processing(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, req := range reqs {
		if req.ID != id {
			continue
		}
		n, err := q.store.Remove(ctx, ProcessingList, req.Raw())
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}

	if err := q.store.Unstamp(ctx, ClaimsHash, id); err != nil {
		return removed, err
	}
	return removed, nil
}

// =============================================================================
// ⏱️ 认领时间
// =============================================================================

// Claims 返回 request_id 到认领时间的映射
func (q *Queue) Claims(ctx context.Context) (map[string]time.Time, error) {
	return q.store.Stamps(ctx, ClaimsHash)
}

// EnsureClaim 仅在没有认领时间时记录 at，返回是否写入
func (q *Queue) EnsureClaim(ctx context.Context, id string, at time.Time) (bool, error) {
	return q.store.StampIfAbsent(ctx, ClaimsHash, id, at)
}

// ForgetClaims 删除认领时间
func (q *Queue) ForgetClaims(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.store.Unstamp(ctx, ClaimsHash, ids...)
}
