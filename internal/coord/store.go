package coord

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// 🎯 协调存储接口
// =============================================================================

var (
	// ErrEmpty 阻塞搬移在超时内没有拿到元素
	ErrEmpty = errors.New("coord: list empty")

	// ErrNotFound 键不存在或已过期
	ErrNotFound = errors.New("coord: key not found")

	// ErrClosed 存储已关闭
	ErrClosed = errors.New("coord: store closed")
)

// Store 协调存储。
// 所有方法都是单个原子步骤，调用方不需要也不应该在外部加锁。
type Store interface {
	// Push 追加到列表尾部
	Push(ctx context.Context, list string, values ...string) error

	// Move 从 src 头部取出一个元素放到 dst 尾部，最多阻塞 timeout。
	// timeout <= 0 时不阻塞。超时返回 ErrEmpty。
	Move(ctx context.Context, src, dst string, timeout time.Duration) (string, error)

	// Remove 删除列表中第一个等于 value 的元素，返回删除个数
	Remove(ctx context.Context, list, value string) (int64, error)

	// Transfer 从 src 删除 old，仅在删除成功时把 replacement 追加到 dst 尾部
	Transfer(ctx context.Context, src, dst, old, replacement string) (bool, error)

	// Len 列表长度
	Len(ctx context.Context, list string) (int64, error)

	// Range 列表全部元素快照
	Range(ctx context.Context, list string) ([]string, error)

	// SetTTL 写入带过期时间的值
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get 读取值，不存在返回 ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Delete 删除键
	Delete(ctx context.Context, keys ...string) error

	// Stamp 在哈希中记录时间戳
	Stamp(ctx context.Context, hash, field string, t time.Time) error

	// StampIfAbsent 仅在字段不存在时记录，返回是否写入
	StampIfAbsent(ctx context.Context, hash, field string, t time.Time) (bool, error)

	// Stamps 读取哈希中全部时间戳
	Stamps(ctx context.Context, hash string) (map[string]time.Time, error)

	// Unstamp 删除时间戳
	Unstamp(ctx context.Context, hash string, fields ...string) error

	// Complete 写入结果、从 processing 删除 raw、删除认领时间戳，一步完成
	Complete(ctx context.Context, op CompleteOp) error

	// Release 从 busy 删除 addr，仅在删除成功时追加回 idle
	Release(ctx context.Context, busy, idle, addr string) (bool, error)

	// Ping 连通性检查
	Ping(ctx context.Context) error

	// Close 关闭存储
	Close() error
}

// CompleteOp Complete 的参数
type CompleteOp struct {
	ResultKey  string
	Value      string
	TTL        time.Duration
	Processing string
	Raw        string
	Claims     string
	ID         string
}
