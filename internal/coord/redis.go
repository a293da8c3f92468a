package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 协调存储
// =============================================================================

// transferScript 条件转移：只有 old 确实被删除时才写入 dst，避免重复或丢失
var transferScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
if n > 0 then
  redis.call('RPUSH', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// releaseScript 归还 worker：已注销的 worker 不会被放回 idle
var releaseScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
if n > 0 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// completeScript 写结果并清理 processing 条目与认领时间戳
var completeScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('LREM', KEYS[2], 1, ARGV[3])
redis.call('HDEL', KEYS[3], ARGV[4])
return 1
`)

// RedisStore 基于 go-redis 的 Store 实现
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore 创建 Redis 协调存储并检查连通性
func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		PoolSize:              cfg.PoolSize,
		MinIdleConns:          cfg.MinIdleConns,
		DialTimeout:           cfg.DialTimeout,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ContextTimeoutEnabled: true,
		TLSConfig:             tlsutil.RedisTLSConfig(cfg.TLS),
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger.With(zap.String("component", "coord")),
	}

	logger.Info("coordination store initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize),
		zap.String("key_prefix", cfg.KeyPrefix),
	)

	return s, nil
}

// key 加上键前缀
func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// 🎯 列表操作
// =============================================================================

// Push 追加到列表尾部
func (s *RedisStore) Push(ctx context.Context, list string, values ...string) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, s.key(list), args...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", list, err)
	}
	return nil
}

// Move 阻塞搬移。
// go-redis 的 BLMove 会把亚秒超时截断为整秒，这里直接发送带小数的超时。
func (s *RedisStore) Move(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}

	var (
		val string
		err error
	)
	if timeout < time.Millisecond {
		val, err = s.client.LMove(ctx, s.key(src), s.key(dst), "LEFT", "RIGHT").Result()
	} else {
		secs := strconv.FormatFloat(timeout.Seconds(), 'f', 3, 64)
		val, err = s.client.Do(ctx, "BLMOVE", s.key(src), s.key(dst), "LEFT", "RIGHT", secs).Text()
	}

	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}
	return val, nil
}

// Remove 删除第一个匹配元素
func (s *RedisStore) Remove(ctx context.Context, list, value string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	n, err := s.client.LRem(ctx, s.key(list), 1, value).Result()
	if err != nil {
		return 0, fmt.Errorf("lrem %s: %w", list, err)
	}
	return n, nil
}

// Transfer 条件转移
func (s *RedisStore) Transfer(ctx context.Context, src, dst, old, replacement string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	n, err := transferScript.Run(ctx, s.client, []string{s.key(src), s.key(dst)}, old, replacement).Int()
	if err != nil {
		return false, fmt.Errorf("transfer %s -> %s: %w", src, dst, err)
	}
	return n == 1, nil
}

// Len 列表长度
func (s *RedisStore) Len(ctx context.Context, list string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	n, err := s.client.LLen(ctx, s.key(list)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", list, err)
	}
	return n, nil
}

// Range 列表快照
func (s *RedisStore) Range(ctx context.Context, list string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	vals, err := s.client.LRange(ctx, s.key(list), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", list, err)
	}
	return vals, nil
}

// =============================================================================
// 🔑 键值操作
// =============================================================================

// SetTTL 写入带过期时间的值
func (s *RedisStore) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		s.logger.Error("set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get 读取值
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Delete 删除键
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		s.logger.Error("delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// =============================================================================
// ⏱️ 认领时间戳
// =============================================================================

// Stamp 记录毫秒时间戳
func (s *RedisStore) Stamp(ctx context.Context, hash, field string, t time.Time) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(hash), field, t.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", hash, err)
	}
	return nil
}

// StampIfAbsent 仅在字段不存在时记录
func (s *RedisStore) StampIfAbsent(ctx context.Context, hash, field string, t time.Time) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	ok, err := s.client.HSetNX(ctx, s.key(hash), field, t.UnixMilli()).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx %s: %w", hash, err)
	}
	return ok, nil
}

// Stamps 读取全部时间戳，无法解析的字段会被跳过
func (s *RedisStore) Stamps(ctx context.Context, hash string) (map[string]time.Time, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	raw, err := s.client.HGetAll(ctx, s.key(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", hash, err)
	}

	out := make(map[string]time.Time, len(raw))
	for field, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.logger.Warn("skipping malformed stamp", zap.String("hash", hash), zap.String("field", field))
			continue
		}
		out[field] = time.UnixMilli(ms)
	}
	return out, nil
}

// Unstamp 删除时间戳
func (s *RedisStore) Unstamp(ctx context.Context, hash string, fields ...string) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key(hash), fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", hash, err)
	}
	return nil
}

// =============================================================================
// ⚛️ 组合操作
// =============================================================================

// Complete 写结果并清理 processing
func (s *RedisStore) Complete(ctx context.Context, op CompleteOp) error {
	if err := s.check(); err != nil {
		return err
	}
	keys := []string{s.key(op.ResultKey), s.key(op.Processing), s.key(op.Claims)}
	ttl := op.TTL.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	if err := completeScript.Run(ctx, s.client, keys, op.Value, ttl, op.Raw, op.ID).Err(); err != nil {
		s.logger.Error("complete failed", zap.String("key", op.ResultKey), zap.Error(err))
		return fmt.Errorf("complete %s: %w", op.ResultKey, err)
	}
	return nil
}

// Release 归还 worker
func (s *RedisStore) Release(ctx context.Context, busy, idle, addr string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(busy), s.key(idle)}, addr).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", addr, err)
	}
	return n == 1, nil
}

// =============================================================================
// 🏥 连接管理
// =============================================================================

// Ping 检查 Redis 连接
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close 关闭存储
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.logger.Info("closing coordination store")

	return s.client.Close()
}
