// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	mr, redisCfg := testutil.NewRedis(t)
//	worker := testutil.NewFakeWorker(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/batchflow/config"
	"github.com/alicebob/miniredis/v2"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 💾 协调存储辅助
// =============================================================================

// NewRedis 启动进程内 miniredis，并返回指向它的 Redis 配置。
// 测试结束时自动关闭。
func NewRedis(t testing.TB) (*miniredis.Miniredis, config.RedisConfig) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := config.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.PoolSize = 8
	cfg.MinIdleConns = 0
	return mr, cfg
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("condition did not become true within %v", timeout)
}

// =============================================================================
// ⏳ 等待辅助
// =============================================================================

// WaitForChannel 等待通道接收值
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 📦 数据辅助
// =============================================================================

// MustJSON 序列化为 JSON，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
