package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy 定义退避策略配置
type Policy struct {
	MaxRetries      int                                               // 最大重试次数（0 表示不重试），循环退避忽略此项
	InitialDelay    time.Duration                                     // 初始延迟时间
	MaxDelay        time.Duration                                     // 最大延迟时间
	Multiplier      float64                                           // 延迟时间倍增因子（指数退避）
	Jitter          bool                                              // 是否添加随机抖动
	RetryableErrors []error                                           // 可重试的错误（为空则重试所有错误）
	OnRetry         func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 返回默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// normalized 修正非法参数
func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay 计算第 attempt 次重试前的延迟（attempt 从 1 开始）
// 指数退避 + 可选的 ±25% 抖动，结果落在 [InitialDelay, MaxDelay] 内
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))

	if p.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}

	return time.Duration(delay)
}

// =============================================================================
// 🔁 循环退避
// =============================================================================

// Backoff 常驻循环使用的退避器：没有次数上限，成功后 Reset。
// 非并发安全，每个循环持有一个。
type Backoff struct {
	policy  Policy
	attempt int
}

// NewBackoff 创建循环退避器
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		policy: Policy{
			InitialDelay: initial,
			MaxDelay:     max,
			Multiplier:   2.0,
			Jitter:       true,
		}.normalized(),
	}
}

// Next 返回下一次等待时间并累加失败次数
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.policy.Delay(b.attempt)
}

// Attempt 连续失败次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset 清零失败次数
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Wait 等待下一次退避时间，ctx 取消时提前返回
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
