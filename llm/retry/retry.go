package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Do 执行 fn，失败时按策略重试
func Do(ctx context.Context, policy Policy, logger *zap.Logger, fn func() error) error {
	_, err := DoWithResult(ctx, policy, logger, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult 执行 fn 并返回结果，失败时按策略重试
func DoWithResult[T any](ctx context.Context, policy Policy, logger *zap.Logger, fn func() (T, error)) (T, error) {
	policy = policy.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		// 第一次执行不延迟
		if attempt > 0 {
			delay := policy.Delay(attempt)

			logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		result, err := fn()
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !policy.isRetryable(err) {
			return zero, err
		}
	}

	logger.Warn("retries exhausted",
		zap.Int("attempts", policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return zero, fmt.Errorf("failed after %d retries: %w", policy.MaxRetries, lastErr)
}

// isRetryable 检查错误是否可重试
func (p Policy) isRetryable(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if len(p.RetryableErrors) == 0 {
		return true
	}
	for _, retryableErr := range p.RetryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}

// PermanentError 标记不应重试的错误
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent 包装为不可重试错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
