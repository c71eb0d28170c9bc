// Package retry 提供机器人链路操作共用的超时与有界重试工具。
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// WithTimeout 使用超时执行函数。
func WithTimeout(ctx context.Context, timeout time.Duration, operation func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- operation()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		zap.L().Warn("操作超时", zap.Duration("timeout", timeout))
		return ctx.Err()
	}
}

// Do 以指数退避重试操作，最多尝试maxAttempts次。
// retryable返回false的错误立即向上传递，不再重试。
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, operation func() error) error {
	var lastErr error

	for i := 0; i < maxAttempts; i++ {
		err := operation()
		if err == nil {
			return nil
		}

		if retryable != nil && !retryable(err) {
			return err
		}

		lastErr = err
		zap.L().Warn("操作失败，正在重试",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))

		if i < maxAttempts-1 {
			// 指数退避
			waitTime := baseDelay * time.Duration(1<<uint(i))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}
	}

	return lastErr
}
