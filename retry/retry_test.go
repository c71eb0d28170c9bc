package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 3, time.Millisecond, nil, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("期望最终成功，但得到错误: %v", err)
	}
	if attempts != 3 {
		t.Errorf("尝试次数不匹配: 得到 %d, 期望 3", attempts)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("credential rejected")
	attempts := 0

	err := Do(context.Background(), 3, time.Millisecond, func(err error) bool {
		return !errors.Is(err, fatal)
	}, func() error {
		attempts++
		return fatal
	})

	if !errors.Is(err, fatal) {
		t.Fatalf("错误不匹配: 得到 %v, 期望 %v", err, fatal)
	}
	if attempts != 1 {
		t.Errorf("不可重试错误不应重试: 尝试了 %d 次", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 3, time.Millisecond, nil, func() error {
		attempts++
		return errors.New("still failing")
	})

	if err == nil {
		t.Fatal("期望返回最后一次错误")
	}
	if attempts != 3 {
		t.Errorf("尝试次数不匹配: 得到 %d, 期望 3", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, 5, time.Second, nil, func() error {
		return errors.New("transient")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("错误不匹配: 得到 %v, 期望 %v", err, context.Canceled)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 50*time.Millisecond, func() error {
		return nil
	})
	if err != nil {
		t.Errorf("期望操作成功，但得到错误: %v", err)
	}

	err = WithTimeout(context.Background(), 20*time.Millisecond, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("错误不匹配: 得到 %v, 期望 %v", err, context.DeadlineExceeded)
	}
}

func TestFailureBudget(t *testing.T) {
	b := NewFailureBudget(3, time.Minute)

	if b.Record() {
		t.Error("第一次失败不应耗尽预算")
	}
	if b.Record() {
		t.Error("第二次失败不应耗尽预算")
	}
	if !b.Record() {
		t.Error("第三次失败应耗尽预算")
	}
	if !b.Exhausted() {
		t.Error("预算应处于耗尽状态")
	}

	b.Reset()
	if b.Exhausted() {
		t.Error("重置后预算不应耗尽")
	}
	if b.Record() {
		t.Error("重置后计数应从零开始")
	}
}

func TestFailureBudgetHalfOpen(t *testing.T) {
	b := NewFailureBudget(1, 20*time.Millisecond)

	if !b.Record() {
		t.Fatal("预算应立即耗尽")
	}

	// 超过resetTimeout后回到半开状态
	time.Sleep(50 * time.Millisecond)
	if b.Exhausted() {
		t.Error("超时后预算应回到半开状态")
	}
}
