package retry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// FailureBudget 统计连续失败次数，超出预算后进入熔断状态，
// 经过resetTimeout后允许半开试探。用于把持续的投递失败
// 升级为链路级故障，而不是无限重试。
type FailureBudget struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailTime time.Time
	exhausted    bool
}

// NewFailureBudget 创建一个失败预算。
func NewFailureBudget(maxFailures int, resetTimeout time.Duration) *FailureBudget {
	return &FailureBudget{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Record 记录一次失败，返回预算是否已耗尽。
func (b *FailureBudget) Record() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailTime = time.Now()

	if b.failures >= b.maxFailures && !b.exhausted {
		b.exhausted = true
		zap.L().Warn("失败预算耗尽",
			zap.Int("failures", b.failures),
			zap.Int("max_failures", b.maxFailures))
	}
	return b.exhausted
}

// Reset 在一次成功后清零计数。
func (b *FailureBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.exhausted = false
}

// Exhausted 返回预算是否耗尽。耗尽后经过resetTimeout会自动
// 回到半开状态，允许再次试探。
func (b *FailureBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exhausted && time.Since(b.lastFailTime) > b.resetTimeout {
		b.exhausted = false
		b.failures = 0
	}
	return b.exhausted
}
