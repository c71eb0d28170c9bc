package input

import (
	"sync"
)

// Cell 是端点写入、编码器读取的当前输入状态。
// 互斥锁保证读方总是拿到完整一致的(向量, 动作)组合，不会读到
// 撕裂的中间状态。不保留历史输入，只有最新意图有意义。
type Cell struct {
	mu     sync.Mutex
	vec    Vector
	action Action
	source Source
}

// NewCell 返回初始为停止状态的输入单元。
func NewCell() *Cell {
	return &Cell{action: ActionStop}
}

// Set 用最新一次归一化输入覆盖当前状态。最后写入的来源生效。
func (c *Cell) Set(v Vector, a Action, s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vec = v
	c.action = a
	c.source = s
}

// Snapshot 返回当前状态的一致快照。一次性动作（掉头、回桩）
// 读取后即清除，只作用一个消息周期，之后回落到停止。
func (c *Cell) Snapshot() (Vector, Action, Source) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, a, s := c.vec, c.action, c.source
	if oneShot(a) {
		c.vec = Vector{}
		c.action = ActionStop
	}
	return v, a, s
}

// Peek 返回当前状态但不消费一次性动作，供状态查询使用。
func (c *Cell) Peek() (Vector, Action, Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vec, c.action, c.source
}
