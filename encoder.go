package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/transairobot/telebridge/input"
	"github.com/transairobot/telebridge/protocol"
)

// MessageSink 接收编码器产出的控制消息。真实实现为SessionManager。
type MessageSink interface {
	Offer(cm *protocol.ControlMessage)
	Epoch() uint64
}

// Encoder 在固定周期上把当前输入状态编码为控制消息。发送节奏与
// 输入事件到达率解耦：快速轮询的手柄不会冲垮传输层，带宽和
// 控制延迟都有界（最坏一个周期）。输入空闲时照常发送——
// 静默会让在途指令在机器人侧"粘住"，空闲时稳定重复停止
// （零向量）正是设计的安全行为。
type Encoder struct {
	cell     *input.Cell
	sink     MessageSink
	interval time.Duration
	modes    protocol.ModeTable
	logger   *zap.Logger

	seq    atomic.Uint64
	epoch  uint64
	lastTS int64
}

// NewEncoder 创建编码器。
func NewEncoder(cell *input.Cell, sink MessageSink, interval time.Duration, modes protocol.ModeTable) *Encoder {
	return &Encoder{
		cell:     cell,
		sink:     sink,
		interval: interval,
		modes:    modes,
		logger:   zap.L(),
	}
}

// Run 启动固定周期编码循环，阻塞到ctx取消。
func (e *Encoder) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("编码器已启动", zap.Duration("interval", e.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

// tick 读取输入快照并产出一条控制消息。
func (e *Encoder) tick(now time.Time) {
	// 会话纪元变更时序列号归零：序列号只在单个会话内单调递增
	if epoch := e.sink.Epoch(); epoch != e.epoch {
		e.epoch = epoch
		e.seq.Store(0)
		e.lastTS = 0
	}

	vec, action, _ := e.cell.Snapshot()

	// 时间戳跨消息不回退
	ts := now.UnixMilli()
	if ts < e.lastTS {
		ts = e.lastTS
	}
	e.lastTS = ts

	cm := &protocol.ControlMessage{
		SeqID:     e.seq.Add(1) - 1,
		Timestamp: ts,
		Mode:      e.modeFor(action),
		Version:   protocol.ControlVersion,
		X:         vec.X,
		Y:         vec.Y,
	}

	// 投递相对于节拍是即发即忘的，不会阻塞下一拍
	e.sink.Offer(cm)
}

// modeFor 把离散动作映射到线路模式编码。
func (e *Encoder) modeFor(a input.Action) int {
	switch a {
	case input.ActionForward:
		return e.modes.Forward
	case input.ActionRotateLeft:
		return e.modes.RotateLeft
	case input.ActionRotateRight:
		return e.modes.RotateRight
	case input.ActionUTurn:
		return e.modes.UTurn
	case input.ActionGoHome:
		return e.modes.GoHome
	default:
		return e.modes.Stop
	}
}

// Seq 返回已发出的消息数（下一个序列号），供状态查询使用。
func (e *Encoder) Seq() uint64 {
	return e.seq.Load()
}
