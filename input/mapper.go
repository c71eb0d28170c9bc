package input

import (
	"math"
)

// DeadZone 是手柄摇杆的死区阈值，偏转幅度低于该值视为停止。
const DeadZone = 0.15

// Update 是中继端点收到的一次原始输入状态。
// X为前进方向的偏转，Y为旋转方向的偏转，均在[-1,1]内。
type Update struct {
	X      float64
	Y      float64
	Action Action
	Source Source
}

// Producer 将某一来源的原始输入归一化为方向向量和离散动作。
// 每种输入来源各有一个实现，统一在Normalize能力之后。
type Producer interface {
	Normalize(u Update) (Vector, Action)
}

// ProducerFor 返回指定来源的Producer。未知来源按屏幕按钮处理。
func ProducerFor(s Source) Producer {
	switch s {
	case SourceKeyboard:
		return keyboardProducer{}
	case SourceGamepad:
		return gamepadProducer{}
	default:
		return onScreenProducer{}
	}
}

// keyboardProducer 处理键盘组合键。组合键只产生固定的离散方向，
// 不产生连续向量。
type keyboardProducer struct{}

func (keyboardProducer) Normalize(u Update) (Vector, Action) {
	if u.Action != ActionNone {
		return canonicalVector(u.Action), u.Action
	}
	return normalizeVector(u.X, u.Y, 0)
}

// onScreenProducer 处理页面上的方向按钮。
type onScreenProducer struct{}

func (onScreenProducer) Normalize(u Update) (Vector, Action) {
	if u.Action != ActionNone {
		return canonicalVector(u.Action), u.Action
	}
	return normalizeVector(u.X, u.Y, 0)
}

// gamepadProducer 处理HID手柄的摇杆和按键。摇杆偏转直接映射为
// (x, y)，带死区；离散动作键优先于同周期的摇杆输入。
type gamepadProducer struct{}

func (gamepadProducer) Normalize(u Update) (Vector, Action) {
	if u.Action != ActionNone {
		return canonicalVector(u.Action), u.Action
	}
	return normalizeVector(u.X, u.Y, DeadZone)
}

// normalizeVector 是各来源共用的向量归一化路径：限幅、死区、
// 后退抑制，再从向量推导离散动作。
//
// 后退抑制是安全策略而非传输限制：任何前进分量为负的偏转
// 一律归零上报，绝不取反变成倒车。
func normalizeVector(x, y, deadZone float64) (Vector, Action) {
	x = clamp(x)
	y = clamp(y)

	if math.Hypot(x, y) < deadZone {
		return Vector{}, ActionStop
	}

	if x < 0 {
		return Vector{}, ActionStop
	}

	v := Vector{X: x, Y: y}
	if v.IsZero() {
		return v, ActionStop
	}

	if math.Abs(y) > x {
		if y < 0 {
			return v, ActionRotateLeft
		}
		return v, ActionRotateRight
	}
	return v, ActionForward
}

// canonicalVector 返回离散动作对应的规范向量。
func canonicalVector(a Action) Vector {
	switch a {
	case ActionForward:
		return Vector{X: 1}
	case ActionRotateLeft:
		return Vector{Y: -1}
	case ActionRotateRight:
		return Vector{Y: 1}
	case ActionUTurn:
		return Vector{X: 1}
	default:
		// Stop、GoHome等动作不携带方向
		return Vector{}
	}
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f > 1:
		return 1
	case f < -1:
		return -1
	default:
		return f
	}
}
