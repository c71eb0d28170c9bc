package input

// Vector 是归一化后的方向向量。X为前进分量，经安全策略约束后
// 落在[0,1]；Y为旋转分量，落在[-1,1]，负值左转。
// 系统不会向下游转发未归一化的原始模拟量。
type Vector struct {
	X float64
	Y float64
}

// IsZero 判断是否为零向量。
func (v Vector) IsZero() bool {
	return v.X == 0 && v.Y == 0
}

// Source 标识输入来源。
type Source string

const (
	SourceKeyboard Source = "keyboard"
	SourceOnScreen Source = "onscreen"
	SourceGamepad  Source = "gamepad"
)

// Action 是离散动作编码。
type Action int

const (
	ActionNone Action = iota
	ActionForward
	ActionRotateLeft
	ActionRotateRight
	ActionUTurn
	ActionGoHome
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionRotateLeft:
		return "rotate_left"
	case ActionRotateRight:
		return "rotate_right"
	case ActionUTurn:
		return "u_turn"
	case ActionGoHome:
		return "go_home"
	case ActionStop:
		return "stop"
	default:
		return "none"
	}
}

// ParseAction 解析来自操作端的动作名。未知动作名返回false。
func ParseAction(name string) (Action, bool) {
	switch name {
	case "forward":
		return ActionForward, true
	case "rotate_left":
		return ActionRotateLeft, true
	case "rotate_right":
		return ActionRotateRight, true
	case "u_turn":
		return ActionUTurn, true
	case "go_home":
		return ActionGoHome, true
	case "stop":
		return ActionStop, true
	case "", "none":
		return ActionNone, true
	default:
		return ActionNone, false
	}
}

// oneShot 判断动作是否只作用一个消息周期。
// 离散动作优先于同周期的连续方向输入，发出一次后即失效；
// 方向性动作和Stop代表持续意图，保持到下一次输入覆盖。
func oneShot(a Action) bool {
	return a == ActionUTurn || a == ActionGoHome
}
