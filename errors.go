package bridge

import (
	"fmt"
)

// ProtocolViolation 表示中继端点收到了畸形输入。这类错误只影响
// 当次请求：以客户端错误拒绝，中继状态和当前运动意图不变。
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// ChannelDisconnect 表示数据通道断开，触发降级和有界自动重连。
type ChannelDisconnect struct {
	Err error
}

func (e *ChannelDisconnect) Error() string {
	return fmt.Sprintf("channel disconnected: %v", e.Err)
}

func (e *ChannelDisconnect) Unwrap() error {
	return e.Err
}
