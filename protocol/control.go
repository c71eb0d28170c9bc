package protocol

import (
	"encoding/json"
)

// ControlVersion 是机器人固件解析的控制消息协议版本，固定为2。
const ControlVersion = 2

// 运动模式编码。16-19由线路抓包确认。
const (
	ModeUTurn       = 16
	ModeForward     = 17
	ModeRotateLeft  = 18
	ModeRotateRight = 19
)

// ModeTable 保存完整的模式编码表。Stop和GoHome的编码未经抓包确认，
// 作为配置项提供默认值，上线前需对照真机协议核对。
type ModeTable struct {
	Forward     int
	RotateLeft  int
	RotateRight int
	UTurn       int
	Stop        int
	GoHome      int
}

// DefaultModeTable 返回默认模式编码表。
func DefaultModeTable() ModeTable {
	return ModeTable{
		Forward:     ModeForward,
		RotateLeft:  ModeRotateLeft,
		RotateRight: ModeRotateRight,
		UTurn:       ModeUTurn,
		Stop:        20,
		GoHome:      21,
	}
}

// ControlMessage 是通过数据通道下发给机器人的控制消息。
// 键名和类型与固件解析严格一致，不得改动。
type ControlMessage struct {
	SeqID     uint64  `json:"seq_id"`
	Timestamp int64   `json:"timestamp"` // epoch毫秒
	Mode      int     `json:"mode"`
	Version   int     `json:"version"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// EncodeBody 将控制消息序列化为固件解析的JSON字节串。
func (c *ControlMessage) EncodeBody() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeControlBody 从JSON字节串还原控制消息，主要供网关侧和测试使用。
func DecodeControlBody(data []byte) (*ControlMessage, error) {
	var c ControlMessage
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
