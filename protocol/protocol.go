package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	"go.uber.org/zap"

	"github.com/transairobot/telebridge/mem"
)

// 控制链路只承载控制消息和入会握手，消息体不会很大。
const maxBodyLength = 64 * 1024

const (
	// magicNumber 用于校验消息是否采用本协议
	magicNumber uint32 = 0x5442

	// serializedHeaderSize 是Header在线路上的编码长度
	serializedHeaderSize = 32
)

// 消息体编码格式
const (
	MessagePack uint16 = iota + 1
	Json
	Unknown
)

// 消息类型
const (
	JoinChannel  uint16 = iota + 1 // 客户端请求加入频道
	JoinAck                        // 网关对入会请求的应答
	ControlData                    // 控制消息，消息体为机器人固件解析的JSON
	LeaveChannel                   // 客户端主动离开频道
	PeerEvent                      // 频道内其他身份的加入/离开通知
)

type Header struct {
	Magic       uint32
	Version     uint32
	BodyLength  uint64
	Timestamp   uint64 // ms
	Identity    uint32 // 发送方在频道内的身份标识
	ContentType uint16
	HandleID    uint16
}

type Message struct {
	*Header
	Body []byte
}

func NewMessage() *Message {
	header := &Header{
		Magic: magicNumber,
	}
	return &Message{
		Header: header,
	}
}

func (m *Message) SetVersion(version uint32) {
	m.Version = version
}

func (m *Message) SetTimestamp(timestamp uint64) {
	m.Timestamp = timestamp
}

func (m *Message) SetIdentity(identity uint32) {
	m.Identity = identity
}

func (m *Message) SetContentType(contentTyp uint16) {
	m.ContentType = contentTyp
}

func (m *Message) SetHandleID(handleID uint16) {
	m.HandleID = handleID
}

func (m *Message) Encode() mem.Buffer {
	bodyLen := len(m.Body)
	m.BodyLength = uint64(bodyLen)

	totalLen := serializedHeaderSize + bodyLen

	pool := mem.DefaultBufferPool()
	buf := pool.Get(totalLen)

	// 按小端序顺序写入 Header
	offset := 0
	binary.LittleEndian.PutUint32((*buf)[offset:], m.Magic) // offset 0-3
	offset += 4
	binary.LittleEndian.PutUint32((*buf)[offset:], m.Version) // offset 4-7
	offset += 4
	binary.LittleEndian.PutUint64((*buf)[offset:], m.BodyLength) // offset 8-15
	offset += 8
	binary.LittleEndian.PutUint64((*buf)[offset:], m.Timestamp) // offset 16-23
	offset += 8
	binary.LittleEndian.PutUint32((*buf)[offset:], m.Identity) // offset 24-27
	offset += 4
	binary.LittleEndian.PutUint16((*buf)[offset:], m.ContentType) // offset 28-29
	offset += 2
	binary.LittleEndian.PutUint16((*buf)[offset:], m.HandleID) // offset 30-31
	offset += 2

	// 写入 Body
	copy((*buf)[offset:], m.Body)

	return mem.NewBuffer(buf, pool)
}

func (m *Message) Decode(r io.Reader) error {
	defer func() {
		if err := recover(); err != nil {
			var errStack = make([]byte, 1024)
			n := runtime.Stack(errStack, true)
			zap.L().Error(fmt.Sprintf("panic in message decode: %v, stack: %s", err, errStack[:n]))
		}
	}()

	// 读取 Header 部分
	headerBuf := make([]byte, serializedHeaderSize)
	n, err := io.ReadFull(r, headerBuf)
	if err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("stream closed or insufficient data (%d/%d bytes): %w", n, serializedHeaderSize, err)
		}
		return fmt.Errorf("failed to read header (%d/%d bytes): %w", n, serializedHeaderSize, err)
	}

	// 逐个字段从小端序解码 Header
	offset := 0
	m.Magic = binary.LittleEndian.Uint32(headerBuf[offset:])
	offset += 4

	if m.Magic != magicNumber {
		// 是否是流关闭
		if m.Magic == 0 {
			return fmt.Errorf("stream appears to be closed (magic=0x0)")
		}
		return fmt.Errorf("invalid magic number: got 0x%x, expected 0x%x (raw bytes: %x)", m.Magic, magicNumber, headerBuf[:4])
	}

	m.Version = binary.LittleEndian.Uint32(headerBuf[offset:])
	offset += 4
	m.BodyLength = binary.LittleEndian.Uint64(headerBuf[offset:])
	offset += 8
	m.Timestamp = binary.LittleEndian.Uint64(headerBuf[offset:])
	offset += 8
	m.Identity = binary.LittleEndian.Uint32(headerBuf[offset:])
	offset += 4
	m.ContentType = binary.LittleEndian.Uint16(headerBuf[offset:])
	offset += 2
	m.HandleID = binary.LittleEndian.Uint16(headerBuf[offset:])
	offset += 2

	if m.BodyLength > maxBodyLength {
		return fmt.Errorf("body length too large: %d bytes (max: %d)", m.BodyLength, maxBodyLength)
	}

	// 根据 Header 中的 BodyLength 读取 Body 部分
	if m.BodyLength > 0 {
		m.Body = make([]byte, m.BodyLength)
		n, err = io.ReadFull(r, m.Body)
		if err != nil {
			return fmt.Errorf("failed to read body (%d/%d bytes): %w", n, m.BodyLength, err)
		}
	} else {
		m.Body = nil
	}

	return nil
}
