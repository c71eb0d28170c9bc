package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/transairobot/telebridge/credential"
	"github.com/transairobot/telebridge/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	deliverTimeout   = 5 * time.Second
)

// EventKind 标识链路事件类别。
type EventKind int

const (
	// RobotJoined 表示机器人发布端加入了频道
	RobotJoined EventKind = iota
	// RobotLeft 表示机器人发布端离开了频道
	RobotLeft
	// Disconnected 表示数据通道断开
	Disconnected
)

// Event 是链路上行事件。
type Event struct {
	Kind     EventKind
	Identity uint32
}

// JoinError 表示网关拒绝了入会请求。
type JoinError struct {
	Code    uint32
	Message string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("channel join rejected (code=%d): %s", e.Code, e.Message)
}

// Conn 是绑定到一个控制会话的数据通道连接。生命周期严格嵌套在
// 该会话的有效期内：入会、投递、离会都使用同一条有序流，
// 投递顺序即写入顺序。
type Conn struct {
	conn   *quic.Conn
	stream *quic.Stream
	sess   credential.Session
	events chan Event
	logger *zap.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Dial 连接流媒体网关并以给定会话入会。insecure跳过证书校验，
// 仅用于本地联调。
func Dial(ctx context.Context, sess credential.Session, insecure bool) (*Conn, error) {
	if sess.Role != credential.RoleControl {
		return nil, fmt.Errorf("data channel requires a control session, got role %q", sess.Role)
	}
	if sess.Edge == "" {
		return nil, fmt.Errorf("session carries no gateway edge address")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{"quic"},
	}

	qconn, err := quic.DialAddr(ctx, sess.Edge, tlsConfig, &quic.Config{
		MaxIdleTimeout:  3 * time.Minute,
		KeepAlivePeriod: 20 * time.Second,
	})
	if err != nil {
		return nil, &credential.TransientError{Op: "dial gateway", Err: err}
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(0, "open stream failed")
		return nil, &credential.TransientError{Op: "open stream", Err: err}
	}

	c := &Conn{
		conn:   qconn,
		stream: stream,
		sess:   sess,
		events: make(chan Event, 8),
		logger: zap.L(),
	}

	if err := c.join(); err != nil {
		stream.Close()
		qconn.CloseWithError(0, "join failed")
		return nil, err
	}

	go c.readLoop()

	c.logger.Info("已加入频道",
		zap.String("channel", sess.Channel),
		zap.Uint32("identity", sess.Identity),
		zap.String("edge", sess.Edge))

	return c, nil
}

// join 执行入会握手。
func (c *Conn) join() error {
	req := protocol.JoinRequest{
		Token:    c.sess.Token,
		Channel:  c.sess.Channel,
		Identity: c.sess.Identity,
		Role:     string(c.sess.Role),
	}

	body, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("failed to marshal join request: %w", err)
	}

	msg := protocol.NewMessage()
	msg.SetVersion(1)
	msg.SetTimestamp(uint64(time.Now().UnixMilli()))
	msg.SetIdentity(c.sess.Identity)
	msg.SetContentType(protocol.MessagePack)
	msg.SetHandleID(protocol.JoinChannel)
	msg.Body = body

	buf := msg.Encode()
	defer buf.Free()

	if err := c.stream.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := c.stream.Write(buf.ReadOnlyData()); err != nil {
		return &credential.TransientError{Op: "send join request", Err: err}
	}
	c.stream.SetWriteDeadline(time.Time{})

	if err := c.stream.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	ack := protocol.NewMessage()
	if err := ack.Decode(c.stream); err != nil {
		return &credential.TransientError{Op: "read join ack", Err: err}
	}
	c.stream.SetReadDeadline(time.Time{})

	if ack.HandleID != protocol.JoinAck {
		return fmt.Errorf("unexpected handshake reply: handle_id=%d", ack.HandleID)
	}

	var ackBody protocol.JoinAckBody
	if err := msgpack.Unmarshal(ack.Body, &ackBody); err != nil {
		return fmt.Errorf("failed to unmarshal join ack: %w", err)
	}

	if ackBody.Code != protocol.JoinOK {
		return &JoinError{Code: ackBody.Code, Message: ackBody.Message}
	}

	return nil
}

// Deliver 将一条控制消息按编码顺序写入数据通道。
// 可能阻塞在网络IO上，调用方负责把它放在定时线程之外。
func (c *Conn) Deliver(cm *protocol.ControlMessage) error {
	if c.closed.Load() {
		return fmt.Errorf("connection closed")
	}

	body, err := cm.EncodeBody()
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}

	msg := protocol.NewMessage()
	msg.SetVersion(1)
	msg.SetTimestamp(uint64(cm.Timestamp))
	msg.SetIdentity(c.sess.Identity)
	msg.SetContentType(protocol.Json)
	msg.SetHandleID(protocol.ControlData)
	msg.Body = body

	buf := msg.Encode()
	defer buf.Free()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.stream.SetWriteDeadline(time.Now().Add(deliverTimeout)); err != nil {
		return &credential.TransientError{Op: "set write deadline", Err: err}
	}
	if _, err := c.stream.Write(buf.ReadOnlyData()); err != nil {
		return &credential.TransientError{Op: "deliver control message", Err: err}
	}

	return nil
}

// Events 返回链路事件通道。
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Session 返回此连接绑定的控制会话。
func (c *Conn) Session() credential.Session {
	return c.sess
}

// readLoop 消费网关下行帧：机器人加入/离开通知、以及连接断开。
func (c *Conn) readLoop() {
	for {
		msg := protocol.NewMessage()
		if err := msg.Decode(c.stream); err != nil {
			if !c.closed.Load() {
				c.logger.Warn("数据通道断开", zap.Error(err))
				c.emit(Event{Kind: Disconnected})
			}
			return
		}

		switch msg.HandleID {
		case protocol.PeerEvent:
			var pe protocol.PeerEventBody
			if err := msgpack.Unmarshal(msg.Body, &pe); err != nil {
				c.logger.Warn("解析频道事件失败", zap.Error(err))
				continue
			}
			kind := RobotLeft
			if pe.Joined {
				kind = RobotJoined
			}
			c.emit(Event{Kind: kind, Identity: pe.Identity})
		default:
			c.logger.Debug("忽略未知下行帧", zap.Uint16("handle_id", msg.HandleID))
		}
	}
}

// emit 投递事件，通道满时丢弃最旧事件腾位。
func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

// Close 发送离会通知并关闭连接。
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// 尽力通知离会，失败不影响关闭
	msg := protocol.NewMessage()
	msg.SetVersion(1)
	msg.SetTimestamp(uint64(time.Now().UnixMilli()))
	msg.SetIdentity(c.sess.Identity)
	msg.SetContentType(protocol.MessagePack)
	msg.SetHandleID(protocol.LeaveChannel)

	buf := msg.Encode()
	c.writeMu.Lock()
	c.stream.SetWriteDeadline(time.Now().Add(time.Second))
	c.stream.Write(buf.ReadOnlyData())
	c.writeMu.Unlock()
	buf.Free()

	c.stream.Close()
	return c.conn.CloseWithError(0, "会话结束")
}
