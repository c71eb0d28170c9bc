package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/transairobot/telebridge/protocol"
)

// ReceivedControl 是模拟网关收到的一条控制消息及其发送方身份。
type ReceivedControl struct {
	Identity uint32
	Message  protocol.ControlMessage
}

// MockGateway 实现网关的服务端：校验入会、转发频道事件、
// 记录收到的控制消息。供集成测试和本地联调使用，
// 真机环境由厂商边缘节点承担这一角色。
type MockGateway struct {
	lis    *quic.Listener
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	validTokens map[string]bool
	identities  map[uint32]bool
	joins       []protocol.JoinRequest
	received    []ReceivedControl

	// publishIdentity 是模拟的机器人发布端身份
	publishIdentity uint32
}

// NewMockGateway 在回环地址上启动模拟网关。
func NewMockGateway() (*MockGateway, error) {
	cert, err := generateEphemeralCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"quic"},
	}

	listener, err := quic.ListenAddr("127.0.0.1:0", tlsConfig, &quic.Config{
		MaxIdleTimeout:  3 * time.Minute,
		KeepAlivePeriod: 20 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &MockGateway{
		lis:             listener,
		logger:          zap.L(),
		ctx:             ctx,
		cancel:          cancel,
		validTokens:     make(map[string]bool),
		identities:      make(map[uint32]bool),
		publishIdentity: 50000,
	}

	go g.acceptLoop()

	g.logger.Info("模拟网关已启动", zap.String("addr", g.Addr()))
	return g, nil
}

// Addr 返回网关监听地址。
func (g *MockGateway) Addr() string {
	return g.lis.Addr().String()
}

// AllowToken 注册一个有效令牌。注册过任何令牌后，
// 携带未注册令牌的入会请求会被拒绝。
func (g *MockGateway) AllowToken(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validTokens[token] = true
}

// Received 返回已收到的控制消息副本。
func (g *MockGateway) Received() []ReceivedControl {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ReceivedControl, len(g.received))
	copy(out, g.received)
	return out
}

// Joins 返回已接受的入会请求副本。
func (g *MockGateway) Joins() []protocol.JoinRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]protocol.JoinRequest, len(g.joins))
	copy(out, g.joins)
	return out
}

// Close 停止网关。
func (g *MockGateway) Close() error {
	g.cancel()
	return g.lis.Close()
}

func (g *MockGateway) acceptLoop() {
	for {
		conn, err := g.lis.Accept(g.ctx)
		if err != nil {
			select {
			case <-g.ctx.Done():
				return
			default:
				g.logger.Error("接受连接失败", zap.Error(err))
				continue
			}
		}

		go g.handleConnection(conn)
	}
}

func (g *MockGateway) handleConnection(conn *quic.Conn) {
	defer conn.CloseWithError(0, "会话结束")

	stream, err := conn.AcceptStream(g.ctx)
	if err != nil {
		g.logger.Debug("接受流失败", zap.Error(err))
		return
	}
	defer stream.Close()

	// 首帧必须是入会请求
	msg := protocol.NewMessage()
	if err := msg.Decode(stream); err != nil {
		g.logger.Debug("解码消息失败", zap.Error(err))
		return
	}
	if msg.HandleID != protocol.JoinChannel {
		g.logger.Warn("首帧不是入会请求", zap.Uint16("handle_id", msg.HandleID))
		return
	}

	var req protocol.JoinRequest
	if err := msgpack.Unmarshal(msg.Body, &req); err != nil {
		g.logger.Error("反序列化入会请求失败", zap.Error(err))
		return
	}

	code := g.admit(&req)
	g.sendAck(stream, code)
	if code != protocol.JoinOK {
		g.logger.Info("入会被拒绝",
			zap.Uint32("identity", req.Identity),
			zap.Uint32("code", code))
		return
	}
	defer g.releaseIdentity(req.Identity)

	// 模拟机器人发布端在场
	g.sendPeerEvent(stream, g.publishIdentity, true)

	g.logger.Info("客户端已入会",
		zap.String("channel", req.Channel),
		zap.Uint32("identity", req.Identity),
		zap.String("role", req.Role))

	for {
		frame := protocol.NewMessage()
		if err := frame.Decode(stream); err != nil {
			g.logger.Debug("客户端断开", zap.Uint32("identity", req.Identity))
			return
		}

		switch frame.HandleID {
		case protocol.ControlData:
			cm, err := protocol.DecodeControlBody(frame.Body)
			if err != nil {
				g.logger.Error("解析控制消息失败", zap.Error(err))
				continue
			}
			g.mu.Lock()
			g.received = append(g.received, ReceivedControl{
				Identity: frame.Identity,
				Message:  *cm,
			})
			g.mu.Unlock()
		case protocol.LeaveChannel:
			g.logger.Info("客户端离会", zap.Uint32("identity", req.Identity))
			return
		default:
			g.logger.Warn("未知消息类型", zap.Uint16("handle_id", frame.HandleID))
		}
	}
}

// admit 校验入会请求，返回应答码。
func (g *MockGateway) admit(req *protocol.JoinRequest) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.validTokens) > 0 && !g.validTokens[req.Token] {
		return protocol.JoinBadToken
	}
	if req.Channel == "" {
		return protocol.JoinBadChannel
	}
	if g.identities[req.Identity] {
		return protocol.JoinIdentityBusy
	}

	g.identities[req.Identity] = true
	g.joins = append(g.joins, *req)
	return protocol.JoinOK
}

func (g *MockGateway) releaseIdentity(identity uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.identities, identity)
}

func (g *MockGateway) sendAck(stream *quic.Stream, code uint32) {
	body, err := msgpack.Marshal(&protocol.JoinAckBody{
		Code:            code,
		PublishIdentity: g.publishIdentity,
	})
	if err != nil {
		g.logger.Error("序列化入会应答失败", zap.Error(err))
		return
	}

	response := protocol.NewMessage()
	response.SetVersion(1)
	response.SetTimestamp(uint64(time.Now().UnixMilli()))
	response.SetContentType(protocol.MessagePack)
	response.SetHandleID(protocol.JoinAck)
	response.Body = body

	buf := response.Encode()
	defer buf.Free()

	if _, err := stream.Write(buf.ReadOnlyData()); err != nil {
		g.logger.Error("发送入会应答失败", zap.Error(err))
	}
}

func (g *MockGateway) sendPeerEvent(stream *quic.Stream, identity uint32, joined bool) {
	body, err := msgpack.Marshal(&protocol.PeerEventBody{
		Identity: identity,
		Joined:   joined,
	})
	if err != nil {
		g.logger.Error("序列化频道事件失败", zap.Error(err))
		return
	}

	msg := protocol.NewMessage()
	msg.SetVersion(1)
	msg.SetTimestamp(uint64(time.Now().UnixMilli()))
	msg.SetContentType(protocol.MessagePack)
	msg.SetHandleID(protocol.PeerEvent)
	msg.Body = body

	buf := msg.Encode()
	defer buf.Free()

	if _, err := stream.Write(buf.ReadOnlyData()); err != nil {
		g.logger.Error("发送频道事件失败", zap.Error(err))
	}
}
