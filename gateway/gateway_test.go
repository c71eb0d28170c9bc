package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transairobot/telebridge/credential"
	"github.com/transairobot/telebridge/protocol"
)

func testSession(edge string, identity uint32) credential.Session {
	return credential.Session{
		Role:      credential.RoleControl,
		Token:     "tok-1",
		Identity:  identity,
		Channel:   "room-1",
		Edge:      edge,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestDialJoinAndDeliver(t *testing.T) {
	gw, err := NewMockGateway()
	if err != nil {
		t.Fatalf("启动模拟网关失败: %v", err)
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Dial(ctx, testSession(gw.Addr(), 1001), true)
	if err != nil {
		t.Fatalf("连接网关失败: %v", err)
	}
	defer conn.Close()

	// 入会后应收到机器人发布端在场通知
	select {
	case ev := <-conn.Events():
		if ev.Kind != RobotJoined {
			t.Errorf("事件类别不匹配: 得到 %d, 期望 %d", ev.Kind, RobotJoined)
		}
		if ev.Identity != 50000 {
			t.Errorf("发布端身份不匹配: 得到 %d, 期望 50000", ev.Identity)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("等待机器人入会事件超时")
	}

	cm := &protocol.ControlMessage{
		SeqID:     7,
		Timestamp: time.Now().UnixMilli(),
		Mode:      protocol.ModeForward,
		Version:   protocol.ControlVersion,
		X:         1,
	}
	if err := conn.Deliver(cm); err != nil {
		t.Fatalf("投递控制消息失败: %v", err)
	}

	// 等待网关收到消息
	deadline := time.Now().Add(5 * time.Second)
	for {
		if received := gw.Received(); len(received) > 0 {
			got := received[0]
			if got.Identity != 1001 {
				t.Errorf("发送方身份不匹配: 得到 %d, 期望 1001", got.Identity)
			}
			if got.Message.Mode != protocol.ModeForward || got.Message.SeqID != 7 {
				t.Errorf("控制消息不匹配: 得到 %+v, 期望 %+v", got.Message, cm)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("等待网关收到控制消息超时")
		}
		time.Sleep(20 * time.Millisecond)
	}

	joins := gw.Joins()
	if len(joins) != 1 {
		t.Fatalf("入会记录数不匹配: 得到 %d, 期望 1", len(joins))
	}
	if joins[0].Role != "control" {
		t.Errorf("入会角色不匹配: 得到 %s, 期望 control", joins[0].Role)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	gw, err := NewMockGateway()
	if err != nil {
		t.Fatalf("启动模拟网关失败: %v", err)
	}
	defer gw.Close()

	gw.AllowToken("the-real-token")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = Dial(ctx, testSession(gw.Addr(), 1001), true)
	if err == nil {
		t.Fatal("期望无效令牌被拒绝，但入会成功")
	}

	var je *JoinError
	if !errors.As(err, &je) {
		t.Fatalf("错误类型不匹配: %v", err)
	}
	if je.Code != protocol.JoinBadToken {
		t.Errorf("拒绝码不匹配: 得到 %d, 期望 %d", je.Code, protocol.JoinBadToken)
	}
}

func TestDialRejectsBusyIdentity(t *testing.T) {
	gw, err := NewMockGateway()
	if err != nil {
		t.Fatalf("启动模拟网关失败: %v", err)
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := Dial(ctx, testSession(gw.Addr(), 1001), true)
	if err != nil {
		t.Fatalf("第一次入会失败: %v", err)
	}
	defer first.Close()

	_, err = Dial(ctx, testSession(gw.Addr(), 1001), true)
	var je *JoinError
	if !errors.As(err, &je) {
		t.Fatalf("期望身份冲突被拒绝: %v", err)
	}
	if je.Code != protocol.JoinIdentityBusy {
		t.Errorf("拒绝码不匹配: 得到 %d, 期望 %d", je.Code, protocol.JoinIdentityBusy)
	}
}

func TestDialRequiresControlSession(t *testing.T) {
	sess := testSession("127.0.0.1:1", 2002)
	sess.Role = credential.RoleViewer

	_, err := Dial(context.Background(), sess, true)
	if err == nil {
		t.Fatal("观看会话不应能建立数据通道")
	}
}

func TestDialRequiresEdge(t *testing.T) {
	sess := testSession("", 1001)
	_, err := Dial(context.Background(), sess, true)
	if err == nil {
		t.Fatal("缺少网关接入点应立即失败")
	}
}

func TestDialUnreachableEdgeIsTransient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// 无人监听的回环端口
	_, err := Dial(ctx, testSession("127.0.0.1:1", 1001), true)
	if err == nil {
		t.Fatal("期望连接失败")
	}
	if !credential.IsTransient(err) {
		t.Errorf("网络失败应归类为瞬时错误: %v", err)
	}
}

func TestConnCloseSendsLeave(t *testing.T) {
	gw, err := NewMockGateway()
	if err != nil {
		t.Fatalf("启动模拟网关失败: %v", err)
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Dial(ctx, testSession(gw.Addr(), 1001), true)
	if err != nil {
		t.Fatalf("连接网关失败: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("关闭连接失败: %v", err)
	}

	// 关闭后投递应被拒绝
	if err := conn.Deliver(&protocol.ControlMessage{}); err == nil {
		t.Error("关闭后的连接不应接受投递")
	}
}
