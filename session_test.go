package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/transairobot/telebridge/credential"
	"github.com/transairobot/telebridge/gateway"
	"github.com/transairobot/telebridge/protocol"
)

// fakeIssuer 按调用次数签发递增身份的会话对。
type fakeIssuer struct {
	mu    sync.Mutex
	count int
	ttl   time.Duration
	err   error
}

func (f *fakeIssuer) IssueSessions(_ context.Context) (credential.Session, credential.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return credential.Session{}, credential.Session{}, f.err
	}

	f.count++
	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	n := uint32(f.count)

	control := credential.Session{
		Role:      credential.RoleControl,
		Token:     fmt.Sprintf("tok-%d", n),
		Identity:  1000 + n,
		Channel:   "room-1",
		Edge:      "127.0.0.1:7000",
		ExpiresAt: time.Now().Add(ttl),
	}
	viewer := control
	viewer.Role = credential.RoleViewer
	viewer.Identity = 2000 + n
	return control, viewer, nil
}

func (f *fakeIssuer) issued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// fakeConn 记录投递并按脚本失败。
type fakeConn struct {
	mu        sync.Mutex
	delivered []*protocol.ControlMessage
	attempts  int
	failNext  int
	failAll   bool
	closed    bool
	events    chan gateway.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan gateway.Event, 4)}
}

func (c *fakeConn) Deliver(cm *protocol.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	if c.failAll || c.failNext > 0 {
		if c.failNext > 0 {
			c.failNext--
		}
		return &credential.TransientError{Op: "deliver", Err: errors.New("write reset")}
	}
	c.delivered = append(c.delivered, cm)
	return nil
}

func (c *fakeConn) Events() <-chan gateway.Event {
	return c.events
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) deliveredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func (c *fakeConn) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// fakeDialer 为每次拨号返回一个新的fakeConn。
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(_ context.Context, _ credential.Session) (ChannelConn, error) {
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待条件超时: %s", msg)
}

func newTestManager(t *testing.T, issuer *fakeIssuer, dialer *fakeDialer, margin time.Duration) *SessionManager {
	t.Helper()
	m := NewSessionManager(issuer, dialer.dial, margin)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("启动会话管理器失败: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSessionManagerStartAndClose(t *testing.T) {
	issuer := &fakeIssuer{}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, time.Minute)

	if m.State() != StateConnected {
		t.Errorf("状态不匹配: 得到 %s, 期望 %s", m.State(), StateConnected)
	}
	if m.Epoch() != 1 {
		t.Errorf("纪元不匹配: 得到 %d, 期望 1", m.Epoch())
	}
	if issuer.issued() != 1 {
		t.Errorf("签发次数不匹配: 得到 %d, 期望 1", issuer.issued())
	}

	ctrl := m.ControlSession()
	viewer := m.ViewerSession()
	if ctrl.Role != credential.RoleControl || viewer.Role != credential.RoleViewer {
		t.Errorf("会话角色不匹配: %s / %s", ctrl.Role, viewer.Role)
	}
	if ctrl.Identity == viewer.Identity {
		t.Errorf("两个会话身份冲突: %d", ctrl.Identity)
	}

	if err := m.Close(); err != nil {
		t.Errorf("关闭失败: %v", err)
	}
	if m.State() != StateClosed {
		t.Errorf("关闭后状态不匹配: 得到 %s", m.State())
	}
	if !dialer.conn(0).closed {
		t.Error("关闭后连接应被释放")
	}
}

func TestSessionManagerRejectsDoubleStart(t *testing.T) {
	issuer := &fakeIssuer{}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, time.Minute)

	if err := m.Start(context.Background()); err == nil {
		t.Error("重复启动应报错")
	}
}

func TestDeliverImmediateResendRecovers(t *testing.T) {
	issuer := &fakeIssuer{}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, time.Minute)

	conn := dialer.conn(0)
	conn.mu.Lock()
	conn.failNext = 1
	conn.mu.Unlock()

	m.deliver(&protocol.ControlMessage{SeqID: 1})

	// 首次失败后立即重发成功，不触发换发
	if m.State() != StateConnected {
		t.Errorf("状态不匹配: 得到 %s, 期望 %s", m.State(), StateConnected)
	}
	if conn.deliveredCount() != 1 {
		t.Errorf("投递数不匹配: 得到 %d, 期望 1", conn.deliveredCount())
	}
	if issuer.issued() != 1 {
		t.Errorf("不应触发换发: 签发了 %d 次", issuer.issued())
	}
}

func TestDeliverBudgetExhaustionReconnects(t *testing.T) {
	issuer := &fakeIssuer{}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, time.Minute)

	conn := dialer.conn(0)
	conn.mu.Lock()
	conn.failAll = true
	conn.mu.Unlock()

	// 连续失败耗尽预算后升级为整轮重连
	for i := 0; i < deliverFailureBudget; i++ {
		m.deliver(&protocol.ControlMessage{SeqID: uint64(i)})
	}

	if issuer.issued() != 2 {
		t.Errorf("签发次数不匹配: 得到 %d, 期望 2", issuer.issued())
	}
	if dialer.dialCount() != 2 {
		t.Errorf("拨号次数不匹配: 得到 %d, 期望 2", dialer.dialCount())
	}
	if m.Epoch() != 2 {
		t.Errorf("纪元不匹配: 得到 %d, 期望 2", m.Epoch())
	}
	if m.State() != StateConnected {
		t.Errorf("重连后状态不匹配: 得到 %s", m.State())
	}
	if !conn.closed {
		t.Error("旧连接应被关闭")
	}
}

func TestExpiredTokenNeverDelivered(t *testing.T) {
	issuer := &fakeIssuer{}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, time.Minute)

	m.mu.Lock()
	m.ctrl.ExpiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	m.deliver(&protocol.ControlMessage{SeqID: 9})

	// 过期令牌绝不上线路，换发后该消息直接作废
	if n := dialer.conn(0).attemptCount(); n != 0 {
		t.Errorf("过期会话上有 %d 次投递", n)
	}
	if issuer.issued() != 2 {
		t.Errorf("签发次数不匹配: 得到 %d, 期望 2", issuer.issued())
	}
	if m.State() != StateConnected {
		t.Errorf("换发后状态不匹配: 得到 %s", m.State())
	}
}

func TestReconnectSingleFlight(t *testing.T) {
	issuer := &fakeIssuer{}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, time.Minute)

	// 模拟一次在途重连
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if err := m.reconnect(); err != nil {
		t.Errorf("并发重连应直接返回: %v", err)
	}
	if issuer.issued() != 1 {
		t.Errorf("并发重连不应重复签发: 签发了 %d 次", issuer.issued())
	}
}

func TestDisconnectEventTriggersReconnect(t *testing.T) {
	issuer := &fakeIssuer{}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, time.Minute)

	dialer.conn(0).events <- gateway.Event{Kind: gateway.Disconnected}

	waitFor(t, 2*time.Second, func() bool {
		return issuer.issued() == 2 && m.State() == StateConnected
	}, "断链后应换发会话并恢复")
}

func TestDisconnectAfterDeliveryReconnect(t *testing.T) {
	issuer := &fakeIssuer{}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, time.Minute)

	// 让监督循环先驻留在第一个连接上
	time.Sleep(50 * time.Millisecond)

	conn := dialer.conn(0)
	conn.mu.Lock()
	conn.failAll = true
	conn.mu.Unlock()

	// 投递路径耗尽预算，换发发生在监督循环之外
	for i := 0; i < deliverFailureBudget; i++ {
		m.deliver(&protocol.ControlMessage{SeqID: uint64(i)})
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("拨号次数不匹配: 得到 %d, 期望 2", dialer.dialCount())
	}

	// 监督循环必须已切换到新连接，新连接的断链事件不能被忽略
	dialer.conn(1).events <- gateway.Event{Kind: gateway.Disconnected}

	waitFor(t, 2*time.Second, func() bool {
		return issuer.issued() == 3 && m.State() == StateConnected
	}, "换发后的断链事件应触发再次换发")
}

func TestDisconnectAfterExpiryReconnect(t *testing.T) {
	issuer := &fakeIssuer{}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, time.Minute)

	time.Sleep(50 * time.Millisecond)

	// 过期令牌路径同样在监督循环之外换发
	m.mu.Lock()
	m.ctrl.ExpiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()
	m.deliver(&protocol.ControlMessage{SeqID: 1})

	if issuer.issued() != 2 {
		t.Fatalf("签发次数不匹配: 得到 %d, 期望 2", issuer.issued())
	}

	dialer.conn(1).events <- gateway.Event{Kind: gateway.Disconnected}

	waitFor(t, 2*time.Second, func() bool {
		return issuer.issued() == 3 && m.State() == StateConnected
	}, "换发后的断链事件应触发再次换发")
}

func TestTokenExpiryProactiveRefresh(t *testing.T) {
	issuer := &fakeIssuer{ttl: 300 * time.Millisecond}
	dialer := &fakeDialer{}
	m := newTestManager(t, issuer, dialer, 100*time.Millisecond)

	// 到期边际内主动换发，不等令牌真正过期
	waitFor(t, 2*time.Second, func() bool {
		return issuer.issued() >= 2
	}, "临期令牌应被主动换发")

	if m.State() != StateConnected {
		t.Errorf("换发后状态不匹配: 得到 %s", m.State())
	}
}

func TestStartFatalWhenIssuerRejects(t *testing.T) {
	issuer := &fakeIssuer{err: &credential.CredentialError{Code: 40001, Message: "invalid token"}}
	dialer := &fakeDialer{}

	m := NewSessionManager(issuer, dialer.dial, time.Minute)
	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("凭证被拒时启动应失败")
	}
	if m.State() != StateClosed {
		t.Errorf("状态不匹配: 得到 %s, 期望 %s", m.State(), StateClosed)
	}
	if m.LastError() == nil {
		t.Error("终态错误应被记录")
	}
}

func TestOfferDropsStaleMessage(t *testing.T) {
	m := NewSessionManager(&fakeIssuer{}, (&fakeDialer{}).dial, time.Minute)
	m.state.Store(int32(StateConnected))

	m.Offer(&protocol.ControlMessage{SeqID: 1})
	m.Offer(&protocol.ControlMessage{SeqID: 2})

	// 在途上限为1，保留最新意图
	select {
	case cm := <-m.deliverCh:
		if cm.SeqID != 2 {
			t.Errorf("应保留最新消息: 得到序列号 %d", cm.SeqID)
		}
	default:
		t.Fatal("通道中应有一条消息")
	}

	select {
	case cm := <-m.deliverCh:
		t.Errorf("被取代的消息应被丢弃: 序列号 %d", cm.SeqID)
	default:
	}
}

func TestOfferIgnoredWhenNotConnected(t *testing.T) {
	m := NewSessionManager(&fakeIssuer{}, (&fakeDialer{}).dial, time.Minute)

	m.Offer(&protocol.ControlMessage{SeqID: 1})

	select {
	case <-m.deliverCh:
		t.Error("未连接状态不应接受消息")
	default:
	}
}
