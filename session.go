package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/transairobot/telebridge/credential"
	"github.com/transairobot/telebridge/gateway"
	"github.com/transairobot/telebridge/protocol"
	"github.com/transairobot/telebridge/retry"
)

// State 是会话/频道管理器的连接状态。
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "Unconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDegraded:
		return "Degraded"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	// dialAttempts 是建立数据通道的瞬时失败重试上限
	dialAttempts = 3
	dialBackoff  = 500 * time.Millisecond

	// deliverFailureBudget 是连续投递失败升级为重连的阈值
	deliverFailureBudget = 5
	budgetResetTimeout   = 30 * time.Second
)

// SessionIssuer 签发控制与观看会话。
type SessionIssuer interface {
	IssueSessions(ctx context.Context) (control credential.Session, viewer credential.Session, err error)
}

// ChannelConn 是数据通道连接的抽象，真实实现为gateway.Conn。
type ChannelConn interface {
	Deliver(cm *protocol.ControlMessage) error
	Events() <-chan gateway.Event
	Close() error
}

// ChannelDialer 用控制会话建立数据通道。
type ChannelDialer func(ctx context.Context, sess credential.Session) (ChannelConn, error)

// SessionManager 独占持有两个会话和数据通道连接，驱动
// Unconnected → Connecting → Connected → Degraded → Closed 状态机。
// 发送循环和监督循环是两个独立的时序域，通过共享会话状态和
// 单飞重连锁协作，任何临界区都不跨越网络调用。
type SessionManager struct {
	issuer        SessionIssuer
	dial          ChannelDialer
	refreshMargin time.Duration
	logger        *zap.Logger

	state  atomic.Int32
	epoch  atomic.Uint64
	budget *retry.FailureBudget

	// mu 保护会话与连接的快照替换
	mu     sync.Mutex
	ctrl   credential.Session
	viewer credential.Session
	conn   ChannelConn
	// refreshed 在每次换发成功后关闭并重建，监督循环据此丢弃
	// 旧连接的快照，改为监听新连接的事件和新令牌的有效期
	refreshed chan struct{}

	// reconnectMu 保证同一时刻只有一次重连在途，避免重复申请
	// 会话触发厂商的单流配额
	reconnectMu sync.Mutex

	deliverCh chan *protocol.ControlMessage
	lastErr   atomic.Value // error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionManager 创建会话管理器。
func NewSessionManager(issuer SessionIssuer, dial ChannelDialer, refreshMargin time.Duration) *SessionManager {
	return &SessionManager{
		issuer:        issuer,
		dial:          dial,
		refreshMargin: refreshMargin,
		logger:        zap.L(),
		budget:        retry.NewFailureBudget(deliverFailureBudget, budgetResetTimeout),
		deliverCh:     make(chan *protocol.ControlMessage, 1),
		refreshed:     make(chan struct{}),
	}
}

// Start 签发会话、建立数据通道并启动发送与监督循环。
func (m *SessionManager) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateUnconnected), int32(StateConnecting)) {
		return fmt.Errorf("session manager already started (state=%s)", m.State())
	}
	m.logState(StateUnconnected, StateConnecting)

	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.connect(m.ctx); err != nil {
		m.fail(err)
		return err
	}

	m.wg.Add(2)
	go m.sendLoop()
	go m.supervise()

	return nil
}

// connect 签发会话并建立数据通道，成功后原子替换当前连接。
func (m *SessionManager) connect(ctx context.Context) error {
	ctrl, viewer, err := m.issuer.IssueSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to issue sessions: %w", err)
	}

	var conn ChannelConn
	err = retry.Do(ctx, dialAttempts, dialBackoff, credential.IsTransient, func() error {
		var e error
		conn, e = m.dial(ctx, ctrl)
		return e
	})
	if err != nil {
		return fmt.Errorf("failed to open data channel: %w", err)
	}

	m.mu.Lock()
	old := m.conn
	m.ctrl, m.viewer, m.conn = ctrl, viewer, conn
	close(m.refreshed)
	m.refreshed = make(chan struct{})
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	// 新会话，编码器据此重置序列号
	m.epoch.Add(1)
	m.budget.Reset()
	m.setState(StateConnected)

	return nil
}

// Offer 接收编码器产出的控制消息。在途上限为1：通道占满时丢弃
// 被取代的未发送消息，保留最新意图，绝不阻塞定时线程。
func (m *SessionManager) Offer(cm *protocol.ControlMessage) {
	s := m.State()
	if s != StateConnected && s != StateDegraded {
		return
	}

	select {
	case m.deliverCh <- cm:
	default:
		select {
		case stale := <-m.deliverCh:
			m.logger.Debug("丢弃被取代的控制消息", zap.Uint64("seq_id", stale.SeqID))
		default:
		}
		select {
		case m.deliverCh <- cm:
		default:
		}
	}
}

// sendLoop 把控制消息按编码顺序投递到数据通道。
func (m *SessionManager) sendLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case cm := <-m.deliverCh:
			m.deliver(cm)
		}
	}
}

func (m *SessionManager) deliver(cm *protocol.ControlMessage) {
	m.mu.Lock()
	conn, ctrl := m.conn, m.ctrl
	m.mu.Unlock()

	if conn == nil {
		return
	}

	// 过期令牌绝不上线路
	if ctrl.Expired() {
		m.logger.Warn("控制会话已过期，暂停投递并换发")
		m.setState(StateDegraded)
		if err := m.reconnect(); err != nil {
			m.fail(err)
		}
		return
	}

	err := conn.Deliver(cm)
	if err == nil {
		m.budget.Reset()
		if m.State() == StateDegraded {
			m.setState(StateConnected)
		}
		return
	}

	m.logger.Warn("控制消息投递失败",
		zap.Uint64("seq_id", cm.SeqID),
		zap.Error(err))
	m.setState(StateDegraded)

	// 立即重发一次，成功则恢复
	if err := conn.Deliver(cm); err == nil {
		m.budget.Reset()
		m.setState(StateConnected)
		return
	}

	if m.budget.Record() {
		if err := m.reconnect(); err != nil {
			m.fail(err)
		}
	}
}

// supervise 监督令牌有效期和链路事件。到期边际内主动换发会话，
// 断链触发降级与重连。
func (m *SessionManager) supervise() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		conn, ctrl, refreshed := m.conn, m.ctrl, m.refreshed
		m.mu.Unlock()

		if conn == nil || m.State() == StateClosed {
			return
		}

		refreshAt := ctrl.ExpiresAt.Add(-m.refreshMargin)
		timer := time.NewTimer(time.Until(refreshAt))

		select {
		case <-m.ctx.Done():
			timer.Stop()
			return

		case <-refreshed:
			// 投递路径完成了一次换发，当前快照已失效，
			// 重新监听新连接
			timer.Stop()
			continue

		case <-timer.C:
			m.logger.Info("令牌临期，提前换发会话",
				zap.Time("expires_at", ctrl.ExpiresAt))
			if err := m.reconnect(); err != nil {
				m.fail(err)
				return
			}

		case ev := <-conn.Events():
			timer.Stop()
			switch ev.Kind {
			case gateway.RobotJoined:
				m.logger.Info("机器人已入会", zap.Uint32("identity", ev.Identity))
			case gateway.RobotLeft:
				m.logger.Warn("机器人已离会", zap.Uint32("identity", ev.Identity))
			case gateway.Disconnected:
				m.setState(StateDegraded)
				if err := m.reconnect(); err != nil {
					m.fail(&ChannelDisconnect{Err: err})
					return
				}
			}
		}
	}
}

// reconnect 单飞执行一轮完整的会话换发与重连。
// 已有重连在途时直接返回。
func (m *SessionManager) reconnect() error {
	if !m.reconnectMu.TryLock() {
		return nil
	}
	defer m.reconnectMu.Unlock()

	if m.State() == StateClosed {
		return nil
	}

	m.setState(StateConnecting)
	return m.connect(m.ctx)
}

// fail 将管理器转入终态并记录原因。
func (m *SessionManager) fail(err error) {
	m.lastErr.Store(err)
	m.logger.Error("会话管理器进入终态", zap.Error(err))
	m.setState(StateClosed)

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	if m.cancel != nil {
		m.cancel()
	}
}

// Close 主动关闭管理器。
func (m *SessionManager) Close() error {
	if m.State() == StateClosed {
		return nil
	}
	m.setState(StateClosed)

	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	m.wg.Wait()
	return err
}

// State 返回当前状态。
func (m *SessionManager) State() State {
	return State(m.state.Load())
}

// Epoch 返回会话纪元，每次成功建连递增。
func (m *SessionManager) Epoch() uint64 {
	return m.epoch.Load()
}

// ViewerSession 返回观看会话的副本，供页面取流凭证。
func (m *SessionManager) ViewerSession() credential.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewer
}

// ControlSession 返回控制会话的副本。
func (m *SessionManager) ControlSession() credential.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl
}

// LastError 返回导致终态的错误。
func (m *SessionManager) LastError() error {
	if err, ok := m.lastErr.Load().(error); ok {
		return err
	}
	return nil
}

func (m *SessionManager) setState(next State) {
	prev := State(m.state.Swap(int32(next)))
	if prev != next {
		m.logState(prev, next)
	}
}

func (m *SessionManager) logState(prev, next State) {
	m.logger.Info("连接状态变更",
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
}
