package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/transairobot/telebridge/retry"
)

const (
	// issueAttempts 是瞬时网络失败的最大尝试次数
	issueAttempts = 3
	issueBackoff  = 500 * time.Millisecond

	// defaultTTL 在应答未携带ttl_sec时使用。实测令牌约24小时有效，
	// 这里取保守值。
	defaultTTL = 12 * time.Hour

	// slotReleaseDelay 是释放流槽位后、再次申请前的等待时间
	slotReleaseDelay = 500 * time.Millisecond
)

// streamData 是openStream应答的数据段。凭证内容打包在url字段的
// &分隔参数里。
type streamData struct {
	URL             string `json:"url"`
	PublishIdentity uint32 `json:"publish_uid"`
	TTLSec          int64  `json:"ttl_sec"`
}

// Broker 向凭证服务申请会话。同一频道需要两份独立凭证：
// 控制后端一份、视频观看端一份，两个身份互不冲突地共存于
// 同一频道。厂商每台设备只放一个流槽位，因此签发顺序是：
// 申请（控制）→ 释放槽位 → 再申请（观看），令牌在释放后仍然有效。
type Broker struct {
	client       *Client
	deviceSerial string
	logger       *zap.Logger
}

// NewBroker 创建凭证代理。
func NewBroker(client *Client, deviceSerial string) *Broker {
	return &Broker{
		client:       client,
		deviceSerial: deviceSerial,
		logger:       zap.L(),
	}
}

// IssueSessions 为同一频道签发控制与观看两个会话。
// 凭证被拒和配额占用不重试，瞬时网络失败有界退避重试。
func (b *Broker) IssueSessions(ctx context.Context) (control Session, viewer Session, err error) {
	control, err = b.issueOne(ctx, RoleControl)
	if err != nil {
		return Session{}, Session{}, fmt.Errorf("failed to issue control session: %w", err)
	}

	// 释放槽位，让观看端能拿到自己的身份。已签发的控制令牌不受影响。
	if err = b.StopStream(ctx); err != nil {
		b.logger.Warn("释放流槽位失败", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		return Session{}, Session{}, ctx.Err()
	case <-time.After(slotReleaseDelay):
	}

	viewer, err = b.issueOne(ctx, RoleViewer)
	if err != nil {
		return Session{}, Session{}, fmt.Errorf("failed to issue viewer session: %w", err)
	}

	if control.Identity == viewer.Identity {
		return Session{}, Session{}, fmt.Errorf("identity collision between control and viewer sessions: %d", control.Identity)
	}
	if control.Channel != viewer.Channel {
		return Session{}, Session{}, fmt.Errorf("channel mismatch: control=%s viewer=%s", control.Channel, viewer.Channel)
	}

	b.logger.Info("会话签发完成",
		zap.String("channel", control.Channel),
		zap.Uint32("control_identity", control.Identity),
		zap.Uint32("viewer_identity", viewer.Identity))

	return control, viewer, nil
}

// issueOne 申请一份流凭证。
func (b *Broker) issueOne(ctx context.Context, role Role) (Session, error) {
	endpoint := fmt.Sprintf("/cr/app/api/v1/devices/%s/live/openStream/start", b.deviceSerial)

	var data json.RawMessage
	err := retry.Do(ctx, issueAttempts, issueBackoff, IsTransient, func() error {
		var e error
		data, e = b.client.post(ctx, endpoint, nil)
		return e
	})
	if err != nil {
		return Session{}, err
	}

	var sd streamData
	if err := json.Unmarshal(data, &sd); err != nil {
		return Session{}, fmt.Errorf("failed to decode stream data: %w", err)
	}

	sess, err := parseStreamCreds(&sd, role)
	if err != nil {
		return Session{}, err
	}

	b.logger.Debug("流凭证已签发",
		zap.String("role", string(role)),
		zap.String("channel", sess.Channel),
		zap.Uint32("identity", sess.Identity))

	return sess, nil
}

// StopStream 释放设备的流槽位。
func (b *Broker) StopStream(ctx context.Context) error {
	endpoint := fmt.Sprintf("/cr/app/api/v1/devices/%s/live/stop", b.deviceSerial)
	_, err := b.client.post(ctx, endpoint, nil)
	return err
}

// parseStreamCreds 从应答url字段的&分隔参数中解析凭证。
func parseStreamCreds(sd *streamData, role Role) (Session, error) {
	params := map[string]string{}
	for _, part := range strings.Split(sd.URL, "&") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if unescaped, err := url.QueryUnescape(value); err == nil {
			value = unescaped
		}
		params[key] = value
	}

	if params["token"] == "" || params["channel"] == "" {
		return Session{}, fmt.Errorf("incomplete stream credentials in url field: %q", sd.URL)
	}

	uid, err := strconv.ParseUint(params["uid"], 10, 32)
	if err != nil {
		return Session{}, fmt.Errorf("invalid uid in stream credentials: %w", err)
	}

	ttl := defaultTTL
	if sd.TTLSec > 0 {
		ttl = time.Duration(sd.TTLSec) * time.Second
	}

	publishIdentity := sd.PublishIdentity
	if publishIdentity == 0 {
		publishIdentity = 50000
	}

	return Session{
		Role:            role,
		AppID:           params["app_id"],
		Token:           params["token"],
		Identity:        uint32(uid),
		Channel:         params["channel"],
		PublishIdentity: publishIdentity,
		Edge:            params["edge"],
		ExpiresAt:       time.Now().Add(ttl),
	}, nil
}
