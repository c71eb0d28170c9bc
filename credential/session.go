package credential

import (
	"time"
)

// Role 表示会话在频道内的角色。
type Role string

const (
	RoleControl Role = "control"
	RoleViewer  Role = "viewer"
)

// Session 是凭证服务签发的一次入会资格：持有令牌的身份可以在
// 到期前以指定角色加入频道。控制会话与观看会话共享频道名，
// 但身份标识各自独立。
type Session struct {
	Role            Role
	AppID           string
	Token           string
	Identity        uint32
	Channel         string
	PublishIdentity uint32
	// Edge 是流媒体网关接入点地址，从凭证应答中解析
	Edge      string
	ExpiresAt time.Time
}

// Expired 判断会话是否已过期。
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// ExpiresWithin 判断会话是否将在margin内过期，用于提前换发。
func (s *Session) ExpiresWithin(margin time.Duration) bool {
	return time.Now().Add(margin).After(s.ExpiresAt)
}
