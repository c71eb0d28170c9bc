package protocol

// JoinRequest 表示客户端加入频道的握手请求
type JoinRequest struct {
	// Token 是凭证服务为该身份签发的入会令牌
	Token string `msgpack:"token"`
	// Channel 是流媒体传输层上的频道名
	Channel string `msgpack:"channel"`
	// Identity 是请求方在频道内的身份标识（UID）
	Identity uint32 `msgpack:"identity"`
	// Role 为 "control" 或 "viewer"
	Role string `msgpack:"role"`
}

// 入会应答码
const (
	JoinOK           uint32 = 0
	JoinBadToken     uint32 = 1 // 令牌无效或已过期
	JoinBadChannel   uint32 = 2 // 频道不存在
	JoinIdentityBusy uint32 = 3 // 身份标识已被占用
)

// JoinAckBody 表示网关对入会请求的应答
type JoinAckBody struct {
	Code uint32 `msgpack:"code"`
	// PublishIdentity 是频道内机器人发布端的身份标识
	PublishIdentity uint32 `msgpack:"publish_identity"`
	Message         string `msgpack:"message,omitempty"`
}

// PeerEventBody 表示频道内其他身份的加入或离开
type PeerEventBody struct {
	Identity uint32 `msgpack:"identity"`
	Joined   bool   `msgpack:"joined"`
}
