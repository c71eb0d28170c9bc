package bridge

import (
	"fmt"
	"time"

	"github.com/transairobot/telebridge/protocol"
)

const (
	// DefaultAPIBaseURL 是厂商家居云API的默认接入点
	DefaultAPIBaseURL = "https://home-api-vg.example-robot.com"

	// DefaultListenAddr 是本地中继端点的默认监听地址
	DefaultListenAddr = "127.0.0.1:8765"

	// DefaultTick 是控制消息的固定发送周期（10Hz）
	DefaultTick = 100 * time.Millisecond

	// DefaultRefreshMargin 是令牌到期前提前换发的安全边际
	DefaultRefreshMargin = 2 * time.Minute
)

// Config 是进程级配置。UserToken和DeviceSerial是必需的密钥，
// 缺失属于启动期致命错误。
type Config struct {
	// UserToken 是厂商账号的成员令牌
	UserToken string
	// DeviceSerial 是目标设备序列号
	DeviceSerial string
	// APIBaseURL 是凭证服务接入点
	APIBaseURL string
	// Locale 随请求头上报
	Locale string
	// ListenAddr 是本地中继端点监听地址，必须是回环地址
	ListenAddr string
	// GatewayEdge 覆盖凭证应答中的网关接入点，通常留空
	GatewayEdge string
	// InsecureGateway 跳过网关证书校验，仅用于本地联调
	InsecureGateway bool
	// Tick 是控制消息发送周期
	Tick time.Duration
	// RefreshMargin 是令牌提前换发边际
	RefreshMargin time.Duration
	// ModeStop和ModeGoHome允许在真机核对后覆盖未确认的模式编码，
	// 零值使用默认表
	ModeStop   int
	ModeGoHome int
}

// Validate 校验必需项并填充默认值。
func (c *Config) Validate() error {
	if c.UserToken == "" {
		return fmt.Errorf("user token is required")
	}
	if c.DeviceSerial == "" {
		return fmt.Errorf("device serial is required")
	}

	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.Locale == "" {
		c.Locale = "en_US"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}

	return nil
}

// ModeTable 返回应用了配置覆盖的模式编码表。
func (c *Config) ModeTable() protocol.ModeTable {
	table := protocol.DefaultModeTable()
	if c.ModeStop != 0 {
		table.Stop = c.ModeStop
	}
	if c.ModeGoHome != 0 {
		table.GoHome = c.ModeGoHome
	}
	return table
}
