package credential

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DeviceAPI 封装遥控之外的设备指令：进入/退出遥控模式、回桩。
// 这些都是厂商REST接口，不走数据通道。
type DeviceAPI struct {
	client       *Client
	deviceSerial string
	logger       *zap.Logger
}

// NewDeviceAPI 创建设备指令客户端。
func NewDeviceAPI(client *Client, deviceSerial string) *DeviceAPI {
	return &DeviceAPI{
		client:       client,
		deviceSerial: deviceSerial,
		logger:       zap.L(),
	}
}

// EnterControlMode 进入遥控模式。不同固件版本的激活端点不同，
// 按已知顺序逐个尝试，任一成功即可。
func (d *DeviceAPI) EnterControlMode(ctx context.Context) error {
	type attempt struct {
		endpoint string
		body     any
	}
	attempts := []attempt{
		{fmt.Sprintf("/cr/app/api/v1/devices/%s/live/activationCode/enterModeB", d.deviceSerial), nil},
		{fmt.Sprintf("/cr/app/api/v1/devices/%s/live/activationCode/enterMode", d.deviceSerial), map[string]string{"mode": "control"}},
		{fmt.Sprintf("/cr/app/api/v1/devices/%s/rc/enter", d.deviceSerial), nil},
	}

	var lastErr error
	for _, a := range attempts {
		if _, err := d.client.post(ctx, a.endpoint, a.body); err == nil {
			d.logger.Info("遥控模式已激活", zap.String("endpoint", a.endpoint))
			return nil
		} else {
			lastErr = err
		}
	}

	return fmt.Errorf("failed to enter control mode: %w", lastErr)
}

// ExitControlMode 退出遥控模式。
func (d *DeviceAPI) ExitControlMode(ctx context.Context) error {
	endpoint := fmt.Sprintf("/cr/app/api/v1/devices/%s/live/activationCode/exitMode", d.deviceSerial)
	_, err := d.client.post(ctx, endpoint, nil)
	return err
}

// GoHome 让机器人返回充电桩。
func (d *DeviceAPI) GoHome(ctx context.Context) error {
	endpoint := fmt.Sprintf("/cr/app/api/v1/devices/%s/jobs/goHomes/start", d.deviceSerial)
	_, err := d.client.post(ctx, endpoint, nil)
	return err
}
