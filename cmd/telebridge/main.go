package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	bridge "github.com/transairobot/telebridge"
	"github.com/transairobot/telebridge/credential"
	"github.com/transairobot/telebridge/gateway"
	"github.com/transairobot/telebridge/input"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		debug   bool
		envFile string
	)

	cmd := &cobra.Command{
		Use:           "telebridge",
		Short:         "浏览器操作台与机器人之间的控制中继",
		Long:          "telebridge 向厂商凭证服务申请控制与观看两个流会话，维持到机器人频道的数据通道，并把操作台输入转换为限频、带序的控制消息流。",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), debug, envFile)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "输出调试日志")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "环境变量文件路径")

	return cmd
}

func run(parent context.Context, debug bool, envFile string) error {
	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := credential.NewClient(cfg.APIBaseURL, cfg.UserToken, cfg.Locale)
	broker := credential.NewBroker(client, cfg.DeviceSerial)
	device := credential.NewDeviceAPI(client, cfg.DeviceSerial)

	dialer := func(ctx context.Context, sess credential.Session) (bridge.ChannelConn, error) {
		return gateway.Dial(ctx, sess, cfg.InsecureGateway)
	}

	mgr := bridge.NewSessionManager(&edgeOverrideIssuer{broker: broker, edge: cfg.GatewayEdge}, dialer, cfg.RefreshMargin)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	defer shutdown(mgr, broker, device)

	// 遥控模式激活失败不阻止启动，操作者可以从页面再次触发
	if err := device.EnterControlMode(ctx); err != nil {
		logger.Warn("遥控模式激活失败", zap.Error(err))
	}

	cell := input.NewCell()
	enc := bridge.NewEncoder(cell, mgr, cfg.Tick, cfg.ModeTable())
	go enc.Run(ctx)

	relay := bridge.NewRelay(cell, mgr, enc, device)
	logger.Info("操作台地址", zap.String("url", "http://"+cfg.ListenAddr+"/"))

	return relay.Serve(ctx, cfg.ListenAddr)
}

// shutdown 按序清场：退出遥控模式、释放流槽位、关闭会话。
func shutdown(mgr *bridge.SessionManager, broker *credential.Broker, device *credential.DeviceAPI) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := device.ExitControlMode(ctx); err != nil {
		zap.L().Warn("退出遥控模式失败", zap.Error(err))
	}
	if err := broker.StopStream(ctx); err != nil {
		zap.L().Warn("停止流会话失败", zap.Error(err))
	}
	if err := mgr.Close(); err != nil {
		zap.L().Warn("关闭会话管理器失败", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadConfig 从进程环境和可选的.env文件读取配置。
// 两个密钥缺失属于启动期致命错误。
func loadConfig(envFile string) (*bridge.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TELEBRIDGE")
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok && !os.IsNotExist(err) {
				zap.L().Debug("未读取环境变量文件", zap.String("path", envFile), zap.Error(err))
			}
		}
	}

	cfg := &bridge.Config{
		UserToken:       lookup(v, "user_token"),
		DeviceSerial:    lookup(v, "device_sn"),
		APIBaseURL:      lookup(v, "api_url"),
		Locale:          lookup(v, "locale"),
		ListenAddr:      lookup(v, "listen_addr"),
		GatewayEdge:     lookup(v, "gateway_edge"),
		InsecureGateway: v.GetBool("insecure_gateway") || v.GetBool("telebridge_insecure_gateway"),
		ModeStop:        lookupInt(v, "mode_stop"),
		ModeGoHome:      lookupInt(v, "mode_go_home"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w (set TELEBRIDGE_USER_TOKEN and TELEBRIDGE_DEVICE_SN)", err)
	}
	return cfg, nil
}

// lookup 兼容进程环境（带前缀绑定）和.env文件（键名自带前缀）。
func lookup(v *viper.Viper, key string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return v.GetString("telebridge_" + key)
}

func lookupInt(v *viper.Viper, key string) int {
	if n := v.GetInt(key); n != 0 {
		return n
	}
	return v.GetInt("telebridge_" + key)
}

// edgeOverrideIssuer 在签发后覆盖网关接入点，供联调时把流量
// 指向本地模拟网关。
type edgeOverrideIssuer struct {
	broker *credential.Broker
	edge   string
}

func (e *edgeOverrideIssuer) IssueSessions(ctx context.Context) (credential.Session, credential.Session, error) {
	control, viewer, err := e.broker.IssueSessions(ctx)
	if err != nil {
		return credential.Session{}, credential.Session{}, err
	}
	if e.edge != "" {
		control.Edge = e.edge
		viewer.Edge = e.edge
	}
	return control, viewer, nil
}
