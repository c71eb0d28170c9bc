package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/transairobot/telebridge/credential"
	"github.com/transairobot/telebridge/input"
)

// Relay 是浏览器侧输入处理脚本对话的本地边界：接收输入状态更新，
// 暴露当前会话/频道状态。只在回环地址上服务，隔离即是鉴权，
// 因为使用场景是本机操作台。
type Relay struct {
	cell   *input.Cell
	mgr    *SessionManager
	enc    *Encoder
	device *credential.DeviceAPI
	logger *zap.Logger
	srv    *http.Server
}

// NewRelay 创建本地中继端点。device可为nil（无设备指令代理）。
func NewRelay(cell *input.Cell, mgr *SessionManager, enc *Encoder, device *credential.DeviceAPI) *Relay {
	return &Relay{
		cell:   cell,
		mgr:    mgr,
		enc:    enc,
		device: device,
		logger: zap.L(),
	}
}

// inputRequest 是POST /input的请求体。
type inputRequest struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Action *string `json:"action"`
	Source string  `json:"source"`
}

// statusResponse 是GET /status的应答体。
type statusResponse struct {
	State string `json:"state"`
	SeqID uint64 `json:"seq_id"`
}

// Handler 返回端点的路由，测试可直接挂到httptest上。
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /input", r.handleInput)
	mux.HandleFunc("GET /status", r.handleStatus)
	mux.HandleFunc("GET /{$}", r.handleViewerPage)
	mux.HandleFunc("GET /viewer.json", r.handleViewerConfig)
	mux.HandleFunc("POST /enter-control", r.handleDeviceCommand("enter-control"))
	mux.HandleFunc("POST /exit-control", r.handleDeviceCommand("exit-control"))
	mux.HandleFunc("POST /go-home", r.handleDeviceCommand("go-home"))
	return mux
}

// handleInput 用最新输入覆盖共享输入状态。畸形请求只影响当次：
// 以400拒绝，编码节奏和上一次有效输入不受影响。
func (r *Relay) handleInput(w http.ResponseWriter, req *http.Request) {
	var in inputRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		r.rejectInput(w, &ProtocolViolation{Reason: fmt.Sprintf("undecodable payload: %v", err)})
		return
	}

	if math.IsNaN(in.X) || math.IsNaN(in.Y) || math.Abs(in.X) > 1 || math.Abs(in.Y) > 1 {
		r.rejectInput(w, &ProtocolViolation{Reason: fmt.Sprintf("vector out of range: x=%v y=%v", in.X, in.Y)})
		return
	}

	var actionName string
	if in.Action != nil {
		actionName = *in.Action
	}
	action, ok := input.ParseAction(actionName)
	if !ok {
		r.rejectInput(w, &ProtocolViolation{Reason: fmt.Sprintf("unknown action %q", actionName)})
		return
	}

	source := input.Source(in.Source)
	producer := input.ProducerFor(source)
	vec, act := producer.Normalize(input.Update{
		X:      in.X,
		Y:      in.Y,
		Action: action,
		Source: source,
	})

	r.cell.Set(vec, act, source)

	// 回桩同时触发厂商的回桩作业，与数据通道上的模式编码互补
	if act == input.ActionGoHome && r.device != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := r.device.GoHome(ctx); err != nil {
				r.logger.Warn("回桩作业下发失败", zap.Error(err))
			}
		}()
	}

	w.WriteHeader(http.StatusOK)
}

func (r *Relay) rejectInput(w http.ResponseWriter, err error) {
	r.logger.Debug("拒绝畸形输入", zap.Error(err))
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (r *Relay) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		State: r.mgr.State().String(),
		SeqID: r.enc.Seq(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleViewerConfig 向页面暴露观看会话的取流凭证。
func (r *Relay) handleViewerConfig(w http.ResponseWriter, _ *http.Request) {
	sess := r.mgr.ViewerSession()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"app_id":      sess.AppID,
		"channel":     sess.Channel,
		"token":       sess.Token,
		"uid":         sess.Identity,
		"publish_uid": sess.PublishIdentity,
		"edge":        sess.Edge,
	})
}

// handleDeviceCommand 把遥控模式切换和回桩代理到厂商设备API。
func (r *Relay) handleDeviceCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.device == nil {
			http.Error(w, "device api not configured", http.StatusServiceUnavailable)
			return
		}

		var err error
		switch name {
		case "enter-control":
			err = r.device.EnterControlMode(req.Context())
		case "exit-control":
			err = r.device.ExitControlMode(req.Context())
		case "go-home":
			err = r.device.GoHome(req.Context())
		}

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			r.logger.Warn("设备指令失败", zap.String("command", name), zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}
}

// Serve 在回环地址上启动端点，阻塞到ctx取消。
func (r *Relay) Serve(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("relay endpoint must bind a loopback address, got %q", addr)
	}

	r.srv = &http.Server{
		Addr:    addr,
		Handler: r.Handler(),
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	r.logger.Info("本地中继端点已启动", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		r.srv.Shutdown(shutdownCtx)
	}()

	if err := r.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
