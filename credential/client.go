package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// 凭证服务的应答码。0为成功，4xxxx为凭证类失败，45001为
// 设备流配额占用。
const (
	codeOK            = 0
	codeTokenInvalid  = 40001
	codeTokenExpired  = 40002
	codeUnknownDevice = 40004
	codeStreamBusy    = 45001
)

// apiResult 是凭证服务统一应答信封中的结果段。
type apiResult struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// apiResponse 是凭证服务的统一应答信封。
type apiResponse struct {
	Result apiResult       `json:"result"`
	Data   json.RawMessage `json:"data"`
}

// Client 封装对厂商设备API的HTTP访问：统一请求头、应答信封
// 解析和错误分类。
type Client struct {
	baseURL   string
	userToken string
	locale    string
	http      *http.Client
	logger    *zap.Logger
}

// NewClient 创建设备API客户端。
func NewClient(baseURL, userToken, locale string) *Client {
	return &Client{
		baseURL:   baseURL,
		userToken: userToken,
		locale:    locale,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    zap.L(),
	}
}

// post 向指定端点发POST请求并解析应答信封。
// 网络层失败包装为TransientError，业务码失败按类别分类。
func (c *Client) post(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	var reqBody []byte
	if body == nil {
		reqBody = []byte("{}")
	} else {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("x-member-token", c.userToken)
	req.Header.Set("x-app-locale", c.locale)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "POST " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &TransientError{Op: "POST " + endpoint, Err: fmt.Errorf("server status %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: "POST " + endpoint, Err: err}
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response envelope: %w", err)
	}

	if err := classifyResult(envelope.Result); err != nil {
		return nil, err
	}

	return envelope.Data, nil
}

// classifyResult 将应答码映射到错误分类。
func classifyResult(r apiResult) error {
	switch r.Code {
	case codeOK:
		return nil
	case codeTokenInvalid, codeTokenExpired, codeUnknownDevice:
		return &CredentialError{Code: r.Code, Message: r.Msg}
	case codeStreamBusy:
		return &QuotaError{Code: r.Code, Message: r.Msg}
	default:
		return fmt.Errorf("unexpected api result (code=%d): %s", r.Code, r.Msg)
	}
}
