package credential

import (
	"errors"
	"fmt"
)

// CredentialError 表示凭证服务拒绝了设备/用户组合：用户令牌无效
// 或过期、设备序列号未知。属于终态错误，不自动重试，直接呈现给
// 操作者。
type CredentialError struct {
	Code    int
	Message string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential rejected (code=%d): %s", e.Code, e.Message)
}

// QuotaError 表示厂商侧已存在该设备的活跃流会话。每台设备只允许
// 一路活跃流，盲目重试会造成会话抖动，因此立即上抛，直到外部
// 会话被关闭。
type QuotaError struct {
	Code    int
	Message string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("stream quota exceeded (code=%d): %s", e.Code, e.Message)
}

// TransientError 表示网络层瞬时故障（超时、连接复位），
// 允许有界退避重试。
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient 判断错误是否允许重试。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal 判断错误是否为终态凭证失败（凭证被拒或配额占用）。
func IsFatal(err error) bool {
	var ce *CredentialError
	var qe *QuotaError
	return errors.As(err, &ce) || errors.As(err, &qe)
}
