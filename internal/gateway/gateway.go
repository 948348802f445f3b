package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// ============================================================================
// 支付网关
// ============================================================================
//
// 网关的业务拒绝（Succeeded=false）是正常返回值，不是错误；
// 只有网络、超时、网关 5xx 这类临时故障才返回 error，并由 Resilient 重试。
//
// ============================================================================

// Client 支付网关客户端
type Client interface {
	// Request 向网关发起支付请求
	Request(ctx context.Context, params RequestParams) (*RequestResult, error)
	// Fetch 解析网关回调，查询交易当前状态
	Fetch(ctx context.Context, params CallbackParams) (*FetchResult, error)
	// Verify 向网关确认交易
	Verify(ctx context.Context, fetched *FetchResult) (*VerifyResult, error)
}

type RequestParams struct {
	Gateway        string `json:"gateway"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	CallbackURL    string `json:"callback_url"`
	TrackingNumber string `json:"tracking_number"`
}

// Redirect 用户需要跳转到的网关页面
type Redirect struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Form   map[string]string `json:"form,omitempty"`
}

type RequestResult struct {
	Succeeded bool `json:"succeeded"`
	// TrackingNumber 网关侧的交易标识
	TrackingNumber string    `json:"tracking_number"`
	Redirect       *Redirect `json:"redirect,omitempty"`
	Message        string    `json:"message"`
}

// CallbackParams 网关回调携带的原始参数
type CallbackParams struct {
	Gateway string            `json:"gateway"`
	Values  map[string]string `json:"values"`
}

type FetchStatus string

const (
	FetchStatusUnverified       FetchStatus = "UNVERIFIED"
	FetchStatusAlreadyProcessed FetchStatus = "ALREADY_PROCESSED"
)

type FetchResult struct {
	Gateway        string      `json:"gateway"`
	TrackingNumber string      `json:"tracking_number"`
	Status         FetchStatus `json:"status"`
	Amount         int64       `json:"amount"`
}

type VerifyResult struct {
	Succeeded       bool   `json:"succeeded"`
	TransactionCode string `json:"transaction_code"`
	Message         string `json:"message"`
}

// TransientError 可以重试的临时故障
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "网关临时故障: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// StatusError 网关返回了非成功的 HTTP 状态码
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("网关返回状态码 %d: %s", e.StatusCode, e.Body)
}

// IsTransient 判断错误是否值得重试：网络错误、超时、网关 5xx
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}
