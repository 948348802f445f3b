package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPClient 通用 JSON 网关驱动
//
//	POST {base}/request  RequestParams  -> RequestResult
//	POST {base}/fetch    CallbackParams -> FetchResult
//	POST {base}/verify   FetchResult    -> VerifyResult
//
// 网关 5xx 和网络错误视为临时故障，4xx 视为永久错误。
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *HTTPClient) Request(ctx context.Context, params RequestParams) (*RequestResult, error) {
	var result RequestResult
	if err := c.post(ctx, "/request", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, params CallbackParams) (*FetchResult, error) {
	var result FetchResult
	if err := c.post(ctx, "/fetch", params, &result); err != nil {
		return nil, err
	}
	if result.Gateway == "" {
		result.Gateway = params.Gateway
	}
	return &result, nil
}

func (c *HTTPClient) Verify(ctx context.Context, fetched *FetchResult) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.post(ctx, "/verify", fetched, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化网关请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("创建网关请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("网关请求失败", zap.String("path", path), zap.Error(err))
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: err}
	}

	c.logger.Debug("网关响应",
		zap.String("path", path),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("解析网关响应失败: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
