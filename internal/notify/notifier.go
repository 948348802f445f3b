package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"payflow/internal/domain"

	"go.uber.org/zap"
)

// PaymentNotification 支付核验完成后推送给外部系统的内容
type PaymentNotification struct {
	PaymentID      int64          `json:"paymentId"`
	TrackingNumber string         `json:"trackingNumber"`
	Status         string         `json:"status"`
	Amount         int64          `json:"amount"`
	AmountDue      int64          `json:"amountDue"`
	CreditApplied  int64          `json:"creditApplied"`
	Metadata       map[string]any `json:"metadata"`
	UserID         int64          `json:"userId"`
}

// NewPaymentNotification 由支付单生成通知
func NewPaymentNotification(p *domain.Payment) *PaymentNotification {
	return &PaymentNotification{
		PaymentID:      p.ID(),
		TrackingNumber: p.TrackingNumber(),
		Status:         string(p.Status()),
		Amount:         p.Amount(),
		AmountDue:      p.AmountDue(),
		CreditApplied:  p.CreditApplied(),
		Metadata:       p.Metadata(),
		UserID:         p.UserID(),
	}
}

// Notifier 外部通知
type Notifier interface {
	NotifyPayment(ctx context.Context, n *PaymentNotification) error
}

// HTTPNotifier 以 JSON POST 推送通知
type HTTPNotifier struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPNotifier(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *HTTPNotifier) NotifyPayment(ctx context.Context, n *PaymentNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("创建通知请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("发送支付通知",
		zap.String("tracking_number", n.TrackingNumber),
		zap.String("status", n.Status),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送通知失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("通知接收方返回 %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Noop 未配置通知地址时使用
type Noop struct{}

func (Noop) NotifyPayment(context.Context, *PaymentNotification) error { return nil }
