package domain

import (
	"fmt"
	"strings"
	"time"

	"payflow/pkg/idgen"
)

// ============================================================================
// 支付单状态机
// ============================================================================
//
//   PENDING ──> PROCESSING ──> COMPLETED ──> REFUNDED
//      │            │   └────> FAILED
//      └────────────┴───────> CANCELLED
//
// FAILED 不在迁移表中：fail() 允许从除 COMPLETED/REFUNDED 以外的任何状态进入。
// 终态：COMPLETED、REFUNDED、CANCELLED
//
// ============================================================================

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

var validPaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusCompleted, PaymentStatusCancelled},
	PaymentStatusCompleted:  {PaymentStatusRefunded},
}

func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	for _, allowed := range validPaymentTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusRefunded || s == PaymentStatusCancelled
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusCompleted,
		PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// 审计日志动作
const (
	PaymentActionCreated       = "CREATED"
	PaymentActionCreditApplied = "CREDIT_APPLIED"
	PaymentActionProcessing    = "PROCESSING_STARTED"
	PaymentActionCompleted     = "COMPLETED"
	PaymentActionFailed        = "FAILED"
	PaymentActionCancelled     = "CANCELLED"
	PaymentActionRefunded      = "REFUNDED"
	PaymentActionAttempt       = "ATTEMPT_RECORDED"
)

// PaymentAttempt 一次与网关的往返记录
type PaymentAttempt struct {
	ID               int64
	AttemptNumber    int
	Status           string
	ProviderResponse map[string]any
	CreatedAt        time.Time
}

// PaymentLog 审计日志，只追加
type PaymentLog struct {
	ID        int64
	Action    string
	Details   string
	CreatedAt time.Time
}

// PaymentState 支付单的完整状态，只用于仓储的持久化和重建
type PaymentState struct {
	ID                   int64
	TrackingNumber       string
	Amount               int64
	Currency             string
	Status               PaymentStatus
	Gateway              string
	CallbackURL          string
	ReturnURL            string
	CreditApplied        int64
	AmountDue            int64
	WalletID             int64
	IdempotencyKey       string
	UserID               int64
	Metadata             map[string]any
	TransactionReference string
	FailureReason        string
	ErrorCode            string
	RefundedAmount       int64
	RefundReason         string
	CompletedAt          *time.Time
	FailedAt             *time.Time
	CancelledAt          *time.Time
	RefundedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Version              int
	Attempts             []PaymentAttempt
	Logs                 []PaymentLog
}

// Payment 支付聚合根
//
// 所有状态变更都必须通过方法完成，每次变更都会追加一条审计日志，
// 并保证 amountDue + creditApplied == amount。
type Payment struct {
	eventLog

	state PaymentState

	isNew             bool
	persistedAttempts int
	persistedLogs     int
}

// NewPaymentParams 创建支付单的参数
type NewPaymentParams struct {
	TrackingNumber string
	Amount         int64
	Currency       string
	Gateway        string
	CallbackURL    string
	ReturnURL      string
	UserID         int64
	Metadata       map[string]any
	IdempotencyKey string
}

// NewPayment 创建处于 PENDING 状态的支付单
func NewPayment(p NewPaymentParams) (*Payment, error) {
	if p.Amount <= 0 {
		return nil, Validationf("支付金额必须大于0")
	}
	if strings.TrimSpace(p.Gateway) == "" {
		return nil, Validationf("支付网关不能为空")
	}
	if strings.TrimSpace(p.TrackingNumber) == "" {
		return nil, Validationf("追踪号不能为空")
	}

	now := clock()
	payment := &Payment{
		isNew: true,
		state: PaymentState{
			ID:             idgen.NextID(),
			TrackingNumber: p.TrackingNumber,
			Amount:         p.Amount,
			Currency:       p.Currency,
			Status:         PaymentStatusPending,
			Gateway:        p.Gateway,
			CallbackURL:    p.CallbackURL,
			ReturnURL:      p.ReturnURL,
			AmountDue:      p.Amount,
			IdempotencyKey: p.IdempotencyKey,
			UserID:         p.UserID,
			Metadata:       copyMap(p.Metadata),
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	payment.appendLog(PaymentActionCreated,
		fmt.Sprintf("创建支付单: 金额=%d %s, 网关=%s", p.Amount, p.Currency, p.Gateway), now)
	payment.recordEvent(EventPaymentCreated, map[string]any{
		"amount":   p.Amount,
		"currency": p.Currency,
		"gateway":  p.Gateway,
		"user_id":  p.UserID,
	}, now)

	return payment, nil
}

// RestorePayment 由仓储从持久化状态重建聚合
func RestorePayment(s PaymentState) *Payment {
	s.Attempts = append([]PaymentAttempt(nil), s.Attempts...)
	s.Logs = append([]PaymentLog(nil), s.Logs...)
	return &Payment{
		state:             s,
		persistedAttempts: len(s.Attempts),
		persistedLogs:     len(s.Logs),
	}
}

// ApplyCredit 使用钱包余额抵扣，只允许在 PENDING 状态下进行
// 抵扣金额超过待付金额时按待付金额截断，返回实际抵扣的金额
func (p *Payment) ApplyCredit(creditAmount int64, walletID int64) (int64, error) {
	if creditAmount <= 0 {
		return 0, Validationf("抵扣金额必须大于0")
	}
	if p.state.Status != PaymentStatusPending {
		return 0, IllegalStatef("支付单状态 %s 不允许抵扣余额", p.state.Status)
	}

	applied := creditAmount
	if applied > p.state.AmountDue {
		applied = p.state.AmountDue
	}

	now := clock()
	p.state.CreditApplied += applied
	p.state.AmountDue = p.state.Amount - p.state.CreditApplied
	p.state.WalletID = walletID

	p.appendLog(PaymentActionCreditApplied,
		fmt.Sprintf("钱包抵扣 %d, 剩余待付 %d", applied, p.state.AmountDue), now)
	p.recordEvent(EventPaymentCreditApplied, map[string]any{
		"applied":    applied,
		"amount_due": p.state.AmountDue,
		"wallet_id":  walletID,
	}, now)

	return applied, nil
}

// StartProcessing PENDING -> PROCESSING
func (p *Payment) StartProcessing() error {
	if err := p.transition(PaymentStatusProcessing); err != nil {
		return err
	}
	now := clock()
	p.appendLog(PaymentActionProcessing, "开始处理支付", now)
	p.recordEvent(EventPaymentProcessing, nil, now)
	return nil
}

// Complete PROCESSING -> COMPLETED
func (p *Payment) Complete(transactionReference string) error {
	if strings.TrimSpace(transactionReference) == "" {
		return Validationf("交易流水号不能为空")
	}
	if err := p.transition(PaymentStatusCompleted); err != nil {
		return err
	}

	now := clock()
	p.state.TransactionReference = transactionReference
	p.state.CompletedAt = &now

	p.appendLog(PaymentActionCompleted, fmt.Sprintf("支付完成, 交易流水号=%s", transactionReference), now)
	p.recordEvent(EventPaymentCompleted, map[string]any{
		"transaction_reference": transactionReference,
		"amount":                p.state.Amount,
		"amount_due":            p.state.AmountDue,
		"credit_applied":        p.state.CreditApplied,
	}, now)
	return nil
}

// Fail 标记失败，除 COMPLETED/REFUNDED 外任何状态都可以进入
func (p *Payment) Fail(reason, errorCode string) error {
	if p.state.Status == PaymentStatusCompleted || p.state.Status == PaymentStatusRefunded {
		return IllegalStatef("支付单状态 %s 不允许标记失败", p.state.Status)
	}

	reason = clip(reason, maxReasonLength)
	now := clock()
	p.state.Status = PaymentStatusFailed
	p.state.FailureReason = reason
	p.state.ErrorCode = errorCode
	p.state.FailedAt = &now

	details := "支付失败: " + reason
	if errorCode != "" {
		details += fmt.Sprintf(" (错误码=%s)", errorCode)
	}
	p.appendLog(PaymentActionFailed, details, now)
	p.recordEvent(EventPaymentFailed, map[string]any{
		"reason":     reason,
		"error_code": errorCode,
	}, now)
	return nil
}

// Cancel PENDING|PROCESSING -> CANCELLED
func (p *Payment) Cancel(reason string) error {
	if err := p.transition(PaymentStatusCancelled); err != nil {
		return err
	}
	reason = clip(reason, maxReasonLength)
	now := clock()
	p.state.CancelledAt = &now
	p.appendLog(PaymentActionCancelled, "支付取消: "+reason, now)
	p.recordEvent(EventPaymentCancelled, map[string]any{"reason": reason}, now)
	return nil
}

// Refund COMPLETED -> REFUNDED，金额不能超过原始金额
func (p *Payment) Refund(amount int64, reason string) error {
	if amount <= 0 {
		return Validationf("退款金额必须大于0")
	}
	if amount > p.state.Amount {
		return Validationf("退款金额 %d 超过支付金额 %d", amount, p.state.Amount)
	}
	if err := p.transition(PaymentStatusRefunded); err != nil {
		return err
	}

	reason = clip(reason, maxReasonLength)
	now := clock()
	p.state.RefundedAmount = amount
	p.state.RefundReason = reason
	p.state.RefundedAt = &now

	p.appendLog(PaymentActionRefunded, fmt.Sprintf("退款 %d: %s", amount, reason), now)
	p.recordEvent(EventPaymentRefunded, map[string]any{
		"amount": amount,
		"reason": reason,
	}, now)
	return nil
}

// AddAttempt 记录一次网关往返，任何状态下都允许
func (p *Payment) AddAttempt(status string, providerResponse map[string]any) PaymentAttempt {
	now := clock()
	attempt := PaymentAttempt{
		ID:               idgen.NextID(),
		AttemptNumber:    len(p.state.Attempts) + 1,
		Status:           status,
		ProviderResponse: copyMap(providerResponse),
		CreatedAt:        now,
	}
	p.state.Attempts = append(p.state.Attempts, attempt)
	p.appendLog(PaymentActionAttempt, fmt.Sprintf("第 %d 次网关请求: %s", attempt.AttemptNumber, status), now)
	return attempt
}

// Touch 由工作单元在提交前调用，刷新更新时间
func (p *Payment) Touch(now time.Time) {
	p.state.UpdatedAt = now
}

func (p *Payment) transition(target PaymentStatus) error {
	if !p.state.Status.CanTransitionTo(target) {
		return IllegalStatef("支付单状态不允许从 %s 变更为 %s", p.state.Status, target)
	}
	p.state.Status = target
	return nil
}

func (p *Payment) appendLog(action, details string, at time.Time) {
	p.state.Logs = append(p.state.Logs, PaymentLog{
		ID:        idgen.NextID(),
		Action:    action,
		Details:   clip(details, maxReasonLength),
		CreatedAt: at,
	})
}

func (p *Payment) recordEvent(name string, payload map[string]any, at time.Time) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["payment_id"] = p.state.ID
	payload["tracking_number"] = p.state.TrackingNumber
	payload["status"] = string(p.state.Status)
	p.record(name, AggregatePayment, p.state.TrackingNumber, payload, at)
}

// ---------------------------------------------------------------------------
// 只读视图
// ---------------------------------------------------------------------------

func (p *Payment) ID() int64 { return p.state.ID }
func (p *Payment) TrackingNumber() string { return p.state.TrackingNumber }
func (p *Payment) Amount() int64 { return p.state.Amount }
func (p *Payment) Currency() string { return p.state.Currency }
func (p *Payment) Status() PaymentStatus { return p.state.Status }
func (p *Payment) Gateway() string { return p.state.Gateway }
func (p *Payment) CallbackURL() string { return p.state.CallbackURL }
func (p *Payment) ReturnURL() string { return p.state.ReturnURL }
func (p *Payment) CreditApplied() int64 { return p.state.CreditApplied }
func (p *Payment) AmountDue() int64 { return p.state.AmountDue }
func (p *Payment) WalletID() int64 { return p.state.WalletID }
func (p *Payment) IdempotencyKey() string { return p.state.IdempotencyKey }
func (p *Payment) UserID() int64 { return p.state.UserID }
func (p *Payment) TransactionReference() string { return p.state.TransactionReference }
func (p *Payment) FailureReason() string { return p.state.FailureReason }
func (p *Payment) ErrorCode() string { return p.state.ErrorCode }
func (p *Payment) RefundedAmount() int64 { return p.state.RefundedAmount }
func (p *Payment) CompletedAt() *time.Time { return p.state.CompletedAt }
func (p *Payment) CreatedAt() time.Time { return p.state.CreatedAt }
func (p *Payment) UpdatedAt() time.Time { return p.state.UpdatedAt }
func (p *Payment) Version() int { return p.state.Version }
func (p *Payment) Metadata() map[string]any { return copyMap(p.state.Metadata) }
func (p *Payment) IsNew() bool { return p.isNew }
func (p *Payment) Attempts() []PaymentAttempt { return append([]PaymentAttempt(nil), p.state.Attempts...) }
func (p *Payment) Logs() []PaymentLog { return append([]PaymentLog(nil), p.state.Logs...) }

// State 返回完整状态的副本，供仓储持久化
func (p *Payment) State() PaymentState {
	s := p.state
	s.Metadata = copyMap(p.state.Metadata)
	s.Attempts = p.Attempts()
	s.Logs = p.Logs()
	return s
}

// PendingAttempts 尚未持久化的尝试记录
func (p *Payment) PendingAttempts() []PaymentAttempt {
	return append([]PaymentAttempt(nil), p.state.Attempts[p.persistedAttempts:]...)
}

// PendingLogs 尚未持久化的审计日志
func (p *Payment) PendingLogs() []PaymentLog {
	return append([]PaymentLog(nil), p.state.Logs[p.persistedLogs:]...)
}

// MarkPersisted 仓储写入成功后调用，version 与数据库保持一致
func (p *Payment) MarkPersisted(version int) {
	p.isNew = false
	p.persistedAttempts = len(p.state.Attempts)
	p.persistedLogs = len(p.state.Logs)
	p.state.Version = version
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clock 测试中可替换
var clock = time.Now
