package service

import (
	"time"

	"payflow/internal/domain"
	"payflow/internal/gateway"
)

type InitiatePaymentRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Amount         int64          `json:"amount" binding:"required,gt=0"`
	Currency       string         `json:"currency"`
	Gateway        string         `json:"gateway" binding:"required"`
	CallbackURL    string         `json:"callback_url" binding:"required"`
	ReturnURL      string         `json:"return_url"`
	UserID         int64          `json:"user_id"`
	Metadata       map[string]any `json:"metadata"`
	UseWallet      bool           `json:"use_wallet"`
}

type InitiatePaymentResponse struct {
	Payment  *PaymentView      `json:"payment"`
	Redirect *gateway.Redirect `json:"redirect,omitempty"`
	// Existing 为 true 表示命中幂等键，返回的是已有支付单
	Existing bool   `json:"existing"`
	Message  string `json:"message,omitempty"`
}

type VerifyPaymentResponse struct {
	Succeeded bool         `json:"succeeded"`
	Payment   *PaymentView `json:"payment"`
	Message   string       `json:"message,omitempty"`
}

type RefundPaymentRequest struct {
	// Amount 为 0 表示全额退款
	Amount int64  `json:"amount" binding:"gte=0"`
	Reason string `json:"reason"`
}

type CancelPaymentRequest struct {
	Reason string `json:"reason"`
}

type WalletOperationRequest struct {
	Amount        int64  `json:"amount" binding:"required,gt=0"`
	Description   string `json:"description"`
	ReferenceID   string `json:"reference_id"`
	ReferenceType string `json:"reference_type"`
}

func (r *WalletOperationRequest) reference() domain.Reference {
	return domain.Reference{ID: r.ReferenceID, Type: r.ReferenceType}
}

type ReverseTransactionRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type PaymentView struct {
	ID                   int64          `json:"id,string"`
	TrackingNumber       string         `json:"tracking_number"`
	Amount               int64          `json:"amount"`
	Currency             string         `json:"currency"`
	Status               string         `json:"status"`
	Gateway              string         `json:"gateway"`
	CreditApplied        int64          `json:"credit_applied"`
	AmountDue            int64          `json:"amount_due"`
	WalletID             int64          `json:"wallet_id,omitempty,string"`
	UserID               int64          `json:"user_id,omitempty"`
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	TransactionReference string         `json:"transaction_reference,omitempty"`
	FailureReason        string         `json:"failure_reason,omitempty"`
	ErrorCode            string         `json:"error_code,omitempty"`
	RefundedAmount       int64          `json:"refunded_amount,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	Attempts             []AttemptView  `json:"attempts,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

type AttemptView struct {
	AttemptNumber    int            `json:"attempt_number"`
	Status           string         `json:"status"`
	ProviderResponse map[string]any `json:"provider_response,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type PaymentLogView struct {
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

type PaymentPage struct {
	Items    []*PaymentView `json:"items"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

type WalletView struct {
	ID       int64  `json:"id,string"`
	UserID   int64  `json:"user_id"`
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
	IsActive bool   `json:"is_active"`
}

type TransactionView struct {
	ID             int64      `json:"id,string"`
	TransactionNo  string     `json:"transaction_no"`
	Amount         int64      `json:"amount"`
	Type           string     `json:"type"`
	Description    string     `json:"description"`
	ReferenceID    string     `json:"reference_id,omitempty"`
	ReferenceType  string     `json:"reference_type,omitempty"`
	BalanceAfter   int64      `json:"balance_after"`
	IsReversed     bool       `json:"is_reversed"`
	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
	ReversalReason string     `json:"reversal_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type TransactionPage struct {
	Items    []*TransactionView `json:"items"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// RecalculateResponse Changed 为 true 表示缓存余额与流水不一致，已修正
type RecalculateResponse struct {
	Wallet  *WalletView `json:"wallet"`
	Changed bool        `json:"changed"`
}

func toPaymentView(p *domain.Payment) *PaymentView {
	v := &PaymentView{
		ID:                   p.ID(),
		TrackingNumber:       p.TrackingNumber(),
		Amount:               p.Amount(),
		Currency:             p.Currency(),
		Status:               string(p.Status()),
		Gateway:              p.Gateway(),
		CreditApplied:        p.CreditApplied(),
		AmountDue:            p.AmountDue(),
		WalletID:             p.WalletID(),
		UserID:               p.UserID(),
		IdempotencyKey:       p.IdempotencyKey(),
		TransactionReference: p.TransactionReference(),
		FailureReason:        p.FailureReason(),
		ErrorCode:            p.ErrorCode(),
		RefundedAmount:       p.RefundedAmount(),
		Metadata:             p.Metadata(),
		CompletedAt:          p.CompletedAt(),
		CreatedAt:            p.CreatedAt(),
		UpdatedAt:            p.UpdatedAt(),
	}
	for _, a := range p.Attempts() {
		v.Attempts = append(v.Attempts, AttemptView{
			AttemptNumber:    a.AttemptNumber,
			Status:           a.Status,
			ProviderResponse: a.ProviderResponse,
			CreatedAt:        a.CreatedAt,
		})
	}
	return v
}

func toWalletView(w *domain.Wallet) *WalletView {
	return &WalletView{
		ID:       w.ID(),
		UserID:   w.UserID(),
		Balance:  w.Balance(),
		Currency: w.Currency(),
		IsActive: w.IsActive(),
	}
}

func toTransactionView(t domain.WalletTransaction) *TransactionView {
	return &TransactionView{
		ID:             t.ID,
		TransactionNo:  t.TransactionNo,
		Amount:         t.Amount,
		Type:           string(t.Type),
		Description:    t.Description,
		ReferenceID:    t.Reference.ID,
		ReferenceType:  t.Reference.Type,
		BalanceAfter:   t.BalanceAfter,
		IsReversed:     t.IsReversed,
		ReversedAt:     t.ReversedAt,
		ReversalReason: t.ReversalReason,
		CreatedAt:      t.CreatedAt,
	}
}
