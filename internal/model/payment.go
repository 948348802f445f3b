package model

import (
	"time"

	"gorm.io/datatypes"
)

// Payment 支付单表
// 主键由雪花算法生成；idempotency_key 允许为空，非空时唯一
type Payment struct {
	ID                   int64             `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TrackingNumber       string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"tracking_number"`
	IdempotencyKey       *string           `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key,omitempty"`
	UserID               int64             `gorm:"index;not null;default:0" json:"user_id"`
	Amount               int64             `gorm:"not null" json:"amount"`
	Currency             string            `gorm:"type:varchar(8);not null" json:"currency"`
	Status               string            `gorm:"type:varchar(20);index;not null" json:"status"`
	Gateway              string            `gorm:"type:varchar(32);not null" json:"gateway"`
	CallbackURL          string            `gorm:"type:varchar(512)" json:"callback_url"`
	ReturnURL            string            `gorm:"type:varchar(512)" json:"return_url"`
	CreditApplied        int64             `gorm:"not null;default:0" json:"credit_applied"`
	AmountDue            int64             `gorm:"not null" json:"amount_due"`
	WalletID             int64             `gorm:"not null;default:0" json:"wallet_id"`
	Metadata             datatypes.JSONMap `json:"metadata"`
	TransactionReference string            `gorm:"type:varchar(128)" json:"transaction_reference"`
	FailureReason        string            `gorm:"type:varchar(512)" json:"failure_reason"`
	ErrorCode            string            `gorm:"type:varchar(64)" json:"error_code"`
	RefundedAmount       int64             `gorm:"not null;default:0" json:"refunded_amount"`
	RefundReason         string            `gorm:"type:varchar(512)" json:"refund_reason"`
	CompletedAt          *time.Time        `json:"completed_at"`
	FailedAt             *time.Time        `json:"failed_at"`
	CancelledAt          *time.Time        `json:"cancelled_at"`
	RefundedAt           *time.Time        `json:"refunded_at"`
	Version              int               `gorm:"not null;default:0" json:"version"`
	CreatedAt            time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"index" json:"updated_at"`

	Attempts []PaymentAttempt `gorm:"foreignKey:PaymentID" json:"-"`
	Logs     []PaymentLog     `gorm:"foreignKey:PaymentID" json:"-"`
}

func (Payment) TableName() string {
	return "payment"
}

// PaymentAttempt 网关往返记录表
type PaymentAttempt struct {
	ID               int64             `gorm:"primaryKey;autoIncrement:false" json:"id"`
	PaymentID        int64             `gorm:"uniqueIndex:uk_payment_attempt;not null" json:"payment_id"`
	AttemptNumber    int               `gorm:"uniqueIndex:uk_payment_attempt;not null" json:"attempt_number"`
	Status           string            `gorm:"type:varchar(32);not null" json:"status"`
	ProviderResponse datatypes.JSONMap `json:"provider_response"`
	CreatedAt        time.Time         `json:"created_at"`
}

func (PaymentAttempt) TableName() string {
	return "payment_attempt"
}

// PaymentLog 支付审计日志表，只追加
type PaymentLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	PaymentID int64     `gorm:"index;not null" json:"payment_id"`
	Action    string    `gorm:"type:varchar(32);not null" json:"action"`
	Details   string    `gorm:"type:varchar(512)" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (PaymentLog) TableName() string {
	return "payment_log"
}
