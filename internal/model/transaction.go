package model

import (
	"time"
)

// ============================================================================
// 钱包流水实体
// ============================================================================

// WalletTransaction 钱包流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不删除；冲正只更新 is_reversed 及冲正信息
// 2. amount 恒为正数，方向由 type 决定
// 3. 记录交易后余额，便于人工核对
type WalletTransaction struct {
	ID             int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TransactionNo  string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	WalletID       int64      `gorm:"index;not null" json:"wallet_id"`
	UserID         int64      `gorm:"index;not null" json:"user_id"`
	Amount         int64      `gorm:"not null" json:"amount"`
	Type           string     `gorm:"type:varchar(20);not null" json:"type"`
	Description    string     `gorm:"type:varchar(256)" json:"description"`
	ReferenceID    string     `gorm:"type:varchar(64);index:idx_wallet_tx_ref" json:"reference_id"`
	ReferenceType  string     `gorm:"type:varchar(32);index:idx_wallet_tx_ref" json:"reference_type"`
	BalanceAfter   int64      `gorm:"not null" json:"balance_after"`
	IsReversed     bool       `gorm:"not null" json:"is_reversed"`
	ReversedAt     *time.Time `json:"reversed_at"`
	ReversalReason string     `gorm:"type:varchar(256)" json:"reversal_reason"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transaction"
}
