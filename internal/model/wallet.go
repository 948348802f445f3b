package model

import (
	"time"
)

// Wallet 用户钱包表
// balance 是流水的缓存值，可以随时由 wallet_transaction 重算
type Wallet struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	Currency  string    `gorm:"type:varchar(8);not null" json:"currency"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	Version   int       `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}
