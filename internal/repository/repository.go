package repository

import (
	"context"
	"errors"
	"time"

	"payflow/internal/domain"

	"gorm.io/gorm"
)

// PaymentRepository 支付单仓储
// 通过 GetByTrackingNumber / GetByID 得到的聚合包含完整的尝试记录和审计日志，
// List / ListStale 只加载主表，仅用于查询和筛选。
type PaymentRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Payment, error)
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (*domain.Payment, error)
	// FindByIdempotencyKey 不存在时返回 nil, nil
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	Add(ctx context.Context, payment *domain.Payment) error
	Update(ctx context.Context, payment *domain.Payment) error
	List(ctx context.Context, filter PaymentFilter) ([]*domain.Payment, int64, error)
	ListLogs(ctx context.Context, trackingNumber string) ([]domain.PaymentLog, error)
	ListStale(ctx context.Context, status domain.PaymentStatus, before time.Time, limit int) ([]*domain.Payment, error)
	// GenerateTrackingNumber 并发下单调递增、全局唯一
	GenerateTrackingNumber(ctx context.Context) (string, error)
}

// WalletRepository 钱包仓储
type WalletRepository interface {
	// GetByUserID 只加载钱包本身
	GetByUserID(ctx context.Context, userID int64) (*domain.Wallet, error)
	// GetByUserIDForUpdate 事务内加行锁读取，用于修改余额
	GetByUserIDForUpdate(ctx context.Context, userID int64) (*domain.Wallet, error)
	// GetByUserIDWithHistory 加行锁加载钱包及完整流水，用于重算余额和冲正
	GetByUserIDWithHistory(ctx context.Context, userID int64) (*domain.Wallet, error)
	// GetOrCreate 首次访问时懒创建钱包
	GetOrCreate(ctx context.Context, userID int64, currency string) (*domain.Wallet, error)
	Add(ctx context.Context, wallet *domain.Wallet) error
	Update(ctx context.Context, wallet *domain.Wallet) error
}

// WalletTransactionRepository 钱包流水仓储（只读，写入由钱包聚合负责）
type WalletTransactionRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.WalletTransaction, error)
	// FindByReference 不存在时返回 nil, nil
	FindByReference(ctx context.Context, userID int64, ref domain.Reference, typ domain.TransactionType) (*domain.WalletTransaction, error)
	ListByUserID(ctx context.Context, userID int64, filter TransactionFilter) ([]domain.WalletTransaction, int64, error)
}

type PaymentFilter struct {
	UserID   int64
	Status   domain.PaymentStatus
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

type TransactionFilter struct {
	Type     domain.TransactionType
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// NormalizePage 规范化分页参数
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// translateError 把数据库错误转换为业务错误
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &domain.Error{Kind: domain.KindConflict, Message: "记录已存在", Err: err}
	}
	return err
}
