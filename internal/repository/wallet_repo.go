package repository

import (
	"context"
	"errors"

	"payflow/internal/domain"
	"payflow/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type walletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{db: db}
}

// getRow forUpdate 为 true 时加行锁（SELECT ... FOR UPDATE），锁持有到事务结束
func (r *walletRepository) getRow(ctx context.Context, userID int64, forUpdate bool) (*model.Wallet, error) {
	var row model.Wallet
	db := r.db.WithContext(ctx)
	if forUpdate {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := db.Where("user_id = ?", userID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("钱包不存在: 用户 %d", userID)
		}
		return nil, err
	}
	return &row, nil
}

func (r *walletRepository) GetByUserID(ctx context.Context, userID int64) (*domain.Wallet, error) {
	row, err := r.getRow(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	return toWalletDomain(row, nil, false), nil
}

func (r *walletRepository) GetByUserIDForUpdate(ctx context.Context, userID int64) (*domain.Wallet, error) {
	row, err := r.getRow(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	return toWalletDomain(row, nil, false), nil
}

func (r *walletRepository) GetByUserIDWithHistory(ctx context.Context, userID int64) (*domain.Wallet, error) {
	row, err := r.getRow(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	var txs []model.WalletTransaction
	err = r.db.WithContext(ctx).
		Where("wallet_id = ?", row.ID).
		Order("created_at ASC, id ASC").
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return toWalletDomain(row, txs, true), nil
}

// GetOrCreate 钱包不存在时创建，已存在时加行锁读取
// 并发创建时唯一索引兜底，未抢到的一方重新读取
func (r *walletRepository) GetOrCreate(ctx context.Context, userID int64, currency string) (*domain.Wallet, error) {
	wallet, err := r.GetByUserIDForUpdate(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	wallet, err = domain.NewWallet(userID, currency)
	if err != nil {
		return nil, err
	}
	row := toWalletRow(wallet)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if result.Error != nil {
		return nil, translateError(result.Error)
	}
	if result.RowsAffected == 1 {
		wallet.MarkPersisted(row.Version)
		return wallet, nil
	}
	return r.GetByUserIDForUpdate(ctx, userID)
}

func (r *walletRepository) Add(ctx context.Context, wallet *domain.Wallet) error {
	row := toWalletRow(wallet)
	db := r.db.WithContext(ctx)
	if err := db.Create(row).Error; err != nil {
		return translateError(err)
	}
	if err := r.insertTransactions(db, wallet); err != nil {
		return err
	}
	wallet.MarkPersisted(row.Version)
	return nil
}

// Update 乐观锁更新余额，并写入新增流水和冲正标记
func (r *walletRepository) Update(ctx context.Context, wallet *domain.Wallet) error {
	db := r.db.WithContext(ctx)
	version := wallet.Version()

	result := db.Model(&model.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID(), version).
		Updates(map[string]interface{}{
			"balance":    wallet.Balance(),
			"is_active":  wallet.IsActive(),
			"updated_at": wallet.UpdatedAt(),
			"version":    gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.Conflictf("钱包已被并发修改，请重试: 用户 %d", wallet.UserID())
	}

	for _, t := range wallet.ModifiedTransactions() {
		err := db.Model(&model.WalletTransaction{}).
			Where("id = ?", t.ID).
			Updates(map[string]interface{}{
				"is_reversed":     t.IsReversed,
				"reversed_at":     t.ReversedAt,
				"reversal_reason": t.ReversalReason,
			}).Error
		if err != nil {
			return err
		}
	}

	if err := r.insertTransactions(db, wallet); err != nil {
		return err
	}
	wallet.MarkPersisted(version + 1)
	return nil
}

func (r *walletRepository) insertTransactions(db *gorm.DB, wallet *domain.Wallet) error {
	pending := wallet.PendingTransactions()
	if len(pending) == 0 {
		return nil
	}
	rows := make([]model.WalletTransaction, 0, len(pending))
	for _, t := range pending {
		rows = append(rows, toTransactionRow(wallet.UserID(), t))
	}
	return translateError(db.Create(&rows).Error)
}
