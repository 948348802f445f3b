package repository

import (
	"context"
	"errors"

	"payflow/internal/domain"
	"payflow/internal/model"

	"gorm.io/gorm"
)

type walletTransactionRepository struct {
	db *gorm.DB
}

func NewWalletTransactionRepository(db *gorm.DB) WalletTransactionRepository {
	return &walletTransactionRepository{db: db}
}

func (r *walletTransactionRepository) GetByID(ctx context.Context, id int64) (*domain.WalletTransaction, error) {
	var row model.WalletTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("流水不存在: %d", id)
		}
		return nil, err
	}
	t := toTransactionDomain(&row)
	return &t, nil
}

// FindByReference 按业务引用查找未冲正的流水，用于入账/扣款幂等
func (r *walletTransactionRepository) FindByReference(ctx context.Context, userID int64, ref domain.Reference, typ domain.TransactionType) (*domain.WalletTransaction, error) {
	var row model.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND reference_id = ? AND reference_type = ? AND type = ? AND is_reversed = ?",
			userID, ref.ID, ref.Type, string(typ), false).
		Order("created_at DESC, id DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	t := toTransactionDomain(&row)
	return &t, nil
}

func (r *walletTransactionRepository) ListByUserID(ctx context.Context, userID int64, filter TransactionFilter) ([]domain.WalletTransaction, int64, error) {
	page, pageSize := NormalizePage(filter.Page, filter.PageSize)

	query := r.db.WithContext(ctx).Model(&model.WalletTransaction{}).Where("user_id = ?", userID)
	if filter.Type != "" {
		query = query.Where("type = ?", string(filter.Type))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []model.WalletTransaction
	err := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]domain.WalletTransaction, 0, len(rows))
	for i := range rows {
		out = append(out, toTransactionDomain(&rows[i]))
	}
	return out, total, nil
}
