package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"payflow/internal/domain"
	"payflow/internal/model"
	"payflow/pkg/idgen"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type paymentRepository struct {
	db  *gorm.DB
	seq idgen.Sequence
}

// NewPaymentRepository seq 用于生成追踪号
func NewPaymentRepository(db *gorm.DB, seq idgen.Sequence) PaymentRepository {
	return &paymentRepository{db: db, seq: seq}
}

func (r *paymentRepository) withChildren(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Attempts", func(db *gorm.DB) *gorm.DB {
			return db.Order("attempt_number ASC")
		}).
		Preload("Logs", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		})
}

func (r *paymentRepository) GetByID(ctx context.Context, id int64) (*domain.Payment, error) {
	var row model.Payment
	err := r.withChildren(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("支付单不存在: %d", id)
		}
		return nil, err
	}
	return toPaymentDomain(&row), nil
}

func (r *paymentRepository) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*domain.Payment, error) {
	var row model.Payment
	err := r.withChildren(ctx).Where("tracking_number = ?", trackingNumber).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("支付单不存在: %s", trackingNumber)
		}
		return nil, err
	}
	return toPaymentDomain(&row), nil
}

func (r *paymentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	if key == "" {
		return nil, nil
	}
	var row model.Payment
	err := r.withChildren(ctx).Where("idempotency_key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toPaymentDomain(&row), nil
}

func (r *paymentRepository) Add(ctx context.Context, payment *domain.Payment) error {
	row := toPaymentRow(payment)
	db := r.db.WithContext(ctx)
	if err := db.Omit(clause.Associations).Create(row).Error; err != nil {
		return translateError(err)
	}
	if err := r.insertChildren(db, payment); err != nil {
		return err
	}
	payment.MarkPersisted(row.Version)
	return nil
}

// Update 乐观锁更新：version 不一致时返回冲突错误
func (r *paymentRepository) Update(ctx context.Context, payment *domain.Payment) error {
	s := payment.State()
	db := r.db.WithContext(ctx)

	result := db.Model(&model.Payment{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Updates(map[string]interface{}{
			"status":                string(s.Status),
			"credit_applied":        s.CreditApplied,
			"amount_due":            s.AmountDue,
			"wallet_id":             s.WalletID,
			"transaction_reference": s.TransactionReference,
			"failure_reason":        s.FailureReason,
			"error_code":            s.ErrorCode,
			"refunded_amount":       s.RefundedAmount,
			"refund_reason":         s.RefundReason,
			"completed_at":          s.CompletedAt,
			"failed_at":             s.FailedAt,
			"cancelled_at":          s.CancelledAt,
			"refunded_at":           s.RefundedAt,
			"updated_at":            s.UpdatedAt,
			"version":               gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.Conflictf("支付单已被并发修改，请重试: %s", s.TrackingNumber)
	}

	if err := r.insertChildren(db, payment); err != nil {
		return err
	}
	payment.MarkPersisted(s.Version + 1)
	return nil
}

func (r *paymentRepository) insertChildren(db *gorm.DB, payment *domain.Payment) error {
	if attempts := toAttemptRows(payment.ID(), payment.PendingAttempts()); len(attempts) > 0 {
		if err := db.Create(&attempts).Error; err != nil {
			return translateError(err)
		}
	}
	if logs := toLogRows(payment.ID(), payment.PendingLogs()); len(logs) > 0 {
		if err := db.Create(&logs).Error; err != nil {
			return translateError(err)
		}
	}
	return nil
}

func (r *paymentRepository) List(ctx context.Context, filter PaymentFilter) ([]*domain.Payment, int64, error) {
	page, pageSize := NormalizePage(filter.Page, filter.PageSize)

	query := r.db.WithContext(ctx).Model(&model.Payment{})
	if filter.UserID > 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at < ?", filter.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []model.Payment
	err := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	payments := make([]*domain.Payment, 0, len(rows))
	for i := range rows {
		payments = append(payments, toPaymentDomain(&rows[i]))
	}
	return payments, total, nil
}

func (r *paymentRepository) ListLogs(ctx context.Context, trackingNumber string) ([]domain.PaymentLog, error) {
	var row model.Payment
	err := r.db.WithContext(ctx).Select("id").Where("tracking_number = ?", trackingNumber).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("支付单不存在: %s", trackingNumber)
		}
		return nil, err
	}

	var logs []model.PaymentLog
	err = r.db.WithContext(ctx).
		Where("payment_id = ?", row.ID).
		Order("created_at ASC, id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.PaymentLog, 0, len(logs))
	for _, l := range logs {
		out = append(out, toPaymentLogDomain(l))
	}
	return out, nil
}

// ListStale 查询在 before 之前创建、仍处于 status 的支付单（不含子表）
func (r *paymentRepository) ListStale(ctx context.Context, status domain.PaymentStatus, before time.Time, limit int) ([]*domain.Payment, error) {
	var rows []model.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(status), before).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	payments := make([]*domain.Payment, 0, len(rows))
	for i := range rows {
		payments = append(payments, toPaymentDomain(&rows[i]))
	}
	return payments, nil
}

func (r *paymentRepository) GenerateTrackingNumber(ctx context.Context) (string, error) {
	n, err := r.seq.Next(ctx)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}
