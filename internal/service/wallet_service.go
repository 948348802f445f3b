package service

import (
	"context"
	"errors"

	"payflow/internal/domain"
	"payflow/internal/infrastructure/lock"
	"payflow/internal/repository"
	"payflow/internal/uow"

	"go.uber.org/zap"
)

// ============================================================================
// 钱包服务
// ============================================================================
//
// 【写操作流程】
//   1. 按操作类型获取用户级锁（credit / debit / apply / recalculate / reverse / status）
//   2. 开启工作单元，在事务内重新读取钱包
//   3. 调用聚合方法修改余额，登记到工作单元
//   4. 提交（钱包行加了行锁，另有乐观锁 version 兜底，不同类型的操作不会基于过期余额同时提交）
//   5. 释放锁
//
// ============================================================================

type WalletService struct {
	uows     *uow.Factory
	locks    *locking
	currency string
	logger   *zap.Logger
}

func NewWalletService(uows *uow.Factory, locker lock.Locker, lockOpts LockOptions, currency string, logger *zap.Logger) *WalletService {
	return &WalletService{
		uows:     uows,
		locks:    &locking{locker: locker, opts: lockOpts, logger: logger},
		currency: currency,
		logger:   logger,
	}
}

// CreditApplication 余额抵扣结果
type CreditApplication struct {
	Applied   int64
	Remaining int64
	// Wallet / Transaction 仅在 Applied > 0 时有值
	Wallet      *domain.Wallet
	Transaction *domain.WalletTransaction
}

// Get 查询钱包，首次访问时创建
func (s *WalletService) Get(ctx context.Context, userID int64) (*WalletView, error) {
	if userID <= 0 {
		return nil, domain.Validationf("用户ID不合法")
	}

	u := s.uows.New()
	defer u.Close()

	w, err := u.Wallets().GetByUserID(ctx, userID)
	if err == nil {
		return toWalletView(w), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if err := u.Begin(ctx); err != nil {
		return nil, err
	}
	w, err = u.Wallets().GetOrCreate(ctx, userID, s.currency)
	if err != nil {
		u.Rollback()
		return nil, err
	}
	u.Track(w)
	if err := u.Commit(ctx); err != nil {
		return nil, err
	}
	return toWalletView(w), nil
}

// Credit 入账；带外部单据的入账按单据幂等
func (s *WalletService) Credit(ctx context.Context, userID int64, req *WalletOperationRequest) (*TransactionView, error) {
	return s.mutate(ctx, "credit", domain.TransactionTypeCredit, userID, req)
}

// Debit 出账，余额不足返回 InsufficientFundsError 且不产生流水
func (s *WalletService) Debit(ctx context.Context, userID int64, req *WalletOperationRequest) (*TransactionView, error) {
	return s.mutate(ctx, "debit", domain.TransactionTypeDebit, userID, req)
}

func (s *WalletService) mutate(ctx context.Context, op string, typ domain.TransactionType, userID int64, req *WalletOperationRequest) (*TransactionView, error) {
	if userID <= 0 {
		return nil, domain.Validationf("用户ID不合法")
	}
	if req.Amount <= 0 {
		return nil, domain.Validationf("金额必须大于0")
	}

	var result *TransactionView
	err := s.locks.withLock(ctx, walletLockKey(op, userID), func() error {
		u := s.uows.New()
		defer u.Close()
		if err := u.Begin(ctx); err != nil {
			return err
		}

		ref := req.reference()
		if !ref.IsZero() {
			existing, err := u.WalletTransactions().FindByReference(ctx, userID, ref, typ)
			if err != nil {
				u.Rollback()
				return err
			}
			if existing != nil {
				result = toTransactionView(*existing)
				return u.Rollback()
			}
		}

		w, err := u.Wallets().GetOrCreate(ctx, userID, s.currency)
		if err != nil {
			u.Rollback()
			return err
		}

		var trans domain.WalletTransaction
		if typ == domain.TransactionTypeCredit {
			trans, err = w.Credit(req.Amount, req.Description, ref)
		} else {
			trans, err = w.Debit(req.Amount, req.Description, ref)
		}
		if err != nil {
			u.Rollback()
			return err
		}

		u.Track(w)
		if err := u.Commit(ctx); err != nil {
			return err
		}
		result = toTransactionView(trans)
		return nil
	})
	if err != nil {
		s.logger.Info("钱包操作失败",
			zap.String("op", op),
			zap.Int64("user_id", userID),
			zap.Int64("amount", req.Amount),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

// ApplyCreditTowardPayment 在调用方的事务内用钱包余额抵扣支付
//
// 抵扣金额 = min(余额, amount)。拿不到锁、钱包不存在、扣款或写入失败时返回 (0, amount)，
// 不影响调用方的主流程。扣款在返回前已写入调用方事务，锁在调用方事务结束后才释放。
func (s *WalletService) ApplyCreditTowardPayment(ctx context.Context, u *uow.UnitOfWork, userID, amount int64, description string, ref domain.Reference) CreditApplication {
	none := CreditApplication{Remaining: amount}
	if userID <= 0 || amount <= 0 {
		return none
	}

	key := walletLockKey("apply", userID)
	h, err := s.locks.acquire(ctx, key)
	if err != nil {
		s.logger.Warn("获取钱包抵扣锁失败，跳过余额抵扣", zap.Int64("user_id", userID), zap.Error(err))
		return none
	}
	u.AfterComplete(func() { s.locks.release(ctx, key, h) })

	// 行锁挡住其他锁命名空间的并发修改，直到调用方事务结束
	w, err := u.Wallets().GetByUserIDForUpdate(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("读取钱包失败，跳过余额抵扣", zap.Int64("user_id", userID), zap.Error(err))
		}
		return none
	}

	applied := min(w.Balance(), amount)
	if applied <= 0 {
		return none
	}
	trans, err := w.Debit(applied, description, ref)
	if err != nil {
		s.logger.Warn("钱包扣款失败，跳过余额抵扣", zap.Int64("user_id", userID), zap.Error(err))
		return none
	}
	// 立即写入：写入失败只回滚扣款，支付单按无抵扣继续
	if err := u.Flush(ctx, w); err != nil {
		s.logger.Warn("写入钱包扣款失败，跳过余额抵扣", zap.Int64("user_id", userID), zap.Error(err))
		return none
	}

	return CreditApplication{
		Applied:     applied,
		Remaining:   amount - applied,
		Wallet:      w,
		Transaction: &trans,
	}
}

// Recalculate 按完整流水重算余额，修正缓存余额的偏差
func (s *WalletService) Recalculate(ctx context.Context, userID int64) (*RecalculateResponse, error) {
	if userID <= 0 {
		return nil, domain.Validationf("用户ID不合法")
	}

	var resp *RecalculateResponse
	err := s.locks.withLock(ctx, walletLockKey("recalculate", userID), func() error {
		u := s.uows.New()
		defer u.Close()
		if err := u.Begin(ctx); err != nil {
			return err
		}

		w, err := u.Wallets().GetByUserIDWithHistory(ctx, userID)
		if err != nil {
			u.Rollback()
			return err
		}
		previous := w.Balance()
		changed, err := w.RecalculateBalance()
		if err != nil {
			u.Rollback()
			return err
		}
		if !changed {
			resp = &RecalculateResponse{Wallet: toWalletView(w)}
			return u.Rollback()
		}

		u.Track(w)
		if err := u.Commit(ctx); err != nil {
			return err
		}
		s.logger.Warn("钱包余额与流水不一致，已修正",
			zap.Int64("user_id", userID),
			zap.Int64("previous", previous),
			zap.Int64("balance", w.Balance()),
		)
		resp = &RecalculateResponse{Wallet: toWalletView(w), Changed: true}
		return nil
	})
	return resp, err
}

// SetActive 启用或停用钱包；停用后入账、出账和冲正都会被拒绝
func (s *WalletService) SetActive(ctx context.Context, userID int64, active bool) (*WalletView, error) {
	if userID <= 0 {
		return nil, domain.Validationf("用户ID不合法")
	}

	var view *WalletView
	err := s.locks.withLock(ctx, walletLockKey("status", userID), func() error {
		u := s.uows.New()
		defer u.Close()
		if err := u.Begin(ctx); err != nil {
			return err
		}

		w, err := u.Wallets().GetByUserIDForUpdate(ctx, userID)
		if err != nil {
			u.Rollback()
			return err
		}
		if w.IsActive() == active {
			view = toWalletView(w)
			return u.Rollback()
		}

		if active {
			w.Activate()
		} else {
			w.Deactivate()
		}
		u.Track(w)
		if err := u.Commit(ctx); err != nil {
			return err
		}
		view = toWalletView(w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("钱包状态已更新", zap.Int64("user_id", userID), zap.Bool("active", view.IsActive))
	return view, nil
}

// Reverse 冲正一笔流水
func (s *WalletService) Reverse(ctx context.Context, userID, transactionID int64, reason string) (*TransactionView, error) {
	if userID <= 0 {
		return nil, domain.Validationf("用户ID不合法")
	}

	var result *TransactionView
	err := s.locks.withLock(ctx, walletLockKey("reverse", userID), func() error {
		u := s.uows.New()
		defer u.Close()
		if err := u.Begin(ctx); err != nil {
			return err
		}

		w, err := u.Wallets().GetByUserIDWithHistory(ctx, userID)
		if err != nil {
			u.Rollback()
			return err
		}
		trans, err := w.Reverse(transactionID, reason)
		if err != nil {
			u.Rollback()
			return err
		}

		u.Track(w)
		if err := u.Commit(ctx); err != nil {
			return err
		}
		result = toTransactionView(trans)
		return nil
	})
	return result, err
}

// ListTransactions 分页查询流水，按时间倒序
func (s *WalletService) ListTransactions(ctx context.Context, userID int64, filter repository.TransactionFilter) (*TransactionPage, error) {
	if userID <= 0 {
		return nil, domain.Validationf("用户ID不合法")
	}
	filter.Page, filter.PageSize = repository.NormalizePage(filter.Page, filter.PageSize)

	u := s.uows.New()
	items, total, err := u.WalletTransactions().ListByUserID(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	page := &TransactionPage{
		Items:    make([]*TransactionView, 0, len(items)),
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}
	for _, t := range items {
		page.Items = append(page.Items, toTransactionView(t))
	}
	return page, nil
}

// releaseCredit 在调用方事务内冲正支付单占用的钱包扣款
// 没有抵扣或扣款已冲正时什么都不做
func (s *WalletService) releaseCredit(ctx context.Context, u *uow.UnitOfWork, p *domain.Payment, reason string) error {
	if p.CreditApplied() <= 0 || p.UserID() <= 0 {
		return nil
	}

	ref := domain.Reference{ID: p.TrackingNumber(), Type: domain.ReferenceTypePayment}
	trans, err := u.WalletTransactions().FindByReference(ctx, p.UserID(), ref, domain.TransactionTypeDebit)
	if err != nil {
		return err
	}
	if trans == nil {
		return nil
	}

	key := walletLockKey("reverse", p.UserID())
	h, err := s.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	u.AfterComplete(func() { s.locks.release(ctx, key, h) })

	w, err := u.Wallets().GetByUserIDWithHistory(ctx, p.UserID())
	if err != nil {
		return err
	}
	if _, err := w.Reverse(trans.ID, reason); err != nil {
		return err
	}
	u.Track(w)
	return nil
}

// refundToWallet 在调用方事务内把退款记入钱包，按追踪号幂等
func (s *WalletService) refundToWallet(ctx context.Context, u *uow.UnitOfWork, p *domain.Payment, amount int64, reason string) error {
	if amount <= 0 || p.UserID() <= 0 {
		return nil
	}

	ref := domain.Reference{ID: p.TrackingNumber(), Type: domain.ReferenceTypeRefund}
	existing, err := u.WalletTransactions().FindByReference(ctx, p.UserID(), ref, domain.TransactionTypeCredit)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	key := walletLockKey("credit", p.UserID())
	h, err := s.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	u.AfterComplete(func() { s.locks.release(ctx, key, h) })

	w, err := u.Wallets().GetOrCreate(ctx, p.UserID(), p.Currency())
	if err != nil {
		return err
	}
	if _, err := w.Credit(amount, "支付退款: "+reason, ref); err != nil {
		return err
	}
	u.Track(w)
	return nil
}
