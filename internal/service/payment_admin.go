package service

import (
	"context"
	"time"

	"payflow/internal/domain"
	"payflow/internal/uow"

	"go.uber.org/zap"
)

// Cancel 取消 PENDING / PROCESSING 的支付单，冲正占用的钱包余额
func (s *PaymentService) Cancel(ctx context.Context, trackingNumber, reason string) (*PaymentView, error) {
	if reason == "" {
		reason = "用户取消"
	}
	p, err := s.withPayment(ctx, trackingNumber, func(p *domain.Payment) (bool, error) {
		if err := p.Cancel(reason); err != nil {
			return false, err
		}
		return true, nil
	}, func(ctx context.Context, u *uow.UnitOfWork, p *domain.Payment) error {
		return s.wallets.releaseCredit(ctx, u, p, "支付取消: "+reason)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("支付单已取消", zap.String("tracking_number", trackingNumber), zap.String("reason", reason))
	return toPaymentView(p), nil
}

// Refund 退款，amount 为 0 时全额退款
//
// 用户支付单的退款记入钱包：RefundCreditsToWallet 开启时记入全部退款金额，
// 否则只退回钱包抵扣的部分，网关支付的部分由网关原路退回。
func (s *PaymentService) Refund(ctx context.Context, trackingNumber string, req *RefundPaymentRequest) (*PaymentView, error) {
	if req.Amount < 0 {
		return nil, domain.Validationf("退款金额不能为负数")
	}
	reason := req.Reason
	if reason == "" {
		reason = "退款"
	}

	var amount int64
	p, err := s.withPayment(ctx, trackingNumber, func(p *domain.Payment) (bool, error) {
		amount = req.Amount
		if amount == 0 {
			amount = p.Amount()
		}
		if err := p.Refund(amount, reason); err != nil {
			return false, err
		}
		return true, nil
	}, func(ctx context.Context, u *uow.UnitOfWork, p *domain.Payment) error {
		return s.wallets.refundToWallet(ctx, u, p, s.walletRefundAmount(p, amount), reason)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("支付单已退款",
		zap.String("tracking_number", trackingNumber),
		zap.Int64("amount", amount),
	)
	return toPaymentView(p), nil
}

func (s *PaymentService) walletRefundAmount(p *domain.Payment, amount int64) int64 {
	if p.UserID() <= 0 {
		return 0
	}
	if s.opts.RefundCreditsToWallet {
		return amount
	}
	return min(amount, p.CreditApplied())
}

// ExpireStale 处理超时的支付单
//   - PENDING 超过 PendingTimeout 未进入处理：取消
//   - PROCESSING 超过 ProcessingTimeout 未收到回调：标记失败
// 两种情况都会冲正占用的钱包余额，返回处理成功的数量
func (s *PaymentService) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired := 0

	if s.opts.PendingTimeout > 0 {
		n, err := s.expireBatch(ctx, domain.PaymentStatusPending, now.Add(-s.opts.PendingTimeout),
			func(p *domain.Payment) error { return p.Cancel("支付超时未完成") },
			"支付超时取消")
		expired += n
		if err != nil {
			return expired, err
		}
	}

	if s.opts.ProcessingTimeout > 0 {
		n, err := s.expireBatch(ctx, domain.PaymentStatusProcessing, now.Add(-s.opts.ProcessingTimeout),
			func(p *domain.Payment) error { return p.Fail("等待网关回调超时", ErrorCodeCallbackTimeout) },
			"等待回调超时")
		expired += n
		if err != nil {
			return expired, err
		}
	}

	return expired, nil
}

func (s *PaymentService) expireBatch(ctx context.Context, status domain.PaymentStatus, before time.Time, apply func(*domain.Payment) error, reason string) (int, error) {
	stale, err := s.uows.New().Payments().ListStale(ctx, status, before, s.opts.ExpiryBatchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, candidate := range stale {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		tn := candidate.TrackingNumber()
		expired, err := s.withPayment(ctx, tn, func(p *domain.Payment) (bool, error) {
			// 加锁后状态已变化（回调已到达或已被取消）则跳过
			if p.Status() != status {
				return false, nil
			}
			return true, apply(p)
		}, func(ctx context.Context, u *uow.UnitOfWork, p *domain.Payment) error {
			return s.wallets.releaseCredit(ctx, u, p, reason)
		})
		if err != nil {
			if isRetryable(err) {
				s.logger.Info("超时支付单处理冲突，下次重试", zap.String("tracking_number", tn), zap.Error(err))
			} else {
				s.logger.Error("超时支付单处理失败", zap.String("tracking_number", tn), zap.Error(err))
			}
			continue
		}
		if expired != nil {
			count++
		}
	}

	if count > 0 {
		s.logger.Info("超时支付单处理完成", zap.String("status", string(status)), zap.Int("count", count))
	}
	return count, nil
}

// withPayment 持有 payment 锁、在事务内修改支付单
// mutate 返回 false 表示无需修改，直接回滚并返回 nil；after 在同一事务内处理关联的钱包
func (s *PaymentService) withPayment(
	ctx context.Context,
	trackingNumber string,
	mutate func(p *domain.Payment) (bool, error),
	after func(ctx context.Context, u *uow.UnitOfWork, p *domain.Payment) error,
) (*domain.Payment, error) {
	var updated *domain.Payment
	err := s.locks.withLock(ctx, paymentLockKey(trackingNumber), func() error {
		u := s.uows.New()
		defer u.Close()
		if err := u.Begin(ctx); err != nil {
			return err
		}

		p, err := u.Payments().GetByTrackingNumber(ctx, trackingNumber)
		if err != nil {
			u.Rollback()
			return err
		}
		changed, err := mutate(p)
		if err != nil {
			u.Rollback()
			return err
		}
		if !changed {
			return u.Rollback()
		}
		if after != nil {
			if err := after(ctx, u, p); err != nil {
				u.Rollback()
				return err
			}
		}

		u.Track(p)
		if err := u.Commit(ctx); err != nil {
			return err
		}
		updated = p
		return nil
	})
	return updated, err
}
