package service

import (
	"context"
	"fmt"
	"time"

	"payflow/internal/domain"
	"payflow/internal/infrastructure/lock"

	"go.uber.org/zap"
)

// LockOptions 资源锁参数；Lease 必须短于请求超时
type LockOptions struct {
	Lease         time.Duration
	Wait          time.Duration
	RetryInterval time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{
		Lease:         10 * time.Second,
		Wait:          3 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

const releaseTimeout = 3 * time.Second

// 锁的资源名
func createLockKey(idempotencyKey string) string { return "create:" + idempotencyKey }

func paymentLockKey(trackingNumber string) string { return "payment:" + trackingNumber }

// walletLockKey op 为 credit / debit / apply / recalculate / reverse / status
func walletLockKey(op string, userID int64) string { return fmt.Sprintf("%s:%d", op, userID) }

type locking struct {
	locker lock.Locker
	opts   LockOptions
	logger *zap.Logger
}

// acquire 获取锁；等待超时未获取到返回冲突错误
func (l *locking) acquire(ctx context.Context, key string) (lock.Handle, error) {
	h, err := l.locker.Acquire(ctx, key, l.opts.Lease,
		lock.WithWait(l.opts.Wait),
		lock.WithRetryInterval(l.opts.RetryInterval),
	)
	if err != nil {
		return nil, err
	}
	if !h.IsAcquired() {
		return nil, domain.Conflictf("请求正在处理中，请稍后重试")
	}
	return h, nil
}

// release 释放锁，调用方的 ctx 已取消时仍然要释放
func (l *locking) release(ctx context.Context, key string, h lock.Handle) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := h.Release(releaseCtx); err != nil {
		l.logger.Warn("释放锁失败", zap.String("key", key), zap.Error(err))
	}
}

// withLock 持有锁执行 fn，所有退出路径都会释放锁
func (l *locking) withLock(ctx context.Context, key string, fn func() error) error {
	h, err := l.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer l.release(ctx, key, h)
	return fn()
}
