package lock

import (
	"context"
	"errors"
	"time"
)

// ============================================================================
// 资源锁
// ============================================================================
//
// 按资源名互斥，例如 create:{幂等键}、debit:{用户ID}、payment:{追踪号}。
// 锁必须带租约，持有者崩溃后由过期释放；租约必须短于调用方自身的超时。
//
// 两种实现：
//   - RedisLocker：多进程部署，SET NX PX + Lua 校验后删除
//   - MemoryLocker：单进程部署和测试，进程内互斥表
//
// ============================================================================

var ErrLockNotHeld = errors.New("锁未持有或已过期")

// Locker 资源锁服务
type Locker interface {
	// Acquire 在等待时间内尝试获取锁
	// 超时未获取到不是错误，返回 IsAcquired()==false 的句柄；只有后端故障才返回 error
	Acquire(ctx context.Context, key string, lease time.Duration, opts ...AcquireOption) (Handle, error)
}

// Handle 一次加锁的结果
type Handle interface {
	IsAcquired() bool
	// Release 释放锁；未获取到或已释放时为空操作
	Release(ctx context.Context) error
}

type acquireOptions struct {
	wait          time.Duration
	retryInterval time.Duration
}

type AcquireOption func(*acquireOptions)

// WithWait 最长等待时间，0 表示只尝试一次
func WithWait(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.wait = d }
}

// WithRetryInterval 等待期间的重试间隔
func WithRetryInterval(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.retryInterval = d }
}

func buildOptions(opts []AcquireOption) acquireOptions {
	o := acquireOptions{retryInterval: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	if o.retryInterval <= 0 {
		o.retryInterval = 50 * time.Millisecond
	}
	return o
}

// retry 在等待时间内反复调用 try，直到成功、出错或超时
func retry(ctx context.Context, o acquireOptions, try func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(o.wait)
	for {
		ok, err := try()
		if err != nil || ok {
			return ok, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		timer := time.NewTimer(o.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// notAcquired 获取失败时返回的句柄
type notAcquired struct{}

func (notAcquired) IsAcquired() bool { return false }
func (notAcquired) Release(ctx context.Context) error { return nil }
