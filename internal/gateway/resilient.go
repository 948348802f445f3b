package gateway

import (
	"context"
	"time"

	"payflow/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	// MaxRetries 首次调用之外的最大重试次数
	MaxRetries int
	// BaseDelay 第一次重试前的等待，之后按指数增长
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timeout 含全部重试在内的总超时
	Timeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Timeout:    15 * time.Second,
	}
}

// Resilient 为网关调用加上有界重试、指数退避和总超时
// 只重试临时故障；业务拒绝原样返回；重试耗尽返回 ExternalServiceError
type Resilient struct {
	next   Client
	policy RetryPolicy
	logger *zap.Logger
}

func NewResilient(next Client, policy RetryPolicy, logger *zap.Logger) *Resilient {
	return &Resilient{next: next, policy: policy, logger: logger}
}

func (r *Resilient) Request(ctx context.Context, params RequestParams) (*RequestResult, error) {
	return call(ctx, r, "request", func(ctx context.Context) (*RequestResult, error) {
		return r.next.Request(ctx, params)
	})
}

func (r *Resilient) Fetch(ctx context.Context, params CallbackParams) (*FetchResult, error) {
	return call(ctx, r, "fetch", func(ctx context.Context) (*FetchResult, error) {
		return r.next.Fetch(ctx, params)
	})
}

func (r *Resilient) Verify(ctx context.Context, fetched *FetchResult) (*VerifyResult, error) {
	return call(ctx, r, "verify", func(ctx context.Context) (*VerifyResult, error) {
		return r.next.Verify(ctx, fetched)
	})
}

func (r *Resilient) backOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.1
	if r.policy.MaxDelay > 0 {
		eb.MaxInterval = r.policy.MaxDelay
	}
	// 总时长由 ctx 控制
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxRetries)), ctx)
}

func call[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	attempts := 0
	result, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		v, err := fn(callCtx)
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.backOff(callCtx), func(err error, wait time.Duration) {
		r.logger.Warn("网关调用失败，准备重试",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err == nil {
		return result, nil
	}

	var zero T
	// 调用方自己取消或超时，原样返回
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if domain.KindOf(err) != domain.KindInternal {
		return zero, err
	}
	r.logger.Error("网关调用失败",
		zap.String("op", op),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return zero, domain.ExternalService("支付网关暂不可用，请稍后重试", err)
}
