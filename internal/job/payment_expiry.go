package job

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PaymentExpirer 由 service.PaymentService 实现
type PaymentExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// PaymentExpiryJob 定时处理超时支付单：
// PENDING 超时取消，PROCESSING 迟迟收不到回调标记失败，均冲正钱包抵扣
type PaymentExpiryJob struct {
	expirer  PaymentExpirer
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
	stopCh   chan struct{}
}

func NewPaymentExpiryJob(expirer PaymentExpirer, interval time.Duration, logger *zap.Logger) *PaymentExpiryJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PaymentExpiryJob{
		expirer:  expirer,
		interval: interval,
		now:      time.Now,
		logger:   logger.Named("payment_expiry"),
		stopCh:   make(chan struct{}),
	}
}

func (j *PaymentExpiryJob) Start(ctx context.Context) {
	j.logger.Info("支付超时任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *PaymentExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *PaymentExpiryJob) RunOnce(ctx context.Context) int {
	n, err := j.expirer.ExpireStale(ctx, j.now())
	if err != nil {
		j.logger.Error("处理超时支付单失败", zap.Int("expired", n), zap.Error(err))
		return n
	}
	if n > 0 {
		j.logger.Info("本次处理超时支付单", zap.Int("expired", n))
	}
	return n
}
