package job

import (
	"context"
	"strconv"
	"time"

	"payflow/internal/infrastructure/mq"
	"payflow/internal/model"
	"payflow/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OutboxSenderConfig struct {
	Interval  time.Duration
	BatchSize int
	MaxRetry  int
}

// OutboxSender 把发件箱中的领域事件投递到 Kafka
// 投递成功标记 SENT；失败累加重试次数，达到上限标记 FAILED 不再投递
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	producer   mq.Producer
	cfg        OutboxSenderConfig
	logger     *zap.Logger
	stopCh     chan struct{}
}

func NewOutboxSender(db *gorm.DB, producer mq.Producer, cfg OutboxSenderConfig, logger *zap.Logger) *OutboxSender {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 5
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		cfg:        cfg,
		logger:     logger.Named("outbox"),
		stopCh:     make(chan struct{}),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动", zap.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// RunOnce 投递一批待发送消息，返回投递成功的数量
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	headers := map[string]string{
		"event":          msg.EventName,
		"aggregate_type": msg.AggregateType,
		"outbox_id":      strconv.FormatInt(msg.ID, 10),
	}
	err := s.producer.Send(msg.Topic, msg.MessageKey, msg.Payload, headers)
	if err == nil {
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			// 状态没更新会重复投递，消费方按 outbox_id 去重
			s.logger.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return false
		}
		s.logger.Debug("消息发送成功",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("event", msg.EventName),
		)
		return true
	}

	s.logger.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	if msg.RetryCount+1 >= s.cfg.MaxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			s.logger.Error("消息超过最大重试次数，标记为失败",
				zap.Int64("id", msg.ID),
				zap.String("event", msg.EventName),
				zap.String("aggregate_key", msg.AggregateKey),
			)
		}
		return false
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}
	return false
}
