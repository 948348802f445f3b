package repository

import (
	"context"
	"encoding/json"
	"time"

	"payflow/internal/domain"
	"payflow/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// eventEnvelope 投递到 Kafka 的消息体
type eventEnvelope struct {
	Event         string         `json:"event"`
	AggregateType string         `json:"aggregate_type"`
	AggregateKey  string         `json:"aggregate_key"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// AddEvents 把领域事件写入发件箱，必须在业务事务内调用
func (r *OutboxRepository) AddEvents(ctx context.Context, topic string, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	messages := make([]model.OutboxMessage, 0, len(events))
	for _, e := range events {
		body, err := json.Marshal(eventEnvelope{
			Event:         e.Name,
			AggregateType: e.AggregateType,
			AggregateKey:  e.AggregateKey,
			Payload:       e.Payload,
			OccurredAt:    e.OccurredAt,
		})
		if err != nil {
			return err
		}
		messages = append(messages, model.OutboxMessage{
			MessageKey:    e.AggregateKey,
			Topic:         topic,
			EventName:     e.Name,
			AggregateType: e.AggregateType,
			AggregateKey:  e.AggregateKey,
			Payload:       string(body),
			Status:        model.OutboxStatusPending,
		})
	}
	return r.db.WithContext(ctx).Create(&messages).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxStatusSent).Error
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

// CountByStatus 按状态统计，供运维查询积压
func (r *OutboxRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("status = ?", status).Count(&n).Error
	return n, err
}
