package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 事务性发件箱
// 领域事件与业务数据在同一事务内写入，由 job.OutboxSender 投递到 Kafka
type OutboxMessage struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey    string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic         string    `gorm:"type:varchar(64);not null" json:"topic"`
	EventName     string    `gorm:"type:varchar(64);not null" json:"event_name"`
	AggregateType string    `gorm:"type:varchar(32);not null" json:"aggregate_type"`
	AggregateKey  string    `gorm:"type:varchar(64);index;not null" json:"aggregate_key"`
	Payload       string    `gorm:"type:text;not null" json:"payload"`
	Status        string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount    int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
