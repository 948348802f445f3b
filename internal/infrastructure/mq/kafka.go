package mq

import (
	"fmt"

	"payflow/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Producer 消息发送接口，发件箱投递依赖它而不是具体的 Kafka 客户端
type Producer interface {
	Send(topic, key, value string, headers map[string]string) error
	Close() error
}

// KafkaProducer 基于 sarama 同步生产者
type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

// NewKafkaProducer 创建 Kafka 生产者
func NewKafkaProducer(cfg *config.KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	logger.Info("Kafka 生产者创建成功", zap.Strings("brokers", cfg.Brokers))
	return NewKafkaProducerFrom(producer, logger), nil
}

// NewKafkaProducerFrom 包装已有的 sarama 生产者，测试中传入 mocks.SyncProducer
func NewKafkaProducerFrom(producer sarama.SyncProducer, logger *zap.Logger) *KafkaProducer {
	return &KafkaProducer{producer: producer, logger: logger}
}

// Send 发送消息到 Kafka
func (p *KafkaProducer) Send(topic, key, value string, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	p.logger.Debug("消息已发送",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

// LogProducer Kafka 未启用时使用，只记录日志
type LogProducer struct {
	logger *zap.Logger
}

func NewLogProducer(logger *zap.Logger) *LogProducer {
	return &LogProducer{logger: logger}
}

func (p *LogProducer) Send(topic, key, value string, headers map[string]string) error {
	p.logger.Info("Kafka 未启用，事件仅记录日志",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.String("value", value),
	)
	return nil
}

func (p *LogProducer) Close() error { return nil }
