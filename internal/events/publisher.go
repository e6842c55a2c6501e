// Package events streams committed ledger records to Kafka so downstream
// consumers (notifications, analytics) can react without polling the store.
// Publishing is best-effort: a failed publish never rolls back a committed
// ledger operation.
package events

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Publisher emits one event per committed record.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any) error
	Close()
}

// NoopPublisher is used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }
func (NoopPublisher) Close()                                     {}

type KafkaPublisher struct {
	logger   *zap.Logger
	producer *kafka.Producer
	topic    string
}

// NewKafkaPublisher creates an idempotent producer for the record topic.
func NewKafkaPublisher(logger *zap.Logger, brokers, topic string) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers, // Kafka broker(s)
		"acks":               "all",   // Wait for all replicas
		"enable.idempotence": "true",  // Ensure messages are not sent twice
		"retries":            "1",     // Built-in retry mechanism
	})
	if err != nil {
		return nil, err
	}
	logger.Info("kafka producer created successfully", zap.String("brokers", brokers), zap.String("topic", topic))
	go handleDeliveryReports(logger, p) // Async error handling
	return &KafkaPublisher{
		logger:   logger,
		producer: p,
		topic:    topic,
	}, nil
}

func (k *KafkaPublisher) Publish(_ context.Context, key string, payload any) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// Keyed by identity so one account's records stay ordered per partition.
	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(key),
		Value: msgBytes,
	}, nil)
}

func (k *KafkaPublisher) Close() {
	k.producer.Close()
}

func handleDeliveryReports(logger *zap.Logger, p *kafka.Producer) {
	for e := range p.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				logger.Error("failed to publish record event", zap.Error(ev.TopicPartition.Error))
			}
		}
	}
}
