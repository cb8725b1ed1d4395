package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// KafkaPublisher публикует биллинговые события в Kafka.
// Топик совпадает с типом события, ключом сообщения служит ID агрегата,
// чтобы события одной подписки попадали в одну партицию.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	log      *logger.Logger
}

// NewSyncProducer создает синхронный продюсер Kafka
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are not configured")
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return producer, nil
}

// NewKafkaPublisher создает новый публикатор событий в Kafka
func NewKafkaPublisher(producer sarama.SyncProducer, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		log:      log,
	}
}

// Publish публикует событие в Kafka
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.BillingEvent) error {
	messageValue, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal billing event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: string(event.Type),
		Key:   sarama.StringEncoder(event.AggregateID()),
		Value: sarama.ByteEncoder(messageValue),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(event.Type),
			},
			{
				Key:   []byte("event_id"),
				Value: []byte(event.ID.String()),
			},
		},
		Timestamp: event.Created,
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		p.log.Errorw("Failed to publish billing event", "error", err, "type", event.Type, "event_id", event.ID)
		return fmt.Errorf("failed to publish billing event: %w", err)
	}

	p.log.Info("Published billing event %s to topic %s: partition=%d offset=%d",
		event.ID, event.Type, partition, offset)

	return nil
}

// Close закрывает продюсер
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
