package repository

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// KafkaPublisher writes payment state changes keyed by payment id.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}}
}

func (p *KafkaPublisher) PublishStateChange(ctx context.Context, ev models.StateChange) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.PaymentID),
		Value: value,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops state changes; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishStateChange(context.Context, models.StateChange) error { return nil }
