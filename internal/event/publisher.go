package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/convoq-io/convoq/pkg/protocol"
)

// Publisher delivers routing core events to the analytics and webhook
// collaborators.
type Publisher interface {
	Publish(ctx context.Context, ev protocol.Event) error
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(context.Context, protocol.Event) error { return nil }

// Multi fans an event out to several publishers. Every sink is attempted;
// the first error is returned.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev protocol.Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// KafkaPublisher writes events to a Kafka topic. The message key is the
// conversation ID, so per-conversation event order is preserved within a
// partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		logger: logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event: marshal: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.ConversationID),
		Value: data,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("event: kafka write: %w", err)
	}
	p.logger.Debug("event published", "type", ev.Type, "conversation", ev.ConversationID)
	return nil
}

// Close flushes and closes the Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
