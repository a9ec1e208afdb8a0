package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DeadLetterPublisher mirrors permanently failed messages onto the dead
// letter topic.
type DeadLetterPublisher struct {
	writer *kafka.Writer
}

// NewDeadLetterPublisher constructs a dead letter publisher for the given topic.
func NewDeadLetterPublisher(k *Kafka, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(topic)}
}

// Publish emits a dead letter record keyed by the original message key.
func (p *DeadLetterPublisher) Publish(ctx context.Context, msg DeadLetterMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dead letter publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.MessageKey),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dead letter publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
