package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// CallbackPublisher publishes provider outcome reports.
type CallbackPublisher struct {
	writer *kafka.Writer
}

// NewCallbackPublisher constructs a callback publisher for the given topic.
func NewCallbackPublisher(k *Kafka, topic string) *CallbackPublisher {
	return &CallbackPublisher{writer: k.NewWriter(topic)}
}

// PublishCallback emits a callback message to Kafka.
func (p *CallbackPublisher) PublishCallback(ctx context.Context, msg CallbackMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("callback publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.CallID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("callback publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *CallbackPublisher) Close() error {
	return p.writer.Close()
}
