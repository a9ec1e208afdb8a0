package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// IntentDispatcher publishes dial intents for admitted call attempts.
type IntentDispatcher struct {
	writer *kafka.Writer
}

// NewIntentDispatcher constructs an intent dispatcher for the given topic.
func NewIntentDispatcher(k *Kafka, topic string) *IntentDispatcher {
	return &IntentDispatcher{writer: k.NewWriter(topic)}
}

// Dispatch emits a dial intent to Kafka.
func (d *IntentDispatcher) Dispatch(ctx context.Context, msg IntentMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("intent dispatcher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.CallID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("intent dispatcher: write message: %w", err)
	}
	return nil
}

// Close closes the dispatcher.
func (d *IntentDispatcher) Close() error {
	return d.writer.Close()
}
