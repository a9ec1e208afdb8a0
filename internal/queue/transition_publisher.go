package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// TransitionPublisher publishes applied state transitions for downstream
// consumers such as the metrics aggregator.
type TransitionPublisher struct {
	writer *kafka.Writer
}

// NewTransitionPublisher constructs a transition publisher for the given topic.
func NewTransitionPublisher(k *Kafka, topic string) *TransitionPublisher {
	return &TransitionPublisher{writer: k.NewWriter(topic)}
}

// PublishTransition emits a transition message to Kafka.
func (p *TransitionPublisher) PublishTransition(ctx context.Context, msg TransitionMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transition publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.CallID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("transition publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *TransitionPublisher) Close() error {
	return p.writer.Close()
}
