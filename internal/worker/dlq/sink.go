package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/queue"
	"github.com/acme/campaign-call-manager/internal/repository"
	"github.com/acme/campaign-call-manager/pkg/logger"
)

// Publisher mirrors dead letters onto the dead letter topic for observers.
type Publisher interface {
	Publish(ctx context.Context, msg queue.DeadLetterMessage) error
}

// Sink records poison messages. The Postgres row is the durable copy and must
// succeed; the topic mirror is best effort.
type Sink struct {
	repo   repository.DeadLetterRepository
	mirror Publisher
	log    *logger.Logger
}

// NewSink builds a sink over the repository and an optional topic mirror.
func NewSink(repo repository.DeadLetterRepository, mirror Publisher, log *logger.Logger) *Sink {
	if log == nil {
		log = logger.Nop()
	}
	return &Sink{repo: repo, mirror: mirror, log: log}
}

// Record persists the failed message with the error that defeated it.
func (s *Sink) Record(ctx context.Context, topic string, m kafka.Message, cause error) error {
	entry := &domain.DeadLetter{
		ID:         uuid.New(),
		Topic:      topic,
		MessageKey: string(m.Key),
		Payload:    append([]byte(nil), m.Value...),
		Error:      cause.Error(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("dead letter sink: insert: %w", err)
	}

	if s.mirror != nil {
		msg := queue.DeadLetterMessage{
			ID:         entry.ID,
			Topic:      entry.Topic,
			MessageKey: entry.MessageKey,
			Payload:    entry.Payload,
			Error:      entry.Error,
			FailedAt:   entry.CreatedAt,
		}
		if err := s.mirror.Publish(ctx, msg); err != nil {
			s.log.Warn("dead letter sink: mirror publish",
				zap.String("topic", topic),
				zap.String("key", entry.MessageKey),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Func adapts the sink into a consumer dead letter hook for one topic.
func (s *Sink) Func(topic string) queue.DeadLetterFunc {
	return func(ctx context.Context, m kafka.Message, cause error) error {
		return s.Record(ctx, topic, m, cause)
	}
}
