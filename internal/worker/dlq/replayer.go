package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/campaign-call-manager/internal/queue"
	"github.com/acme/campaign-call-manager/internal/repository"
	"github.com/acme/campaign-call-manager/pkg/logger"
)

// Replayer periodically runs parked messages back through their topic
// handlers. An entry that keeps failing ages out of the replayable set at the
// replay ceiling and stays in Postgres for manual inspection.
type Replayer struct {
	repo     repository.DeadLetterRepository
	handlers map[string]queue.Handler
	interval time.Duration
	batch    int
	log      *logger.Logger
}

// NewReplayer builds a replayer that sweeps at the given interval.
func NewReplayer(repo repository.DeadLetterRepository, interval time.Duration, log *logger.Logger) *Replayer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Replayer{
		repo:     repo,
		handlers: map[string]queue.Handler{},
		interval: interval,
		batch:    50,
		log:      log,
	}
}

// Register installs the handler used to replay messages from a topic.
func (r *Replayer) Register(topic string, h queue.Handler) {
	r.handlers[topic] = h
}

// Run sweeps until the context is canceled.
func (r *Replayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := r.sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("dead letter replayer: sweep", zap.Error(err))
		}
	}
}

func (r *Replayer) sweep(ctx context.Context) error {
	entries, err := r.repo.ListReplayable(ctx, r.batch)
	if err != nil {
		return fmt.Errorf("list replayable: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		handler, ok := r.handlers[entry.Topic]
		if !ok {
			r.log.Debug("dead letter replayer: no handler for topic",
				zap.String("topic", entry.Topic))
			continue
		}

		msg := kafka.Message{
			Topic: entry.Topic,
			Key:   []byte(entry.MessageKey),
			Value: entry.Payload,
		}
		if herr := handler(ctx, msg); herr != nil {
			if ierr := r.repo.IncrementReplay(ctx, entry.ID, herr.Error()); ierr != nil {
				r.log.Warn("dead letter replayer: record failure", zap.Error(ierr))
			}
			continue
		}

		if merr := r.repo.MarkProcessed(ctx, entry.ID); merr != nil {
			r.log.Warn("dead letter replayer: mark processed", zap.Error(merr))
			continue
		}
		r.log.Info("dead letter replayer: replayed",
			zap.String("topic", entry.Topic),
			zap.String("key", entry.MessageKey),
		)
	}
	return nil
}
