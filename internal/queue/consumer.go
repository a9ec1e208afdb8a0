package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/campaign-call-manager/pkg/logger"
)

// Handler processes one fetched message. Returning an error triggers an
// in-process retry unless the error is marked permanent.
type Handler func(ctx context.Context, m kafka.Message) error

// DeadLetterFunc records a message that exhausted its retry budget. It must
// persist the message durably; if it fails the offset is left uncommitted so
// the group redelivers the message.
type DeadLetterFunc func(ctx context.Context, m kafka.Message, cause error) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable so the consumer dead-letters the
// message immediately instead of burning the retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ConsumerConfig wires a consumer loop.
type ConsumerConfig struct {
	Name       string
	Reader     *kafka.Reader
	Handler    Handler
	DeadLetter DeadLetterFunc
	Retries    int
	Backoff    time.Duration
	Logger     *logger.Logger
}

// Consumer runs a fetch/handle/commit loop. Each message is handled with a
// bounded number of in-process retries; a message that still fails is handed
// to the dead letter func before its offset is committed, so failures are
// parked rather than dropped.
type Consumer struct {
	name       string
	reader     *kafka.Reader
	handler    Handler
	deadLetter DeadLetterFunc
	retries    int
	backoff    time.Duration
	log        *logger.Logger
}

// NewConsumer builds a consumer from the given configuration.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{
		name:       cfg.Name,
		reader:     cfg.Reader,
		handler:    cfg.Handler,
		deadLetter: cfg.DeadLetter,
		retries:    retries,
		backoff:    backoff,
		log:        log,
	}
}

// Run consumes until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error(c.name+": fetch message", zap.Error(err))
			continue
		}

		if err := c.process(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error(c.name+": process", zap.Error(err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, m kafka.Message) error {
	if err := c.handleWithRetry(ctx, m); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.deadLetter == nil {
			return fmt.Errorf("handle message: %w", err)
		}
		if dlErr := c.deadLetter(ctx, m, err); dlErr != nil {
			// Offset stays uncommitted so the message comes back.
			return fmt.Errorf("dead letter message: %w", dlErr)
		}
		c.log.Warn(c.name+": message dead lettered",
			zap.String("key", string(m.Key)),
			zap.Error(err),
		)
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (c *Consumer) handleWithRetry(ctx context.Context, m kafka.Message) error {
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
		}

		if err = c.handler(ctx, m); err == nil {
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		c.log.Warn(c.name+": handler failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.String("key", string(m.Key)),
			zap.Error(err),
		)
	}
	return err
}
