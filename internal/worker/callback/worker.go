package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/acme/campaign-call-manager/internal/app"
	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/engine"
	"github.com/acme/campaign-call-manager/internal/queue"
	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
)

// Worker consumes provider callbacks and settles call attempts through the
// state engine.
type Worker struct {
	container *app.Container
}

// New creates a callback worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run consumes the callback topic until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Name:       "callback worker",
		Reader:     w.container.Kafka.NewReader(cfg.Kafka.CallbackTopic, cfg.Kafka.ConsumerGroupID),
		Handler:    w.Handle,
		DeadLetter: w.container.DeadLetterSink().Func(cfg.Kafka.CallbackTopic),
		Retries:    cfg.Worker.HandlerRetries,
		Backoff:    cfg.Worker.RetryBackoff,
		Logger:     w.container.Logger,
	})
	return consumer.Run(ctx)
}

// Handle settles one outcome report. Duplicate deliveries are absorbed by the
// engine's guarded transition, so redelivery after a crash is safe.
func (w *Worker) Handle(ctx context.Context, m kafka.Message) error {
	var cb queue.CallbackMessage
	if err := json.Unmarshal(m.Value, &cb); err != nil {
		return queue.Permanent(fmt.Errorf("unmarshal callback: %w", err))
	}

	outcome, ok := domain.ParseOutcome(cb.Outcome)
	if !ok {
		return queue.Permanent(fmt.Errorf("%w: unknown outcome %q for call %s",
			apperrors.ErrValidation, cb.Outcome, cb.CallID))
	}

	tracer := otel.Tracer("callmgr.callbackworker")
	sctx, span := tracer.Start(ctx, "call.callback", trace.WithAttributes(
		attribute.String("call.id", cb.CallID),
		attribute.String("outcome", string(outcome)),
	))
	defer span.End()

	_, err := w.container.Services().Engine.Transition(sctx, cb.CallID, engine.CallbackReceived{
		Outcome:         outcome,
		DurationSeconds: cb.DurationSeconds,
		ExternalRef:     cb.ExternalRef,
		Reason:          cb.ErrorMessage,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrValidation) {
			return queue.Permanent(fmt.Errorf("settle call %s: %w", cb.CallID, err))
		}
		return fmt.Errorf("settle call %s: %w", cb.CallID, err)
	}
	return nil
}
