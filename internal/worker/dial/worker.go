package dial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/acme/campaign-call-manager/internal/app"
	"github.com/acme/campaign-call-manager/internal/engine"
	"github.com/acme/campaign-call-manager/internal/queue"
	"github.com/acme/campaign-call-manager/internal/telephony"
	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
)

// Worker consumes dial intents and places calls with the telephony provider.
type Worker struct {
	container *app.Container
}

// New creates a dial worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run consumes the intent topic until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Name:       "dial worker",
		Reader:     w.container.Kafka.NewReader(cfg.Kafka.IntentTopic, cfg.Kafka.ConsumerGroupID),
		Handler:    w.Handle,
		DeadLetter: w.container.DeadLetterSink().Func(cfg.Kafka.IntentTopic),
		Retries:    cfg.Worker.HandlerRetries,
		Backoff:    cfg.Worker.RetryBackoff,
		Logger:     w.container.Logger,
	})
	return consumer.Run(ctx)
}

// Handle places the call for one intent message. A provider refusal is a call
// outcome, not a processing failure: the engine fails the attempt and the
// retry policy takes over. Only infrastructure errors ride the retry path.
func (w *Worker) Handle(ctx context.Context, m kafka.Message) error {
	var intent queue.IntentMessage
	if err := json.Unmarshal(m.Value, &intent); err != nil {
		return queue.Permanent(fmt.Errorf("unmarshal intent: %w", err))
	}

	tracer := otel.Tracer("callmgr.dialworker")
	sctx, span := tracer.Start(ctx, "call.dial", trace.WithAttributes(
		attribute.String("call.id", intent.CallID),
		attribute.String("campaign.id", intent.CampaignID.String()),
		attribute.Int("attempt", intent.Attempt),
	))
	defer span.End()

	eng := w.container.Services().Engine
	provider := w.container.Providers().Telephony

	timeout := w.container.Config.Provider.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(sctx, timeout)
	ack, callErr := provider.PlaceCall(callCtx, telephony.DialRequest{
		CallID:      intent.CallID,
		PhoneNumber: intent.PhoneNumber,
		Attempt:     intent.Attempt,
	})
	cancel()

	if callErr != nil {
		span.RecordError(callErr)
		if _, err := eng.Transition(sctx, intent.CallID, engine.ProviderRejected{Reason: callErr.Error()}); err != nil {
			return classify(fmt.Errorf("fail call %s: %w", intent.CallID, err))
		}
		return nil
	}

	if _, err := eng.Transition(sctx, intent.CallID, engine.ProviderAccepted{ExternalRef: ack.ExternalRef}); err != nil {
		return classify(fmt.Errorf("accept call %s: %w", intent.CallID, err))
	}
	return nil
}

// classify marks errors that no amount of redelivery will fix as permanent.
func classify(err error) error {
	if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrValidation) {
		return queue.Permanent(err)
	}
	return err
}
