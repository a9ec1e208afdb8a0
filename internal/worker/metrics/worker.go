package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/acme/campaign-call-manager/internal/app"
	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/queue"
	"github.com/acme/campaign-call-manager/internal/repository"
)

// Worker folds the transition stream into per-campaign daily counters.
// Counters are incremented at least once per transition; a redelivered
// message after a crash can double count, which is acceptable for
// campaign-level reporting.
type Worker struct {
	container *app.Container
}

// New creates a metrics worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run consumes the transition topic until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Name:       "metrics worker",
		Reader:     w.container.Kafka.NewReader(cfg.Kafka.TransitionTopic, cfg.Kafka.ConsumerGroupID),
		Handler:    w.Handle,
		DeadLetter: w.container.DeadLetterSink().Func(cfg.Kafka.TransitionTopic),
		Retries:    cfg.Worker.HandlerRetries,
		Backoff:    cfg.Worker.RetryBackoff,
		Logger:     w.container.Logger,
	})
	return consumer.Run(ctx)
}

// Handle applies the counter delta for one transition.
func (w *Worker) Handle(ctx context.Context, m kafka.Message) error {
	var tr queue.TransitionMessage
	if err := json.Unmarshal(m.Value, &tr); err != nil {
		return queue.Permanent(fmt.Errorf("unmarshal transition: %w", err))
	}

	delta, ok := deltaFor(tr.To)
	if !ok {
		return nil
	}

	day := domain.MetricsDay(tr.OccurredAt)
	if err := w.container.Repositories().Metrics.ApplyDelta(ctx, tr.CampaignID, day, delta); err != nil {
		return fmt.Errorf("apply delta for call %s: %w", tr.CallID, err)
	}
	return nil
}

// deltaFor maps an entered status to its counter. PROCESSING is a handoff
// state and is not counted.
func deltaFor(to string) (repository.MetricsDelta, bool) {
	switch domain.CallStatus(to) {
	case domain.CallStatusInitiated:
		return repository.MetricsDelta{Initiated: 1}, true
	case domain.CallStatusPicked:
		return repository.MetricsDelta{Picked: 1}, true
	case domain.CallStatusDisconnected:
		return repository.MetricsDelta{Disconnected: 1}, true
	case domain.CallStatusRNR:
		return repository.MetricsDelta{RNR: 1}, true
	case domain.CallStatusFailed:
		return repository.MetricsDelta{Failed: 1}, true
	case domain.CallStatusExhausted:
		return repository.MetricsDelta{Exhausted: 1}, true
	case domain.CallStatusRetrying:
		return repository.MetricsDelta{Retries: 1}, true
	default:
		return repository.MetricsDelta{}, false
	}
}
