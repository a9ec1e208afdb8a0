package mock

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/queue"
	"github.com/acme/campaign-call-manager/internal/telephony"
	"github.com/acme/campaign-call-manager/pkg/logger"
)

// CallbackSink receives the simulated outcome reports.
type CallbackSink interface {
	PublishCallback(ctx context.Context, msg queue.CallbackMessage) error
}

// Provider simulates a telephony provider in-process: dial requests are
// accepted immediately and the drawn outcome arrives through the callback
// sink after a short delay. Useful for development and load tests without a
// real trunk.
type Provider struct {
	sink  CallbackSink
	log   *logger.Logger
	delay func() time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider builds the simulated provider.
func NewProvider(sink CallbackSink, log *logger.Logger) *Provider {
	p := &Provider{
		sink: sink,
		log:  log,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.delay = func() time.Duration {
		return time.Duration(1+p.intn(3)) * time.Second
	}
	return p
}

// PlaceCall acks instantly and schedules the outcome callback.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.DialRequest) (telephony.Ack, error) {
	ref := "sim_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	sample := p.sample()

	time.AfterFunc(p.delay(), func() {
		duration := sample.DurationSeconds
		msg := queue.CallbackMessage{
			CallID:          req.CallID,
			Outcome:         string(sample.Outcome),
			DurationSeconds: &duration,
			ExternalRef:     ref,
			OccurredAt:      time.Now().UTC(),
		}
		if sample.Outcome == domain.OutcomeFailed {
			msg.ErrorMessage = "simulated provider failure"
		}

		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.sink.PublishCallback(pubCtx, msg); err != nil {
			p.log.Error("mock provider: publish callback",
				zap.String("call_id", req.CallID),
				zap.Error(err),
			)
		}
	})

	return telephony.Ack{ExternalRef: ref}, nil
}

func (p *Provider) sample() telephony.OutcomeSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return telephony.SampleOutcome(p.rng)
}

func (p *Provider) intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(n)
}
