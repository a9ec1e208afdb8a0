package telephony

import (
	"context"
	"math/rand"

	"github.com/acme/campaign-call-manager/internal/domain"
)

// DialRequest asks the provider to place one call attempt.
type DialRequest struct {
	CallID      string
	PhoneNumber string
	Attempt     int
}

// Ack is the provider's synchronous answer to a dial request. The call
// outcome arrives later through the callback channel.
type Ack struct {
	ExternalRef string
}

// Provider abstracts the telephony integration. An error from PlaceCall
// means the attempt never started.
type Provider interface {
	PlaceCall(ctx context.Context, req DialRequest) (Ack, error)
}

// OutcomeSample is one drawn call result for simulation.
type OutcomeSample struct {
	Outcome         domain.CallOutcome
	DurationSeconds int
}

// SampleOutcome draws a simulated call result: 60% picked with 30-180s of
// talk time, 25% disconnected after 1-10s, 10% ring-no-response with 20-40s
// of ringing, 5% failed within 1-3s.
func SampleOutcome(rng *rand.Rand) OutcomeSample {
	roll := rng.Float64()
	switch {
	case roll < 0.60:
		return OutcomeSample{Outcome: domain.OutcomePicked, DurationSeconds: 30 + rng.Intn(151)}
	case roll < 0.85:
		return OutcomeSample{Outcome: domain.OutcomeDisconnected, DurationSeconds: 1 + rng.Intn(10)}
	case roll < 0.95:
		return OutcomeSample{Outcome: domain.OutcomeRNR, DurationSeconds: 20 + rng.Intn(21)}
	default:
		return OutcomeSample{Outcome: domain.OutcomeFailed, DurationSeconds: 1 + rng.Intn(3)}
	}
}
