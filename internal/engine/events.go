package engine

import "github.com/acme/campaign-call-manager/internal/domain"

// Event is a lifecycle input applied through the status guard.
type Event interface {
	kind() string
}

// ProviderAccepted reports that the provider accepted the dial request and
// assigned its own reference for the call leg.
type ProviderAccepted struct {
	ExternalRef string
}

func (ProviderAccepted) kind() string { return "provider_accepted" }

// ProviderRejected reports that the provider refused the dial request
// outright. The attempt fails without ever reaching PROCESSING.
type ProviderRejected struct {
	Reason string
}

func (ProviderRejected) kind() string { return "provider_rejected" }

// CallbackReceived carries the provider's outcome report for a dialed call.
type CallbackReceived struct {
	Outcome         domain.CallOutcome
	DurationSeconds *int
	ExternalRef     string
	Reason          string
}

func (CallbackReceived) kind() string { return "callback_received" }

// RetryAdmitted re-arms a retry-pending call after the scheduler secured a
// fresh admission slot for the next attempt.
type RetryAdmitted struct{}

func (RetryAdmitted) kind() string { return "retry_admitted" }
