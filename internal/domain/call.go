package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for a call attempt.
type CallStatus string

const (
	CallStatusInitiated    CallStatus = "INITIATED"
	CallStatusProcessing   CallStatus = "PROCESSING"
	CallStatusPicked       CallStatus = "PICKED"
	CallStatusDisconnected CallStatus = "DISCONNECTED"
	CallStatusRNR          CallStatus = "RNR"
	CallStatusFailed       CallStatus = "FAILED"
	CallStatusRetrying     CallStatus = "RETRYING"
	CallStatusExhausted    CallStatus = "EXHAUSTED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusPicked || s == CallStatusExhausted
}

// IsRetryPending reports whether the call holds a failure outcome and waits
// for the retry scheduler.
func (s CallStatus) IsRetryPending() bool {
	return s == CallStatusDisconnected || s == CallStatusRNR || s == CallStatusFailed
}

// RetryPendingStatuses lists the statuses the retry scheduler sweeps.
func RetryPendingStatuses() []CallStatus {
	return []CallStatus{CallStatusDisconnected, CallStatusRNR, CallStatusFailed}
}

// CallOutcome is the provider-reported result of one dial attempt.
type CallOutcome string

const (
	OutcomePicked       CallOutcome = "PICKED"
	OutcomeDisconnected CallOutcome = "DISCONNECTED"
	OutcomeRNR          CallOutcome = "RNR"
	OutcomeFailed       CallOutcome = "FAILED"
)

// ParseOutcome validates a provider-supplied outcome string.
func ParseOutcome(raw string) (CallOutcome, bool) {
	switch o := CallOutcome(strings.ToUpper(strings.TrimSpace(raw))); o {
	case OutcomePicked, OutcomeDisconnected, OutcomeRNR, OutcomeFailed:
		return o, true
	default:
		return "", false
	}
}

// Status maps the outcome onto the call status it lands in.
func (o CallOutcome) Status() CallStatus {
	return CallStatus(o)
}

// CallAttempt is the unit of work: one target dialed on behalf of one
// campaign, carried across retries of the same logical call. CallID is the
// idempotency key for the whole chain.
type CallAttempt struct {
	CallID           string
	CampaignID       uuid.UUID
	PhoneNumber      string
	Status           CallStatus
	AttemptCount     int
	MaxAttempts      int
	ExternalRef      *string
	DurationSeconds  *int
	ErrorMessage     *string
	NextRetryAt      *time.Time
	CreatedAt        time.Time
	LastTransitionAt time.Time
}

// TransitionEvent records one applied status change.
type TransitionEvent struct {
	CallID  string
	From    CallStatus
	To      CallStatus
	Attempt int
	At      time.Time
}

// NewCallID builds the idempotency key for a call attempt chain.
func NewCallID(campaignID uuid.UUID, phoneNumber string, now time.Time) string {
	short := strings.ReplaceAll(campaignID.String(), "-", "")[:8]
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("call_%s_%s_%d_%s", short, phoneNumber, now.Unix(), suffix)
}

var targetCleaner = strings.NewReplacer("+", "", "-", "", "(", "", ")", "", " ", "")

// NormalizeTarget strips phone number formatting and validates the digit
// count. Accepts 7 to 15 digits after cleaning.
func NormalizeTarget(raw string) (string, bool) {
	cleaned := targetCleaner.Replace(strings.TrimSpace(raw))
	if len(cleaned) < 7 || len(cleaned) > 15 {
		return "", false
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return cleaned, true
}
