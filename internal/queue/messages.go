package queue

import (
	"time"

	"github.com/google/uuid"
)

// IntentMessage instructs a dial worker to place one call attempt with the
// telephony provider. Messages are keyed by call id so all attempts of a call
// land on the same partition in order.
type IntentMessage struct {
	CallID      string    `json:"call_id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	PhoneNumber string    `json:"phone_number"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// CallbackMessage carries a provider outcome report for a placed call.
type CallbackMessage struct {
	CallID          string    `json:"call_id"`
	Outcome         string    `json:"outcome"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	ExternalRef     string    `json:"external_ref,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// TransitionMessage mirrors a state transition applied to a call attempt.
type TransitionMessage struct {
	CallID     string    `json:"call_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DeadLetterMessage mirrors a permanently failed message onto the dead letter
// topic. The durable copy lives in Postgres; this record exists for observers.
// Payload is raw bytes, not decoded JSON: malformed input is exactly what ends
// up here.
type DeadLetterMessage struct {
	ID         uuid.UUID `json:"id"`
	Topic      string    `json:"topic"`
	MessageKey string    `json:"message_key"`
	Payload    []byte    `json:"payload"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}
