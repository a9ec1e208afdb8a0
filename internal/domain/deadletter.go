package domain

import (
	"time"

	"github.com/google/uuid"
)

// MaxDeadLetterReplays bounds automatic replays; entries beyond it are kept
// for manual inspection.
const MaxDeadLetterReplays = 3

// DeadLetter preserves a message that repeatedly failed processing. Nothing
// is ever dropped silently: poison messages land here with the error that
// defeated them.
type DeadLetter struct {
	ID          uuid.UUID
	Topic       string
	MessageKey  string
	Payload     []byte
	Error       string
	ReplayCount int
	Processed   bool
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// Replayable reports whether the entry is still eligible for automatic replay.
func (d DeadLetter) Replayable() bool {
	return !d.Processed && d.ReplayCount < MaxDeadLetterReplays
}
