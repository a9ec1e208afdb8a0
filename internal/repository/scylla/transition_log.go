package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/campaign-call-manager/internal/domain"
)

// TransitionLog appends applied status changes to Scylla. The log is the
// durable form of the transition stream: write-heavy, append-only, read back
// per call for audit.
type TransitionLog struct {
	session *gocql.Session
}

// NewTransitionLog creates the log over an open session.
func NewTransitionLog(session *gocql.Session) *TransitionLog {
	return &TransitionLog{session: session}
}

// Append records one applied transition.
func (l *TransitionLog) Append(ctx context.Context, event domain.TransitionEvent) error {
	if err := l.session.Query(`INSERT INTO transition_log (call_id, at, from_status, to_status, attempt)
		VALUES (?, ?, ?, ?, ?)`,
		event.CallID, event.At, string(event.From), string(event.To), event.Attempt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("transition log: append: %w", err)
	}
	return nil
}

// ListByCall returns a call's transitions in order of application.
func (l *TransitionLog) ListByCall(ctx context.Context, callID string, limit int) ([]domain.TransitionEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := l.session.Query(`SELECT call_id, at, from_status, to_status, attempt
		FROM transition_log WHERE call_id = ? ORDER BY at ASC LIMIT ?`,
		callID, limit,
	).WithContext(ctx).Iter()

	var (
		events []domain.TransitionEvent
		event  domain.TransitionEvent
		from   string
		to     string
	)
	for iter.Scan(&event.CallID, &event.At, &from, &to, &event.Attempt) {
		event.From = domain.CallStatus(from)
		event.To = domain.CallStatus(to)
		events = append(events, event)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("transition log: list: %w", err)
	}
	return events, nil
}
