package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-call-manager/internal/domain"
	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CallRepository persists call attempts. Transition is the only write path
// after creation: a compare-and-set guarded by the current status.
type CallRepository interface {
	Create(ctx context.Context, attempt *domain.CallAttempt) error
	Get(ctx context.Context, callID string) (*domain.CallAttempt, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.CallAttempt, error)
	// Transition applies change iff the row's status is one of from. It
	// returns the row as stored afterwards and whether the guard matched;
	// applied == false with a nil error is the stale-transition case.
	Transition(ctx context.Context, callID string, from []domain.CallStatus, change StatusChange) (attempt *domain.CallAttempt, applied bool, err error)
	// ListDueForRetry returns retry-pending attempts whose next retry time
	// has passed and whose attempt count sits below the ceiling.
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.CallAttempt, error)
	// DeferRetry moves the next retry time without a status change. The
	// guard keeps it from clobbering a concurrent transition.
	DeferRetry(ctx context.Context, callID string, until time.Time) error
}

// StatusChange describes the row mutation applied when the guard matches.
// Pointer fields are written only when non-nil, except NextRetryAt which is
// always written (nil clears it — every transition decides schedule state).
type StatusChange struct {
	To               domain.CallStatus
	IncrementAttempt bool
	MaxAttempts      *int
	ExternalRef      *string
	DurationSeconds  *int
	ErrorMessage     *string
	NextRetryAt      *time.Time
	At               time.Time
}

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// TargetRepository stores the dial backlog: roster numbers and their
// progress toward a created call attempt.
type TargetRepository interface {
	BulkInsert(ctx context.Context, targets []domain.DialTarget) error
	// EnqueueForDial atomically inserts the extra targets as pending and
	// flips the campaign's registered roster to pending. Returns the number
	// of targets now waiting for the dial sweep.
	EnqueueForDial(ctx context.Context, campaignID uuid.UUID, extra []domain.DialTarget) (int64, error)
	// NextPendingBatch returns pending targets oldest first, across
	// campaigns.
	NextPendingBatch(ctx context.Context, limit int) ([]domain.DialTarget, error)
	MarkState(ctx context.Context, ids []uuid.UUID, state domain.TargetState, lastError *string) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, state domain.TargetState, limit int) ([]domain.DialTarget, error)
}

// DeadLetterRepository preserves poison messages for replay and inspection.
type DeadLetterRepository interface {
	Insert(ctx context.Context, entry *domain.DeadLetter) error
	ListReplayable(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	IncrementReplay(ctx context.Context, id uuid.UUID, lastError string) error
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricsRepository keeps per-campaign daily transition counters.
type MetricsRepository interface {
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, day time.Time, delta MetricsDelta) error
	Range(ctx context.Context, from, to time.Time) ([]domain.CallMetrics, error)
}

// MetricsDelta captures atomic counter increments.
type MetricsDelta struct {
	Initiated    int64
	Picked       int64
	Disconnected int64
	RNR          int64
	Failed       int64
	Exhausted    int64
	Retries      int64
}

// TransitionLog is the append-only audit trail of applied transitions.
type TransitionLog interface {
	Append(ctx context.Context, event domain.TransitionEvent) error
	ListByCall(ctx context.Context, callID string, limit int) ([]domain.TransitionEvent, error)
}
