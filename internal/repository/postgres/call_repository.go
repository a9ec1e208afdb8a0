package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/repository"
)

// CallRepository implements repository.CallRepository using PostgreSQL.
type CallRepository struct {
	db *sqlx.DB
}

// NewCallRepository constructs a new repository.
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

const callColumns = `call_id, campaign_id, phone_number, status, attempt_count, max_attempts,
	external_ref, duration_seconds, error_message, next_retry_at, created_at, last_transition_at`

// Create inserts a new call attempt. A call_id collision returns ErrConflict.
func (r *CallRepository) Create(ctx context.Context, attempt *domain.CallAttempt) error {
	q := `INSERT INTO call_attempts (
		call_id, campaign_id, phone_number, status, attempt_count, max_attempts,
		external_ref, duration_seconds, error_message, next_retry_at, created_at, last_transition_at
	) VALUES (
		:call_id, :campaign_id, :phone_number, :status, :attempt_count, :max_attempts,
		:external_ref, :duration_seconds, :error_message, :next_retry_at, :created_at, :last_transition_at
	) ON CONFLICT (call_id) DO NOTHING`

	params := map[string]any{
		"call_id":            attempt.CallID,
		"campaign_id":        attempt.CampaignID,
		"phone_number":       attempt.PhoneNumber,
		"status":             string(attempt.Status),
		"attempt_count":      attempt.AttemptCount,
		"max_attempts":       attempt.MaxAttempts,
		"external_ref":       attempt.ExternalRef,
		"duration_seconds":   attempt.DurationSeconds,
		"error_message":      attempt.ErrorMessage,
		"next_retry_at":      attempt.NextRetryAt,
		"created_at":         attempt.CreatedAt,
		"last_transition_at": attempt.LastTransitionAt,
	}

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("call repo: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

// Get fetches a call attempt by its id.
func (r *CallRepository) Get(ctx context.Context, callID string) (*domain.CallAttempt, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+callColumns+` FROM call_attempts WHERE call_id = $1`, callID)

	var record callRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call repo: get: %w", err)
	}

	attempt := record.toDomain()
	return &attempt, nil
}

// ListByCampaign returns a campaign's attempts, newest first.
func (r *CallRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.CallAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+callColumns+` FROM call_attempts
		WHERE campaign_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("call repo: list by campaign: %w", err)
	}
	defer rows.Close()

	var results []domain.CallAttempt
	for rows.Next() {
		var record callRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("call repo: scan: %w", err)
		}
		results = append(results, record.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: rows err: %w", err)
	}
	return results, nil
}

// Transition applies change iff the row's status is one of from. The guard
// and the mutation are a single conditional UPDATE, so concurrent deliveries
// of the same event race safely: one wins, the rest read back the settled
// row with applied == false.
func (r *CallRepository) Transition(ctx context.Context, callID string, from []domain.CallStatus, change repository.StatusChange) (*domain.CallAttempt, bool, error) {
	increment := 0
	if change.IncrementAttempt {
		increment = 1
	}

	q := `UPDATE call_attempts SET
		status = $3,
		attempt_count = attempt_count + $4,
		max_attempts = COALESCE($5, max_attempts),
		external_ref = COALESCE(external_ref, $6),
		duration_seconds = COALESCE($7, duration_seconds),
		error_message = COALESCE($8, error_message),
		next_retry_at = $9,
		last_transition_at = $10
	WHERE call_id = $1 AND status = ANY($2)
	RETURNING ` + callColumns

	row := r.db.QueryRowxContext(ctx, q,
		callID, statusStrings(from), string(change.To), increment,
		change.MaxAttempts, change.ExternalRef, change.DurationSeconds,
		change.ErrorMessage, change.NextRetryAt, change.At,
	)

	var record callRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			current, gerr := r.Get(ctx, callID)
			if gerr != nil {
				return nil, false, gerr
			}
			return current, false, nil
		}
		return nil, false, fmt.Errorf("call repo: transition: %w", err)
	}

	attempt := record.toDomain()
	return &attempt, true, nil
}

// ListDueForRetry returns retry-pending attempts whose next retry time has
// passed, oldest due first.
func (r *CallRepository) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.CallAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+callColumns+` FROM call_attempts
		WHERE status = ANY($1)
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $2
		  AND attempt_count < max_attempts
		ORDER BY next_retry_at ASC
		LIMIT $3`,
		statusStrings(domain.RetryPendingStatuses()), now, limit)
	if err != nil {
		return nil, fmt.Errorf("call repo: list due: %w", err)
	}
	defer rows.Close()

	var results []domain.CallAttempt
	for rows.Next() {
		var record callRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("call repo: scan: %w", err)
		}
		results = append(results, record.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: rows err: %w", err)
	}
	return results, nil
}

// DeferRetry pushes the next retry time forward while the call is still
// retry-pending. A call that transitioned meanwhile is left alone.
func (r *CallRepository) DeferRetry(ctx context.Context, callID string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE call_attempts SET next_retry_at = $2
		WHERE call_id = $1 AND status = ANY($3)`,
		callID, until, statusStrings(domain.RetryPendingStatuses()))
	if err != nil {
		return fmt.Errorf("call repo: defer retry: %w", err)
	}
	return nil
}

func statusStrings(statuses []domain.CallStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

type callRecord struct {
	CallID           string         `db:"call_id"`
	CampaignID       uuid.UUID      `db:"campaign_id"`
	PhoneNumber      string         `db:"phone_number"`
	Status           string         `db:"status"`
	AttemptCount     int            `db:"attempt_count"`
	MaxAttempts      int            `db:"max_attempts"`
	ExternalRef      sql.NullString `db:"external_ref"`
	DurationSeconds  sql.NullInt64  `db:"duration_seconds"`
	ErrorMessage     sql.NullString `db:"error_message"`
	NextRetryAt      sql.NullTime   `db:"next_retry_at"`
	CreatedAt        time.Time      `db:"created_at"`
	LastTransitionAt time.Time      `db:"last_transition_at"`
}

func (r callRecord) toDomain() domain.CallAttempt {
	attempt := domain.CallAttempt{
		CallID:           r.CallID,
		CampaignID:       r.CampaignID,
		PhoneNumber:      r.PhoneNumber,
		Status:           domain.CallStatus(r.Status),
		AttemptCount:     r.AttemptCount,
		MaxAttempts:      r.MaxAttempts,
		CreatedAt:        r.CreatedAt,
		LastTransitionAt: r.LastTransitionAt,
	}
	if r.ExternalRef.Valid {
		v := r.ExternalRef.String
		attempt.ExternalRef = &v
	}
	if r.DurationSeconds.Valid {
		v := int(r.DurationSeconds.Int64)
		attempt.DurationSeconds = &v
	}
	if r.ErrorMessage.Valid {
		v := r.ErrorMessage.String
		attempt.ErrorMessage = &v
	}
	if r.NextRetryAt.Valid {
		v := r.NextRetryAt.Time
		attempt.NextRetryAt = &v
	}
	return attempt
}
