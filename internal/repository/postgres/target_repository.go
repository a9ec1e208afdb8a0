package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-call-manager/internal/domain"
)

// TargetRepository persists the dial backlog in PostgreSQL.
type TargetRepository struct {
	db *sqlx.DB
}

// NewTargetRepository constructs the repository.
func NewTargetRepository(db *sqlx.DB) *TargetRepository {
	return &TargetRepository{db: db}
}

// BulkInsert inserts a batch of targets. Numbers already on the campaign's
// roster are left untouched.
func (r *TargetRepository) BulkInsert(ctx context.Context, targets []domain.DialTarget) error {
	if len(targets) == 0 {
		return nil
	}
	if _, err := r.db.NamedExecContext(ctx, insertTargetsQuery, targetParams(targets)); err != nil {
		return fmt.Errorf("targets: bulk insert: %w", err)
	}
	return nil
}

const insertTargetsQuery = `INSERT INTO campaign_targets (
	id, campaign_id, phone_number, state, last_error, created_at, updated_at
) VALUES (:id, :campaign_id, :phone_number, :state, :last_error, :created_at, :updated_at)
ON CONFLICT (campaign_id, phone_number) DO NOTHING`

// EnqueueForDial inserts the extra targets as pending and flips the
// campaign's registered roster to pending, atomically.
func (r *TargetRepository) EnqueueForDial(ctx context.Context, campaignID uuid.UUID, extra []domain.DialTarget) (int64, error) {
	var queued int64
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if len(extra) > 0 {
			res, err := tx.NamedExecContext(ctx, insertTargetsQuery, targetParams(extra))
			if err != nil {
				return fmt.Errorf("targets: insert extra: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("targets: rows affected: %w", err)
			}
			queued += n
		}

		res, err := tx.ExecContext(ctx, `UPDATE campaign_targets
			SET state = $1, updated_at = $2
			WHERE campaign_id = $3 AND state = $4`,
			string(domain.TargetStatePending), time.Now().UTC(), campaignID, string(domain.TargetStateRegistered))
		if err != nil {
			return fmt.Errorf("targets: flip roster: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("targets: rows affected: %w", err)
		}
		queued += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return queued, nil
}

// NextPendingBatch fetches pending targets for the dial sweep, oldest first.
func (r *TargetRepository) NextPendingBatch(ctx context.Context, limit int) ([]domain.DialTarget, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT id, campaign_id, phone_number, state, last_error, created_at, updated_at
		FROM campaign_targets
		WHERE state = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(domain.TargetStatePending), limit)
	if err != nil {
		return nil, fmt.Errorf("targets: next pending: %w", err)
	}
	defer rows.Close()

	var results []domain.DialTarget
	for rows.Next() {
		var rec targetRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("targets: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("targets: rows err: %w", err)
	}
	return results, nil
}

// MarkState updates the state for the specified targets.
func (r *TargetRepository) MarkState(ctx context.Context, ids []uuid.UUID, state domain.TargetState, lastError *string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE campaign_targets
		SET state = $1, last_error = COALESCE($2, last_error), updated_at = $3
		WHERE id = ANY($4)`,
		string(state), lastError, time.Now().UTC(), ids); err != nil {
		return fmt.Errorf("targets: mark state: %w", err)
	}
	return nil
}

// ListByCampaign lists a campaign's targets, optionally filtered by state.
func (r *TargetRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, state domain.TargetState, limit int) ([]domain.DialTarget, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, campaign_id, phone_number, state, last_error, created_at, updated_at
		FROM campaign_targets WHERE campaign_id = $1`
	args := []any{campaignID}
	if state != "" {
		query += ` AND state = $2 ORDER BY created_at ASC LIMIT $3`
		args = append(args, string(state), limit)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("targets: list: %w", err)
	}
	defer rows.Close()

	var results []domain.DialTarget
	for rows.Next() {
		var rec targetRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("targets: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("targets: rows err: %w", err)
	}
	return results, nil
}

func targetParams(targets []domain.DialTarget) []map[string]any {
	rows := make([]map[string]any, 0, len(targets))
	for _, t := range targets {
		rows = append(rows, map[string]any{
			"id":           t.ID,
			"campaign_id":  t.CampaignID,
			"phone_number": t.PhoneNumber,
			"state":        string(t.State),
			"last_error":   t.LastError,
			"created_at":   t.CreatedAt,
			"updated_at":   t.UpdatedAt,
		})
	}
	return rows
}

type targetRecord struct {
	ID          uuid.UUID      `db:"id"`
	CampaignID  uuid.UUID      `db:"campaign_id"`
	PhoneNumber string         `db:"phone_number"`
	State       string         `db:"state"`
	LastError   sql.NullString `db:"last_error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r targetRecord) toDomain() domain.DialTarget {
	target := domain.DialTarget{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		PhoneNumber: r.PhoneNumber,
		State:       domain.TargetState(r.State),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastError.Valid {
		v := r.LastError.String
		target.LastError = &v
	}
	return target
}
