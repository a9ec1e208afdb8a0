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

// DeadLetterRepository persists poison messages in PostgreSQL.
type DeadLetterRepository struct {
	db *sqlx.DB
}

// NewDeadLetterRepository constructs the repository.
func NewDeadLetterRepository(db *sqlx.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Insert files a new dead letter.
func (r *DeadLetterRepository) Insert(ctx context.Context, entry *domain.DeadLetter) error {
	q := `INSERT INTO dead_letters (id, topic, message_key, payload, error, replay_count, processed, processed_at, created_at)
		VALUES (:id, :topic, :message_key, :payload, :error, :replay_count, :processed, :processed_at, :created_at)`

	params := map[string]any{
		"id":           entry.ID,
		"topic":        entry.Topic,
		"message_key":  entry.MessageKey,
		"payload":      entry.Payload,
		"error":        entry.Error,
		"replay_count": entry.ReplayCount,
		"processed":    entry.Processed,
		"processed_at": entry.ProcessedAt,
		"created_at":   entry.CreatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("dead letters: insert: %w", err)
	}
	return nil
}

// ListReplayable returns unprocessed entries still under the replay ceiling,
// oldest first.
func (r *DeadLetterRepository) ListReplayable(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT id, topic, message_key, payload, error, replay_count, processed, processed_at, created_at
		FROM dead_letters
		WHERE processed = FALSE AND replay_count < $1
		ORDER BY created_at ASC
		LIMIT $2`, domain.MaxDeadLetterReplays, limit)
	if err != nil {
		return nil, fmt.Errorf("dead letters: list replayable: %w", err)
	}
	defer rows.Close()

	var results []domain.DeadLetter
	for rows.Next() {
		var rec deadLetterRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("dead letters: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letters: rows err: %w", err)
	}
	return results, nil
}

// MarkProcessed closes out a successfully replayed entry.
func (r *DeadLetterRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE dead_letters SET processed = TRUE, processed_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("dead letters: mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dead letters: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// IncrementReplay records a failed replay.
func (r *DeadLetterRepository) IncrementReplay(ctx context.Context, id uuid.UUID, lastError string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE dead_letters SET replay_count = replay_count + 1, error = $1 WHERE id = $2`,
		lastError, id); err != nil {
		return fmt.Errorf("dead letters: increment replay: %w", err)
	}
	return nil
}

// PurgeProcessedBefore removes processed entries older than the cutoff and
// returns how many were deleted.
func (r *DeadLetterRepository) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE processed = TRUE AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dead letters: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dead letters: rows affected: %w", err)
	}
	return n, nil
}

type deadLetterRecord struct {
	ID          uuid.UUID      `db:"id"`
	Topic       string         `db:"topic"`
	MessageKey  sql.NullString `db:"message_key"`
	Payload     []byte         `db:"payload"`
	Error       string         `db:"error"`
	ReplayCount int            `db:"replay_count"`
	Processed   bool           `db:"processed"`
	ProcessedAt sql.NullTime   `db:"processed_at"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r deadLetterRecord) toDomain() domain.DeadLetter {
	entry := domain.DeadLetter{
		ID:          r.ID,
		Topic:       r.Topic,
		MessageKey:  r.MessageKey.String,
		Payload:     r.Payload,
		Error:       r.Error,
		ReplayCount: r.ReplayCount,
		Processed:   r.Processed,
		CreatedAt:   r.CreatedAt,
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		entry.ProcessedAt = &t
	}
	return entry
}
