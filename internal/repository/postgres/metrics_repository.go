package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/repository"
)

// MetricsRepository keeps per-campaign daily transition counters.
type MetricsRepository struct {
	db *sqlx.DB
}

// NewMetricsRepository builds the repository.
func NewMetricsRepository(db *sqlx.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// ApplyDelta upserts the campaign's row for the day and adds the deltas.
func (r *MetricsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, day time.Time, delta repository.MetricsDelta) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO call_metrics
		(campaign_id, day, initiated, picked, disconnected, rnr, failed, exhausted, retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (campaign_id, day) DO UPDATE SET
			initiated = call_metrics.initiated + EXCLUDED.initiated,
			picked = call_metrics.picked + EXCLUDED.picked,
			disconnected = call_metrics.disconnected + EXCLUDED.disconnected,
			rnr = call_metrics.rnr + EXCLUDED.rnr,
			failed = call_metrics.failed + EXCLUDED.failed,
			exhausted = call_metrics.exhausted + EXCLUDED.exhausted,
			retries = call_metrics.retries + EXCLUDED.retries`,
		campaignID, domain.MetricsDay(day),
		delta.Initiated, delta.Picked, delta.Disconnected, delta.RNR,
		delta.Failed, delta.Exhausted, delta.Retries,
	)
	if err != nil {
		return fmt.Errorf("call metrics: apply delta: %w", err)
	}
	return nil
}

// Range returns daily rows between from and to inclusive, newest day first.
func (r *MetricsRepository) Range(ctx context.Context, from, to time.Time) ([]domain.CallMetrics, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT campaign_id, day, initiated, picked, disconnected, rnr, failed, exhausted, retries
		FROM call_metrics
		WHERE day >= $1 AND day <= $2
		ORDER BY day DESC, campaign_id ASC`,
		domain.MetricsDay(from), domain.MetricsDay(to))
	if err != nil {
		return nil, fmt.Errorf("call metrics: range: %w", err)
	}
	defer rows.Close()

	var results []domain.CallMetrics
	for rows.Next() {
		var rec metricsRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call metrics: scan: %w", err)
		}
		results = append(results, domain.CallMetrics(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call metrics: rows err: %w", err)
	}
	return results, nil
}

type metricsRecord struct {
	CampaignID   uuid.UUID `db:"campaign_id"`
	Day          time.Time `db:"day"`
	Initiated    int64     `db:"initiated"`
	Picked       int64     `db:"picked"`
	Disconnected int64     `db:"disconnected"`
	RNR          int64     `db:"rnr"`
	Failed       int64     `db:"failed"`
	Exhausted    int64     `db:"exhausted"`
	Retries      int64     `db:"retries"`
}
