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

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (id, name, description, active, created_at, updated_at)
		VALUES (:id, :name, :description, :active, :created_at, :updated_at)`

	params := map[string]any{
		"id":          campaign.ID,
		"name":        campaign.Name,
		"description": campaign.Description,
		"active":      campaign.Active,
		"created_at":  campaign.CreatedAt,
		"updated_at":  campaign.UpdatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT id, name, description, active, created_at, updated_at
		FROM campaigns WHERE id = $1`, id)

	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// List returns campaigns with keyset pagination.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sqlx.Rows
	var err error
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT id, name, description, active, created_at, updated_at
			FROM campaigns WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT id, name, description, active, created_at, updated_at
			FROM campaigns ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

// SetActive toggles whether the campaign accepts new calls.
func (r *CampaignRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET active = $1, updated_at = $2 WHERE id = $3`,
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("campaign repo: set active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type campaignRecord struct {
	ID          uuid.UUID      `db:"id"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	Active      bool           `db:"active"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description.String,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
