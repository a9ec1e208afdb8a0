package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-call-manager/internal/domain"
	"github.com/acme/campaign-call-manager/internal/repository"
	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
)

// Service orchestrates campaign lifecycle and roster operations.
type Service struct {
	repo    repository.CampaignRepository
	targets repository.TargetRepository
}

// NewService constructs a campaign service.
func NewService(repo repository.CampaignRepository, targets repository.TargetRepository) *Service {
	return &Service{repo: repo, targets: targets}
}

// CreateInput captures campaign creation parameters. Targets seed the roster
// and may be empty.
type CreateInput struct {
	Name        string
	Description string
	Targets     []string
}

// RosterResult reports how a batch of phone numbers was absorbed.
type RosterResult struct {
	Accepted int
	Rejected []string
}

// Create provisions a new campaign, active immediately, and registers any
// seed targets on its roster.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Campaign, *RosterResult, error) {
	if input.Name == "" {
		return nil, nil, fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}

	now := time.Now().UTC()
	campaign := &domain.Campaign{
		ID:          uuid.New(),
		Name:        input.Name,
		Description: input.Description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	roster, err := s.register(ctx, campaign.ID, input.Targets)
	if err != nil {
		return nil, nil, err
	}
	return campaign, roster, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns after the given id, oldest first.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return s.repo.List(ctx, afterID, limit)
}

// SetActive flips the campaign's active flag. Deactivating stops new call
// creation; in-flight calls run to completion.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return fmt.Errorf("campaign service: set active: %w", err)
	}
	return nil
}

// AddTargets registers phone numbers on the campaign roster. Numbers that do
// not normalize are reported back, not inserted.
func (s *Service) AddTargets(ctx context.Context, campaignID uuid.UUID, numbers []string) (*RosterResult, error) {
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return nil, fmt.Errorf("campaign service: lookup campaign: %w", err)
	}
	return s.register(ctx, campaignID, numbers)
}

// EnqueueDial flips the campaign roster to pending and adds any extra numbers
// directly as pending, so the dial sweep starts working the backlog. Returns
// the number of targets now waiting.
func (s *Service) EnqueueDial(ctx context.Context, campaignID uuid.UUID, extra []string) (int64, *RosterResult, error) {
	campaign, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return 0, nil, fmt.Errorf("campaign service: lookup campaign: %w", err)
	}
	if !campaign.Active {
		return 0, nil, fmt.Errorf("%w: campaign %s is not active", apperrors.ErrValidation, campaign.ID)
	}

	now := time.Now().UTC()
	roster := &RosterResult{}
	targets := make([]domain.DialTarget, 0, len(extra))
	for _, raw := range extra {
		number, ok := domain.NormalizeTarget(raw)
		if !ok {
			roster.Rejected = append(roster.Rejected, raw)
			continue
		}
		roster.Accepted++
		targets = append(targets, domain.DialTarget{
			ID:          uuid.New(),
			CampaignID:  campaignID,
			PhoneNumber: number,
			State:       domain.TargetStatePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	queued, err := s.targets.EnqueueForDial(ctx, campaignID, targets)
	if err != nil {
		return 0, nil, fmt.Errorf("campaign service: enqueue dial: %w", err)
	}
	return queued, roster, nil
}

// ParkForDial places one number straight into the pending backlog. Used when
// a capacity-denied call is queued instead of rejected; the dial sweep picks
// it up once capacity frees.
func (s *Service) ParkForDial(ctx context.Context, campaignID uuid.UUID, number string) error {
	normalized, ok := domain.NormalizeTarget(number)
	if !ok {
		return fmt.Errorf("%w: phone number must be 7 to 15 digits", apperrors.ErrValidation)
	}

	now := time.Now().UTC()
	target := domain.DialTarget{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		PhoneNumber: normalized,
		State:       domain.TargetStatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.targets.BulkInsert(ctx, []domain.DialTarget{target}); err != nil {
		return fmt.Errorf("campaign service: park target: %w", err)
	}
	return nil
}

// Roster lists the campaign's targets in the given state.
func (s *Service) Roster(ctx context.Context, campaignID uuid.UUID, state domain.TargetState, limit int) ([]domain.DialTarget, error) {
	return s.targets.ListByCampaign(ctx, campaignID, state, limit)
}

func (s *Service) register(ctx context.Context, campaignID uuid.UUID, numbers []string) (*RosterResult, error) {
	roster := &RosterResult{}
	if len(numbers) == 0 {
		return roster, nil
	}

	now := time.Now().UTC()
	targets := make([]domain.DialTarget, 0, len(numbers))
	for _, raw := range numbers {
		number, ok := domain.NormalizeTarget(raw)
		if !ok {
			roster.Rejected = append(roster.Rejected, raw)
			continue
		}
		roster.Accepted++
		targets = append(targets, domain.DialTarget{
			ID:          uuid.New(),
			CampaignID:  campaignID,
			PhoneNumber: number,
			State:       domain.TargetStateRegistered,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if len(targets) > 0 {
		if err := s.targets.BulkInsert(ctx, targets); err != nil {
			return nil, fmt.Errorf("campaign service: store targets: %w", err)
		}
	}
	return roster, nil
}
