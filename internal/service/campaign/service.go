package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

// Service orchestrates campaign authoring and lifecycle operations. Dispatch
// itself lives in the engine; this layer validates input and drives the
// status state machine.
type Service struct {
	repo               repository.CampaignRepository
	recipients         repository.RecipientRepository
	defaultConcurrency int
	defaultRetry       domain.RetryPolicy
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	recipients repository.RecipientRepository,
	defaultConcurrency int,
	defaultRetry domain.RetryPolicy,
) *Service {
	return &Service{
		repo:               repo,
		recipients:         recipients,
		defaultConcurrency: defaultConcurrency,
		defaultRetry:       defaultRetry,
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	TenantID           uuid.UUID
	Name               string
	AgentRef           string
	MaxConcurrentCalls int
	RetryPolicy        *domain.RetryPolicy
	BusinessHours      *domain.BusinessHoursConfig
	ScheduledStartAt   *time.Time
	ScheduledExpiresAt *time.Time
	Recipients         []RecipientInput
}

// RecipientInput expresses one destination phone number.
type RecipientInput struct {
	PhoneNumber string
	Variables   map[string]any
}

// Create provisions a new campaign in draft state.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		TenantID:           input.TenantID,
		Name:               input.Name,
		AgentRef:           input.AgentRef,
		Status:             domain.CampaignStatusDraft,
		MaxConcurrentCalls: s.resolveConcurrency(input.MaxConcurrentCalls),
		RetryPolicy:        s.resolveRetry(input.RetryPolicy),
		BusinessHours:      input.BusinessHours,
		ScheduledStartAt:   input.ScheduledStartAt,
		ScheduledExpiresAt: input.ScheduledExpiresAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	if len(input.Recipients) > 0 {
		if err := s.addRecipients(ctx, campaign.ID, input.Recipients); err != nil {
			return nil, err
		}
	}

	return s.repo.Get(ctx, campaign.ID)
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns in the given status, oldest-updated first.
func (s *Service) List(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByStatus(ctx, status, limit)
}

// AddRecipients appends destinations to a campaign. Only draft and paused
// campaigns accept new recipients.
func (s *Service) AddRecipients(ctx context.Context, id uuid.UUID, recipients []RecipientInput) error {
	if len(recipients) == 0 {
		return fmt.Errorf("%w: no recipients given", apperrors.ErrValidation)
	}

	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignStatusDraft && campaign.Status != domain.CampaignStatusPaused {
		return fmt.Errorf("%w: campaign %s does not accept recipients in status %s",
			apperrors.ErrConflict, id, campaign.Status)
	}

	return s.addRecipients(ctx, id, recipients)
}

func (s *Service) addRecipients(ctx context.Context, campaignID uuid.UUID, inputs []RecipientInput) error {
	now := time.Now().UTC()
	rows := make([]*domain.Recipient, 0, len(inputs))
	for _, in := range inputs {
		if in.PhoneNumber == "" {
			return fmt.Errorf("%w: recipient phone number is required", apperrors.ErrValidation)
		}
		rows = append(rows, &domain.Recipient{
			ID:          uuid.New(),
			CampaignID:  campaignID,
			PhoneNumber: in.PhoneNumber,
			Variables:   in.Variables,
			CallStatus:  domain.CallStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := s.recipients.BulkInsert(ctx, campaignID, rows); err != nil {
		return fmt.Errorf("campaign service: store recipients: %w", err)
	}
	return nil
}

// Start activates a draft or paused campaign.
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, domain.CampaignStatusActive)
}

// Pause suspends an active campaign.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, domain.CampaignStatusPaused)
}

// Cancel terminates a campaign from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, domain.CampaignStatusCancelled)
}

// transition validates the state machine against the current row, then
// applies the guarded repository update. The guard re-checks the state inside
// the UPDATE, so a concurrent transition loses cleanly with ErrConflict.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to domain.CampaignStatus) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if campaign.Status == to {
		return nil
	}
	if !domain.CanTransition(campaign.Status, to) {
		return fmt.Errorf("%w: cannot move campaign %s from %s to %s",
			apperrors.ErrConflict, id, campaign.Status, to)
	}

	return s.repo.TransitionStatus(ctx, id, campaign.Status, to)
}

func (s *Service) resolveConcurrency(requested int) int {
	if requested <= 0 {
		return s.defaultConcurrency
	}
	return requested
}

func (s *Service) resolveRetry(requested *domain.RetryPolicy) domain.RetryPolicy {
	if requested == nil {
		return s.defaultRetry
	}
	rp := *requested
	if rp.MaxRetries < 0 {
		rp.MaxRetries = 0
	}
	if rp.InitialDelay <= 0 {
		rp.InitialDelay = s.defaultRetry.InitialDelay
	}
	if rp.MaxDelay <= 0 {
		rp.MaxDelay = s.defaultRetry.MaxDelay
	}
	return rp
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.AgentRef == "" {
		return fmt.Errorf("%w: agent reference is required", apperrors.ErrValidation)
	}
	if input.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant id is required", apperrors.ErrValidation)
	}
	if input.ScheduledStartAt != nil && input.ScheduledExpiresAt != nil &&
		!input.ScheduledExpiresAt.After(*input.ScheduledStartAt) {
		return fmt.Errorf("%w: scheduled expiry must be after scheduled start", apperrors.ErrValidation)
	}
	if hours := input.BusinessHours; hours != nil && hours.Enabled {
		if hours.Timezone == "" {
			return fmt.Errorf("%w: business hours require a timezone", apperrors.ErrValidation)
		}
		for day, windows := range hours.Days {
			for _, w := range windows {
				if w.Start == "" || w.End == "" {
					return fmt.Errorf("%w: business hours window on %s is incomplete", apperrors.ErrValidation, day)
				}
			}
		}
	}
	return nil
}
