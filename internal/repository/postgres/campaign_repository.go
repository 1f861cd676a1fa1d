package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

const campaignColumns = `id, tenant_id, name, agent_ref, status,
	total_recipients, completed_calls, successful_calls, failed_calls, pending_calls,
	max_concurrent_calls, retry_max_retries, retry_initial_delay_ms, retry_max_delay_ms,
	business_hours, scheduled_start_at, scheduled_expires_at,
	created_at, updated_at, started_at, completed_at, deleted_at`

// CampaignRepository implements repository.CampaignRepository on PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign row.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	hours, err := marshalHours(campaign.BusinessHours)
	if err != nil {
		return err
	}

	q := `INSERT INTO campaigns (
		id, tenant_id, name, agent_ref, status,
		total_recipients, completed_calls, successful_calls, failed_calls, pending_calls,
		max_concurrent_calls, retry_max_retries, retry_initial_delay_ms, retry_max_delay_ms,
		business_hours, scheduled_start_at, scheduled_expires_at,
		created_at, updated_at, started_at, completed_at
	) VALUES (
		:id, :tenant_id, :name, :agent_ref, :status,
		:total_recipients, :completed_calls, :successful_calls, :failed_calls, :pending_calls,
		:max_concurrent_calls, :retry_max_retries, :retry_initial_delay_ms, :retry_max_delay_ms,
		:business_hours, :scheduled_start_at, :scheduled_expires_at,
		:created_at, :updated_at, :started_at, :completed_at
	)`

	params := map[string]any{
		"id":                     campaign.ID,
		"tenant_id":              campaign.TenantID,
		"name":                   campaign.Name,
		"agent_ref":              campaign.AgentRef,
		"status":                 campaign.Status,
		"total_recipients":       campaign.TotalRecipients,
		"completed_calls":        campaign.CompletedCalls,
		"successful_calls":       campaign.SuccessfulCalls,
		"failed_calls":           campaign.FailedCalls,
		"pending_calls":          campaign.PendingCalls,
		"max_concurrent_calls":   campaign.MaxConcurrentCalls,
		"retry_max_retries":      campaign.RetryPolicy.MaxRetries,
		"retry_initial_delay_ms": campaign.RetryPolicy.InitialDelay.Milliseconds(),
		"retry_max_delay_ms":     campaign.RetryPolicy.MaxDelay.Milliseconds(),
		"business_hours":         hours,
		"scheduled_start_at":     campaign.ScheduledStartAt,
		"scheduled_expires_at":   campaign.ScheduledExpiresAt,
		"created_at":             campaign.CreatedAt,
		"updated_at":             campaign.UpdatedAt,
		"started_at":             campaign.StartedAt,
		"completed_at":           campaign.CompletedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id, excluding soft-deleted rows.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1 AND deleted_at IS NULL`

	var record campaignRecord
	if err := r.db.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	return record.toDomain()
}

// TransitionStatus flips status only when the row is currently in the
// expected state.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus) error {
	q := `UPDATE campaigns SET status = $1, updated_at = NOW(),
		started_at = CASE WHEN $1 = 'active' AND started_at IS NULL THEN NOW() ELSE started_at END,
		completed_at = CASE WHEN $1 IN ('completed', 'cancelled') THEN NOW() ELSE completed_at END
	WHERE id = $2 AND status = $3 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, q, to, id, from)
	if err != nil {
		return fmt.Errorf("campaign repo: transition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrConflict
	}
	return nil
}

// ListByStatus returns campaigns filtered by status, oldest-updated first, so
// one invocation cannot starve the rest of the queue.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 5
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = $1 AND deleted_at IS NULL
		ORDER BY updated_at ASC LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, q, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

// ListDueForStart returns draft campaigns whose scheduled start has passed.
func (r *CampaignRepository) ListDueForStart(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = 'draft' AND deleted_at IS NULL
		  AND scheduled_start_at IS NOT NULL AND scheduled_start_at <= $1
		  AND (scheduled_expires_at IS NULL OR scheduled_expires_at > $1)
		ORDER BY scheduled_start_at ASC LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list due for start: %w", err)
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

// CancelExpiredDrafts cancels drafts whose expiry has passed without a start.
func (r *CampaignRepository) CancelExpiredDrafts(ctx context.Context, now time.Time) (int64, error) {
	q := `UPDATE campaigns SET status = 'cancelled', updated_at = NOW(), completed_at = NOW()
	WHERE status = 'draft' AND deleted_at IS NULL
	  AND scheduled_expires_at IS NOT NULL AND scheduled_expires_at < $1`

	res, err := r.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("campaign repo: cancel expired drafts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	return n, nil
}

// ApplyCounterDelta applies aggregate counter increments atomically.
func (r *CampaignRepository) ApplyCounterDelta(ctx context.Context, id uuid.UUID, delta repository.CounterDelta) error {
	q := `UPDATE campaigns SET
		total_recipients = total_recipients + $2,
		completed_calls = completed_calls + $3,
		successful_calls = successful_calls + $4,
		failed_calls = failed_calls + $5,
		pending_calls = pending_calls + $6,
		updated_at = NOW()
	WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, q, id, delta.Total, delta.Completed, delta.Successful, delta.Failed, delta.Pending); err != nil {
		return fmt.Errorf("campaign repo: apply counter delta: %w", err)
	}
	return nil
}

// Touch bumps updated_at so the campaign moves to the back of the
// oldest-updated processing order.
func (r *CampaignRepository) Touch(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE campaigns SET updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("campaign repo: touch: %w", err)
	}
	return nil
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID                  uuid.UUID      `db:"id"`
	TenantID            uuid.UUID      `db:"tenant_id"`
	Name                string         `db:"name"`
	AgentRef            string         `db:"agent_ref"`
	Status              string         `db:"status"`
	TotalRecipients     int64          `db:"total_recipients"`
	CompletedCalls      int64          `db:"completed_calls"`
	SuccessfulCalls     int64          `db:"successful_calls"`
	FailedCalls         int64          `db:"failed_calls"`
	PendingCalls        int64          `db:"pending_calls"`
	MaxConcurrentCalls  int            `db:"max_concurrent_calls"`
	RetryMaxRetries     int            `db:"retry_max_retries"`
	RetryInitialDelayMs int64          `db:"retry_initial_delay_ms"`
	RetryMaxDelayMs     int64          `db:"retry_max_delay_ms"`
	BusinessHours       []byte         `db:"business_hours"`
	ScheduledStartAt    sql.NullTime   `db:"scheduled_start_at"`
	ScheduledExpiresAt  sql.NullTime   `db:"scheduled_expires_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	StartedAt           sql.NullTime   `db:"started_at"`
	CompletedAt         sql.NullTime   `db:"completed_at"`
	DeletedAt           sql.NullTime   `db:"deleted_at"`
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		Name:               r.Name,
		AgentRef:           r.AgentRef,
		Status:             domain.CampaignStatus(r.Status),
		TotalRecipients:    r.TotalRecipients,
		CompletedCalls:     r.CompletedCalls,
		SuccessfulCalls:    r.SuccessfulCalls,
		FailedCalls:        r.FailedCalls,
		PendingCalls:       r.PendingCalls,
		MaxConcurrentCalls: r.MaxConcurrentCalls,
		RetryPolicy: domain.RetryPolicy{
			MaxRetries:   r.RetryMaxRetries,
			InitialDelay: time.Duration(r.RetryInitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(r.RetryMaxDelayMs) * time.Millisecond,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	if len(r.BusinessHours) > 0 {
		var hours domain.BusinessHoursConfig
		if err := json.Unmarshal(r.BusinessHours, &hours); err != nil {
			return nil, fmt.Errorf("campaign repo: unmarshal business hours: %w", err)
		}
		campaign.BusinessHours = &hours
	}

	campaign.ScheduledStartAt = nullableTime(r.ScheduledStartAt)
	campaign.ScheduledExpiresAt = nullableTime(r.ScheduledExpiresAt)
	campaign.StartedAt = nullableTime(r.StartedAt)
	campaign.CompletedAt = nullableTime(r.CompletedAt)
	campaign.DeletedAt = nullableTime(r.DeletedAt)
	return campaign, nil
}

func marshalHours(cfg *domain.BusinessHoursConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: marshal business hours: %w", err)
	}
	return data, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
