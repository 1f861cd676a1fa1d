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

const recipientColumns = `id, campaign_id, phone_number, variables, call_status, call_outcome,
	external_call_id, attempts, last_attempt_at, last_error, created_at, updated_at`

// RecipientRepository implements repository.RecipientRepository on PostgreSQL.
type RecipientRepository struct {
	db *sqlx.DB
}

// NewRecipientRepository constructs the repository.
func NewRecipientRepository(db *sqlx.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// BulkInsert inserts recipients and bumps the campaign's total and pending
// counters in the same transaction.
func (r *RecipientRepository) BulkInsert(ctx context.Context, campaignID uuid.UUID, recipients []*domain.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	q := `INSERT INTO recipients (
		id, campaign_id, phone_number, variables, call_status, attempts, created_at, updated_at
	) VALUES (:id, :campaign_id, :phone_number, :variables, :call_status, :attempts, :created_at, :updated_at)
	ON CONFLICT (id) DO NOTHING`

	rows := make([]map[string]any, 0, len(recipients))
	for _, rec := range recipients {
		variables, err := json.Marshal(rec.Variables)
		if err != nil {
			return fmt.Errorf("recipient repo: marshal variables: %w", err)
		}
		rows = append(rows, map[string]any{
			"id":           rec.ID,
			"campaign_id":  campaignID,
			"phone_number": rec.PhoneNumber,
			"variables":    variables,
			"call_status":  domain.CallStatusPending,
			"attempts":     0,
			"created_at":   rec.CreatedAt,
			"updated_at":   rec.CreatedAt,
		})
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, q, rows)
		if err != nil {
			return fmt.Errorf("recipient repo: bulk insert: %w", err)
		}
		// Conflicting ids insert nothing, so the counter delta has to come
		// from the rows the statement actually added.
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("recipient repo: bulk insert rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET
			total_recipients = total_recipients + $2,
			pending_calls = pending_calls + $2,
			updated_at = NOW()
		WHERE id = $1`, campaignID, n); err != nil {
			return fmt.Errorf("recipient repo: bump campaign counters: %w", err)
		}
		return nil
	})
}

// NextPendingBatch returns pending recipients in queue order.
func (r *RecipientRepository) NextPendingBatch(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.Recipient, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + recipientColumns + ` FROM recipients
		WHERE campaign_id = $1 AND call_status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, q, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("recipient repo: next pending batch: %w", err)
	}
	defer rows.Close()

	var results []*domain.Recipient
	for rows.Next() {
		var rec recipientRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("recipient repo: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipient repo: rows err: %w", err)
	}
	return results, nil
}

// MarkCalling transitions pending -> calling with the external call id.
func (r *RecipientRepository) MarkCalling(ctx context.Context, recipientID, campaignID uuid.UUID, externalCallID string, attempts int, at time.Time) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE recipients SET
			call_status = 'calling',
			external_call_id = $2,
			attempts = $3,
			last_attempt_at = $4,
			last_error = NULL,
			updated_at = $4
		WHERE id = $1 AND call_status = 'pending'`, recipientID, externalCallID, attempts, at)
		if err != nil {
			return fmt.Errorf("recipient repo: mark calling: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("recipient repo: rows affected: %w", err)
		}
		if n == 0 {
			return repository.ErrConflict
		}

		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET
			pending_calls = pending_calls - 1, updated_at = NOW()
		WHERE id = $1`, campaignID); err != nil {
			return fmt.Errorf("recipient repo: decrement pending: %w", err)
		}
		return nil
	})
}

// MarkFailed resolves a recipient whose placement never produced a call.
func (r *RecipientRepository) MarkFailed(ctx context.Context, recipientID, campaignID uuid.UUID, attempts int, lastError string, at time.Time) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE recipients SET
			call_status = 'failed',
			call_outcome = 'error',
			attempts = $2,
			last_attempt_at = $3,
			last_error = $4,
			updated_at = $3
		WHERE id = $1 AND call_status = 'pending'`, recipientID, attempts, at, lastError)
		if err != nil {
			return fmt.Errorf("recipient repo: mark failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("recipient repo: rows affected: %w", err)
		}
		if n == 0 {
			return repository.ErrConflict
		}

		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET
			pending_calls = pending_calls - 1,
			completed_calls = completed_calls + 1,
			failed_calls = failed_calls + 1,
			updated_at = NOW()
		WHERE id = $1`, campaignID); err != nil {
			return fmt.Errorf("recipient repo: apply failure counters: %w", err)
		}
		return nil
	})
}

// GetByExternalCallID locates a recipient by the provider's call id.
func (r *RecipientRepository) GetByExternalCallID(ctx context.Context, externalCallID string) (*domain.Recipient, error) {
	q := `SELECT ` + recipientColumns + ` FROM recipients WHERE external_call_id = $1`

	var rec recipientRecord
	if err := r.db.QueryRowxContext(ctx, q, externalCallID).StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("recipient repo: get by external call id: %w", err)
	}
	return rec.toDomain(), nil
}

// ResolveCompletion transitions calling -> completed/failed exactly once.
// The guard on call_status makes webhook redelivery a no-op.
func (r *RecipientRepository) ResolveCompletion(ctx context.Context, recipientID, campaignID uuid.UUID, outcome domain.CallOutcome, disconnectReason string, at time.Time) (bool, error) {
	status := domain.CallStatusCompleted
	var successDelta, failedDelta int64 = 1, 0
	if !outcome.Successful() {
		status = domain.CallStatusFailed
		successDelta, failedDelta = 0, 1
	}

	applied := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var lastError any
		if disconnectReason != "" && status == domain.CallStatusFailed {
			lastError = disconnectReason
		}
		res, err := tx.ExecContext(ctx, `UPDATE recipients SET
			call_status = $2,
			call_outcome = $3,
			last_error = COALESCE($4, last_error),
			updated_at = $5
		WHERE id = $1 AND call_status = 'calling'`, recipientID, status, outcome, lastError, at)
		if err != nil {
			return fmt.Errorf("recipient repo: resolve completion: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("recipient repo: rows affected: %w", err)
		}
		if n == 0 {
			// Already terminal: duplicate delivery, leave counters alone.
			return nil
		}
		applied = true

		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET
			completed_calls = completed_calls + 1,
			successful_calls = successful_calls + $2,
			failed_calls = failed_calls + $3,
			updated_at = NOW()
		WHERE id = $1`, campaignID, successDelta, failedDelta); err != nil {
			return fmt.Errorf("recipient repo: apply completion counters: %w", err)
		}
		return nil
	})
	return applied, err
}

// CountActive counts fresh in-flight calls for one campaign.
func (r *RecipientRepository) CountActive(ctx context.Context, campaignID uuid.UUID, staleAfter time.Duration, now time.Time) (int64, error) {
	var count int64
	cutoff := now.Add(-staleAfter)
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM recipients
		WHERE campaign_id = $1 AND call_status = 'calling' AND last_attempt_at > $2`, campaignID, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("recipient repo: count active: %w", err)
	}
	return count, nil
}

// CountActiveGlobal counts fresh in-flight calls across all campaigns.
func (r *RecipientRepository) CountActiveGlobal(ctx context.Context, staleAfter time.Duration, now time.Time) (int64, error) {
	var count int64
	cutoff := now.Add(-staleAfter)
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM recipients
		WHERE call_status = 'calling' AND last_attempt_at > $1`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("recipient repo: count active global: %w", err)
	}
	return count, nil
}

// CountByStatus counts a campaign's recipients in the given state.
func (r *RecipientRepository) CountByStatus(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus) (int64, error) {
	var count int64
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM recipients
		WHERE campaign_id = $1 AND call_status = $2`, campaignID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("recipient repo: count by status: %w", err)
	}
	return count, nil
}

type recipientRecord struct {
	ID             uuid.UUID      `db:"id"`
	CampaignID     uuid.UUID      `db:"campaign_id"`
	PhoneNumber    string         `db:"phone_number"`
	Variables      []byte         `db:"variables"`
	CallStatus     string         `db:"call_status"`
	CallOutcome    sql.NullString `db:"call_outcome"`
	ExternalCallID sql.NullString `db:"external_call_id"`
	Attempts       int            `db:"attempts"`
	LastAttemptAt  sql.NullTime   `db:"last_attempt_at"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r recipientRecord) toDomain() *domain.Recipient {
	var variables map[string]any
	_ = json.Unmarshal(r.Variables, &variables)

	rec := &domain.Recipient{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		PhoneNumber: r.PhoneNumber,
		Variables:   variables,
		CallStatus:  domain.CallStatus(r.CallStatus),
		CallOutcome: domain.CallOutcome(r.CallOutcome.String),
		Attempts:    r.Attempts,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.ExternalCallID.Valid {
		v := r.ExternalCallID.String
		rec.ExternalCallID = &v
	}
	if r.LastAttemptAt.Valid {
		t := r.LastAttemptAt.Time
		rec.LastAttemptAt = &t
	}
	if r.LastError.Valid {
		v := r.LastError.String
		rec.LastError = &v
	}
	return rec
}
