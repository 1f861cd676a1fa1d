package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a guarded update found the row in another state.
	ErrConflict = apperrors.ErrConflict
)

// CounterDelta captures atomic increments applied to a campaign's aggregate
// counters. Deltas are applied as row-scoped UPDATE ... SET x = x + n, never
// read-modify-write, so concurrent invocations stay consistent.
type CounterDelta struct {
	Total      int64
	Completed  int64
	Successful int64
	Failed     int64
	Pending    int64
}

// CampaignRepository manages campaign rows.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// TransitionStatus flips status only when the row currently holds the
	// expected state; ErrConflict otherwise.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus) error
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	// ListDueForStart returns draft campaigns whose scheduled start has
	// passed.
	ListDueForStart(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
	// CancelExpiredDrafts cancels drafts whose scheduled expiry has passed
	// and returns how many were affected.
	CancelExpiredDrafts(ctx context.Context, now time.Time) (int64, error)
	ApplyCounterDelta(ctx context.Context, id uuid.UUID, delta CounterDelta) error
	Touch(ctx context.Context, id uuid.UUID) error
}

// RecipientRepository manages per-recipient call state. All state transitions
// are conditional on the current call_status so duplicate deliveries and
// concurrent invocations cannot double-apply.
type RecipientRepository interface {
	BulkInsert(ctx context.Context, campaignID uuid.UUID, recipients []*domain.Recipient) error
	// NextPendingBatch returns pending recipients in queue order (oldest
	// enqueued first).
	NextPendingBatch(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.Recipient, error)
	// MarkCalling transitions pending -> calling, records the external call
	// id and attempt bookkeeping, and decrements the campaign's pending
	// counter in the same transaction.
	MarkCalling(ctx context.Context, recipientID, campaignID uuid.UUID, externalCallID string, attempts int, at time.Time) error
	// MarkFailed resolves a recipient whose placement never produced a call:
	// pending -> failed plus campaign counter increments, one transaction.
	MarkFailed(ctx context.Context, recipientID, campaignID uuid.UUID, attempts int, lastError string, at time.Time) error
	GetByExternalCallID(ctx context.Context, externalCallID string) (*domain.Recipient, error)
	// ResolveCompletion transitions calling -> completed/failed and applies
	// the campaign counter increments atomically. Returns false without
	// error when the recipient was already terminal (duplicate delivery).
	ResolveCompletion(ctx context.Context, recipientID, campaignID uuid.UUID, outcome domain.CallOutcome, disconnectReason string, at time.Time) (bool, error)
	// CountActive counts calling recipients whose last attempt is fresh;
	// rows older than staleAfter are treated as abandoned and excluded so
	// they cannot starve slot accounting.
	CountActive(ctx context.Context, campaignID uuid.UUID, staleAfter time.Duration, now time.Time) (int64, error)
	CountActiveGlobal(ctx context.Context, staleAfter time.Duration, now time.Time) (int64, error)
	CountByStatus(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus) (int64, error)
}

// AttemptStore appends placement attempt audit records.
type AttemptStore interface {
	Append(ctx context.Context, attempt domain.CallAttempt) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error)
}
