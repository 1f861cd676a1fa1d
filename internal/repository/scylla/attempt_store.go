package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// AttemptStore persists placement attempt audit records in Scylla, bucketed
// by day within each campaign partition.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// Append writes one attempt record.
func (s *AttemptStore) Append(ctx context.Context, attempt domain.CallAttempt) error {
	bucket := bucketDate(attempt.CreatedAt)
	latencyMs := int64(attempt.PlacementLatency / time.Millisecond)

	if err := s.session.Query(`INSERT INTO attempts_by_campaign
		(campaign_id, bucket, created_at, attempt_id, recipient_id, attempt_num, provider, fallback_engaged, external_call_id, error, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.CampaignID.String(), bucket, attempt.CreatedAt, attempt.ID.String(), attempt.RecipientID.String(),
		attempt.AttemptNum, attempt.Provider, attempt.FallbackEngaged, attempt.ExternalCallID, attempt.Error, latencyMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: append: %w", err)
	}
	return nil
}

// ListByCampaign pages through a campaign's attempt history, newest bucket
// first within the partition ordering.
func (s *AttemptStore) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT bucket, created_at, attempt_id, recipient_id, attempt_num, provider, fallback_engaged, external_call_id, error, latency_ms
		FROM attempts_by_campaign WHERE campaign_id = ?`, campaignID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.CallAttempt, 0, limit)

	var (
		bucket          time.Time
		createdAt       time.Time
		attemptIDStr    string
		recipientIDStr  string
		attemptNum      int
		provider        string
		fallbackEngaged bool
		externalCallID  string
		attemptErr      string
		latencyMs       int64
	)

	for iter.Scan(&bucket, &createdAt, &attemptIDStr, &recipientIDStr, &attemptNum, &provider, &fallbackEngaged, &externalCallID, &attemptErr, &latencyMs) {
		attemptID, err := uuid.Parse(attemptIDStr)
		if err != nil {
			continue
		}
		recipientID, err := uuid.Parse(recipientIDStr)
		if err != nil {
			continue
		}
		attempts = append(attempts, domain.CallAttempt{
			ID:               attemptID,
			CampaignID:       campaignID,
			RecipientID:      recipientID,
			AttemptNum:       attemptNum,
			Provider:         provider,
			FallbackEngaged:  fallbackEngaged,
			ExternalCallID:   externalCallID,
			Error:            attemptErr,
			PlacementLatency: time.Duration(latencyMs) * time.Millisecond,
			CreatedAt:        createdAt,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt store: iter close: %w", err)
	}

	return attempts, iter.PageState(), nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
