package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

// memStore is an in-memory implementation of the campaign and recipient
// repositories for engine tests.
type memStore struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]*domain.Campaign
	recipients map[uuid.UUID]*domain.Recipient
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  map[uuid.UUID]*domain.Campaign{},
		recipients: map[uuid.UUID]*domain.Recipient{},
	}
}

func (s *memStore) addCampaign(c *domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
}

func (s *memStore) addRecipient(r *domain.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.recipients[r.ID] = &cp
}

func (s *memStore) campaign(id uuid.UUID) domain.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *memStore) recipient(id uuid.UUID) domain.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recipients[id]
}

// CampaignRepository

func (s *memStore) Create(_ context.Context, campaign *domain.Campaign) error {
	s.addCampaign(campaign)
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) TransitionStatus(_ context.Context, id uuid.UUID, from, to domain.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.Status != from {
		return repository.ErrConflict
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) ListByStatus(_ context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListDueForStart(_ context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range s.campaigns {
		if c.Status != domain.CampaignStatusDraft || c.ScheduledStartAt == nil {
			continue
		}
		if c.ScheduledStartAt.After(now) {
			continue
		}
		if c.ScheduledExpiresAt != nil && !c.ScheduledExpiresAt.After(now) {
			continue
		}
		cp := *c
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) CancelExpiredDrafts(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.campaigns {
		if c.Status == domain.CampaignStatusDraft && c.ScheduledExpiresAt != nil && !c.ScheduledExpiresAt.After(now) {
			c.Status = domain.CampaignStatusCancelled
			n++
		}
	}
	return n, nil
}

func (s *memStore) ApplyCounterDelta(_ context.Context, id uuid.UUID, delta repository.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.TotalRecipients += delta.Total
	c.CompletedCalls += delta.Completed
	c.SuccessfulCalls += delta.Successful
	c.FailedCalls += delta.Failed
	c.PendingCalls += delta.Pending
	return nil
}

func (s *memStore) Touch(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[id]; ok {
		c.UpdatedAt = time.Now()
	}
	return nil
}

// RecipientRepository

func (s *memStore) BulkInsert(_ context.Context, campaignID uuid.UUID, recipients []*domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recipients {
		cp := *r
		cp.CampaignID = campaignID
		s.recipients[r.ID] = &cp
	}
	if c, ok := s.campaigns[campaignID]; ok {
		c.TotalRecipients += int64(len(recipients))
		c.PendingCalls += int64(len(recipients))
	}
	return nil
}

func (s *memStore) NextPendingBatch(_ context.Context, campaignID uuid.UUID, limit int) ([]*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Recipient
	for _, r := range s.recipients {
		if r.CampaignID == campaignID && r.CallStatus == domain.CallStatusPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkCalling(_ context.Context, recipientID, campaignID uuid.UUID, externalCallID string, attempts int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[recipientID]
	if !ok || r.CallStatus != domain.CallStatusPending {
		return repository.ErrConflict
	}
	r.CallStatus = domain.CallStatusCalling
	r.ExternalCallID = &externalCallID
	r.Attempts = attempts
	r.LastAttemptAt = &at
	if c, ok := s.campaigns[campaignID]; ok {
		c.PendingCalls--
	}
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, recipientID, campaignID uuid.UUID, attempts int, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[recipientID]
	if !ok || r.CallStatus != domain.CallStatusPending {
		return repository.ErrConflict
	}
	r.CallStatus = domain.CallStatusFailed
	r.Attempts = attempts
	r.LastError = &lastError
	r.LastAttemptAt = &at
	if c, ok := s.campaigns[campaignID]; ok {
		c.PendingCalls--
		c.CompletedCalls++
		c.FailedCalls++
	}
	return nil
}

func (s *memStore) GetByExternalCallID(_ context.Context, externalCallID string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients {
		if r.ExternalCallID != nil && *r.ExternalCallID == externalCallID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) ResolveCompletion(_ context.Context, recipientID, campaignID uuid.UUID, outcome domain.CallOutcome, disconnectReason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[recipientID]
	if !ok || r.CallStatus != domain.CallStatusCalling {
		return false, nil
	}
	if outcome == domain.OutcomeError {
		r.CallStatus = domain.CallStatusFailed
	} else {
		r.CallStatus = domain.CallStatusCompleted
	}
	r.CallOutcome = outcome
	if disconnectReason != "" {
		r.LastError = &disconnectReason
	}
	r.UpdatedAt = at
	if c, ok := s.campaigns[campaignID]; ok {
		c.CompletedCalls++
		if outcome.Successful() {
			c.SuccessfulCalls++
		} else {
			c.FailedCalls++
		}
	}
	return true, nil
}

func (s *memStore) CountActive(_ context.Context, campaignID uuid.UUID, staleAfter time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.recipients {
		if r.CampaignID == campaignID && s.activeLocked(r, staleAfter, now) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountActiveGlobal(_ context.Context, staleAfter time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.recipients {
		if s.activeLocked(r, staleAfter, now) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) activeLocked(r *domain.Recipient, staleAfter time.Duration, now time.Time) bool {
	if r.CallStatus != domain.CallStatusCalling {
		return false
	}
	if r.LastAttemptAt == nil {
		return false
	}
	return r.LastAttemptAt.After(now.Add(-staleAfter))
}

func (s *memStore) CountByStatus(_ context.Context, campaignID uuid.UUID, status domain.CallStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.recipients {
		if r.CampaignID == campaignID && r.CallStatus == status {
			n++
		}
	}
	return n, nil
}
